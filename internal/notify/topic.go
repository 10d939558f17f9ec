// Package notify is the in-process queue-notification topic: it wakes
// per-host drainers without busy-polling. The signal carries no data;
// the session hub's drainer only needs to know "something was enqueued
// for this host", not what.
package notify

import "sync"

// Topic wakes per-host subscribers (agent session drainers) when a new
// outbound queue entry is enqueued for that host.
type Topic struct {
	mu   sync.Mutex
	subs map[string]chan struct{}
}

func NewTopic() *Topic {
	return &Topic{subs: make(map[string]chan struct{})}
}

// Subscribe returns a channel that receives a value whenever Notify(hostID)
// is called. The channel is buffered size 1 so a notification is never
// lost while the drainer is mid-iteration, and repeated notifications
// coalesce (the drainer just needs to wake up and re-check the queue).
func (t *Topic) Subscribe(hostID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.subs[hostID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.subs[hostID] = ch
	}
	return ch
}

// Unsubscribe removes hostID's channel. Safe to call even if no
// subscriber is registered; stale subscribers are harmless.
func (t *Topic) Unsubscribe(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, hostID)
}

// Notify wakes hostID's subscriber, if any, without blocking.
func (t *Topic) Notify(hostID string) {
	t.mu.Lock()
	ch, ok := t.subs[hostID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
