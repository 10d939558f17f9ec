package notify

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisTopic distributes host-wake notifications across multiple server
// instances via Redis Pub/Sub, for deployments where a host's WebSocket
// connection may be held by a different process than the one that
// enqueued a command for it. Publishes through Redis with a
// local-delivery fallback, carrying the same single per-host wake
// signal as the local Topic.
type RedisTopic struct {
	*Topic
	client *redis.Client
	prefix string
}

func NewRedisTopic(client *redis.Client, prefix string) *RedisTopic {
	if prefix == "" {
		prefix = "sysmanage:notify:"
	}
	return &RedisTopic{Topic: NewTopic(), client: client, prefix: prefix}
}

// Notify publishes to Redis so every instance's drainer for hostID wakes
// up; on publish failure it falls back to local-only delivery so a
// transient Redis outage never silently drops a notification this
// process could still act on.
func (r *RedisTopic) Notify(hostID string) {
	ctx := context.Background()
	channel := r.prefix + hostID
	if err := r.client.Publish(ctx, channel, "1").Err(); err != nil {
		slog.Warn("notify: redis publish failed, falling back to local", "host_id", hostID, "error", err)
		r.Topic.Notify(hostID)
	}
}

// ListenRemote subscribes to hostID's Redis channel and wakes the local
// Topic whenever a message arrives, including ones published by other
// instances. Callers should run this once per actively-drained host and
// cancel ctx on disconnect.
func (r *RedisTopic) ListenRemote(ctx context.Context, hostID string) error {
	channel := r.prefix + hostID
	sub := r.client.Subscribe(ctx, channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.Topic.Notify(hostID)
			}
		}
	}()
	return nil
}
