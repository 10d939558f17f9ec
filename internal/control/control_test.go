package control

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHostStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	result  []string
}

func (f *fakeHostStore) MarkStaleHostsDown(_ context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.result, nil
}

func TestHeartbeatMonitorCutoff(t *testing.T) {
	hosts := &fakeHostStore{result: []string{"h1", "h2"}}
	m := &Manager{hosts: hosts, heartbeatTimeout: 5 * time.Minute}

	before := time.Now().UTC().Add(-5 * time.Minute)
	m.runHeartbeatMonitor(context.Background())
	after := time.Now().UTC().Add(-5 * time.Minute)

	require.Len(t, hosts.cutoffs, 1)
	cutoff := hosts.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after.Add(time.Second)))
}

func TestLoopStops(t *testing.T) {
	var ticks atomic.Int32
	l := newLoop("test", 5*time.Millisecond, func(context.Context) { ticks.Add(1) })
	l.Start(context.Background())

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	l.Stop()

	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), n+1, "no further ticks after Stop")
}

func TestLoopSurvivesPanic(t *testing.T) {
	var ticks atomic.Int32
	l := newLoop("panicky", 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
		panic("iteration failed")
	})
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond,
		"a panicking iteration must not kill the loop")
}

func TestLoopHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	l := newLoop("ctx", 5*time.Millisecond, func(context.Context) { ticks.Add(1) })
	l.Start(ctx)

	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), n+1)
}
