package wssecurity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionAttemptSoftCap(t *testing.T) {
	l := NewConnectionLimiter()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.CheckConnectionAttempt("10.0.0.5"), "attempt %d within cap", i+1)
	}
	assert.Error(t, l.CheckConnectionAttempt("10.0.0.5"), "21st attempt rejected")

	// Other IPs are unaffected.
	assert.NoError(t, l.CheckConnectionAttempt("10.0.0.6"))
}

func TestBlockIP(t *testing.T) {
	l := NewConnectionLimiter()

	l.BlockIP("10.0.0.5", time.Hour)
	assert.True(t, l.IsBlocked("10.0.0.5"))
	assert.Error(t, l.CheckConnectionAttempt("10.0.0.5"))
	assert.False(t, l.IsBlocked("10.0.0.6"))
}

func TestBlockIPDoesNotShortenExistingBlock(t *testing.T) {
	l := NewConnectionLimiter()

	l.BlockIP("10.0.0.5", time.Hour)
	l.BlockIP("10.0.0.5", time.Millisecond)
	assert.True(t, l.IsBlocked("10.0.0.5"), "shorter re-block must not override")
}

func TestExpiredBlockClears(t *testing.T) {
	l := NewConnectionLimiter()
	l.BlockIP("10.0.0.5", time.Nanosecond)
	time.Sleep(time.Millisecond)
	assert.False(t, l.IsBlocked("10.0.0.5"))
	assert.NoError(t, l.CheckConnectionAttempt("10.0.0.5"))
}

func TestSweepDropsExpiredState(t *testing.T) {
	l := NewConnectionLimiter()
	l.BlockIP("10.0.0.5", time.Nanosecond)
	l.CheckConnectionAttempt("10.0.0.6")
	time.Sleep(time.Millisecond)

	l.Sweep()

	l.mu.RLock()
	_, blocked := l.blocked["10.0.0.5"]
	l.mu.RUnlock()
	assert.False(t, blocked, "expired block removed by sweep")
}

func TestActiveConnectionsPreemption(t *testing.T) {
	a := NewActiveConnections()

	first := a.Register("serial-1")
	select {
	case <-first:
		t.Fatal("first connection closed prematurely")
	default:
	}

	second := a.Register("serial-1")
	select {
	case <-first:
		// The older connection is signaled to close.
	case <-time.After(time.Second):
		t.Fatal("older connection was not preempted")
	}
	select {
	case <-second:
		t.Fatal("newer connection must stay open")
	default:
	}

	assert.Equal(t, 1, a.Count())
}

func TestUnregisterOnlyRemovesOwnEntry(t *testing.T) {
	a := NewActiveConnections()

	first := a.Register("serial-1")
	second := a.Register("serial-1")

	// The preempted connection's teardown must not evict the newer one.
	a.Unregister("serial-1", first)
	assert.Equal(t, 1, a.Count())

	a.Unregister("serial-1", second)
	assert.Equal(t, 0, a.Count())
}
