package loginsec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserThreshold(t *testing.T) {
	g := NewGuard()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckLoginAttempt("alice@example.com", "10.0.0.5"))
		g.RecordFailure("alice@example.com", "10.0.0.5")
	}
	assert.Error(t, g.CheckLoginAttempt("alice@example.com", "10.0.0.5"),
		"3 user failures in 15min rejects further attempts")

	// Same IP, different user: still under the 5-failure IP threshold.
	assert.NoError(t, g.CheckLoginAttempt("bob@example.com", "10.0.0.5"))
}

func TestIPThreshold(t *testing.T) {
	g := NewGuard()

	users := []string{"a", "b", "c", "d", "e"}
	for _, u := range users {
		g.RecordFailure(u, "10.0.0.5")
	}
	assert.Error(t, g.CheckLoginAttempt("fresh-user", "10.0.0.5"),
		"5 IP failures in 5min rejects regardless of user")
	assert.NoError(t, g.CheckLoginAttempt("fresh-user", "10.0.0.9"))
}

func TestIPBlockAfterTenFailures(t *testing.T) {
	g := NewGuard()

	for i := 0; i < 10; i++ {
		g.RecordFailure("victim", "10.0.0.5")
	}
	err := g.CheckLoginAttempt("anyone", "10.0.0.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestSuccessClearsHistory(t *testing.T) {
	g := NewGuard()

	for i := 0; i < 3; i++ {
		g.RecordFailure("alice", "10.0.0.5")
	}
	require.Error(t, g.CheckLoginAttempt("alice", "10.0.0.5"))

	g.RecordSuccess("alice", "10.0.0.5")
	assert.NoError(t, g.CheckLoginAttempt("alice", "10.0.0.5"))
}
