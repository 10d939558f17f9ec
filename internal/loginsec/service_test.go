package loginsec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

type auditSink struct{ rows []dbstore.AuditLog }

func (a *auditSink) InsertAuditLog(_ context.Context, e dbstore.AuditLog) error {
	a.rows = append(a.rows, e)
	return nil
}

// userStore mimics dbstore's user-side behavior in memory, including the
// lockout counter semantics.
type userStore struct {
	user   *dbstore.User
	tokens map[string]*dbstore.PasswordResetToken
}

func newUserStore(t *testing.T, password, salt string) *userStore {
	t.Helper()
	hashed, err := HashPassword(password, salt)
	require.NoError(t, err)
	return &userStore{
		user: &dbstore.User{
			UserID:         "u1",
			UserIdentifier: "alice@example.com",
			HashedPassword: hashed,
			Active:         true,
		},
		tokens: map[string]*dbstore.PasswordResetToken{},
	}
}

func (s *userStore) GetUserByIdentifier(_ context.Context, userid string) (*dbstore.User, error) {
	if s.user == nil || s.user.UserIdentifier != userid {
		return nil, apierr.NotFound("user")
	}
	u := *s.user
	return &u, nil
}

func (s *userStore) GetUser(_ context.Context, userID string) (*dbstore.User, error) {
	if s.user == nil || s.user.UserID != userID {
		return nil, apierr.NotFound("user")
	}
	u := *s.user
	return &u, nil
}

func (s *userStore) IncrementFailedLogins(_ context.Context, _ string, maxFailed int) (*dbstore.User, error) {
	s.user.FailedLoginAttempts++
	if s.user.FailedLoginAttempts >= maxFailed {
		s.user.IsLocked = true
		now := time.Now().UTC()
		s.user.LockedAt = &now
	}
	u := *s.user
	return &u, nil
}

func (s *userStore) ResetFailedLogins(context.Context, string) error {
	s.user.FailedLoginAttempts = 0
	s.user.IsLocked = false
	s.user.LockedAt = nil
	return nil
}

func (s *userStore) UnlockIfExpired(_ context.Context, _ string, d time.Duration) (*dbstore.User, error) {
	if s.user.IsLocked && s.user.LockedAt != nil && time.Now().UTC().After(s.user.LockedAt.Add(d)) {
		s.user.IsLocked = false
		s.user.LockedAt = nil
		s.user.FailedLoginAttempts = 0
	}
	u := *s.user
	return &u, nil
}

func (s *userStore) UpdatePassword(_ context.Context, _, hashed string) error {
	s.user.HashedPassword = hashed
	return nil
}

func (s *userStore) CreatePasswordResetToken(_ context.Context, userID string) (*dbstore.PasswordResetToken, error) {
	tok := &dbstore.PasswordResetToken{
		ID: "prt-1", UserID: userID, Token: "reset-token-1",
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	s.tokens[tok.Token] = tok
	return tok, nil
}

func (s *userStore) ConsumePasswordResetToken(_ context.Context, token, newHashed string) error {
	tok, ok := s.tokens[token]
	if !ok || tok.UsedAt != nil {
		return apierr.NotFound("password reset token")
	}
	now := time.Now().UTC()
	tok.UsedAt = &now
	s.user.HashedPassword = newHashed
	return nil
}

func newService(store *userStore, maxFailed int, lockout time.Duration) (*Service, *auditSink) {
	sink := &auditSink{}
	return New(store, audit.New(sink), "process-salt", "session-secret", maxFailed, lockout), sink
}

func TestLoginSuccess(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, sink := newService(store, 3, 15*time.Minute)

	token, err := svc.Login(context.Background(), "alice@example.com", "hunter2", "10.0.0.5", "test-agent")
	require.NoError(t, err)

	userID, err := svc.ValidateSession(token, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	require.NotEmpty(t, sink.rows)
	assert.Equal(t, "LOGIN", sink.rows[len(sink.rows)-1].ActionType)
}

func TestLoginWrongPassword(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, sink := newService(store, 3, 15*time.Minute)

	_, err := svc.Login(context.Background(), "alice@example.com", "wrong", "10.0.0.5", "test-agent")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
	assert.Equal(t, 1, store.user.FailedLoginAttempts)
	assert.Equal(t, "LOGIN_FAILED", sink.rows[len(sink.rows)-1].ActionType)
}

func TestLoginUnknownUserSameOutcome(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, _ := newService(store, 3, 15*time.Minute)

	_, err := svc.Login(context.Background(), "mallory@example.com", "hunter2", "10.0.0.5", "test-agent")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err),
		"unknown user and wrong password are indistinguishable")
}

func TestAccountLockout(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, _ := newService(store, 3, 15*time.Minute)
	ctx := context.Background()

	// Three failures from distinct IPs so the short-window guard does not
	// trip before the durable counter reaches max_failed_logins.
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, ip := range ips {
		_, err := svc.Login(ctx, "alice@example.com", "wrong", ip, "test-agent")
		require.Error(t, err)
	}
	assert.True(t, store.user.IsLocked)
	require.NotNil(t, store.user.LockedAt)

	// A fresh service (fresh in-memory guard) still rejects: the lock is
	// durable on the user row, not the short-window tracker.
	fresh, _ := newService(store, 3, 15*time.Minute)
	_, err := fresh.Login(ctx, "alice@example.com", "hunter2", "10.0.0.4", "test-agent")
	require.Error(t, err)
	assert.Equal(t, apierr.KindPermissionDenied, apierr.KindOf(err))
}

func TestLockoutExpires(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, _ := newService(store, 3, time.Millisecond)

	lockedAt := time.Now().UTC().Add(-time.Minute)
	store.user.IsLocked = true
	store.user.LockedAt = &lockedAt
	store.user.FailedLoginAttempts = 3

	token, err := svc.Login(context.Background(), "alice@example.com", "hunter2", "10.0.0.5", "test-agent")
	require.NoError(t, err, "lockout duration elapsed, login succeeds again")
	assert.NotEmpty(t, token)
	assert.False(t, store.user.IsLocked)
}

func TestPasswordResetFlow(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, _ := newService(store, 3, 15*time.Minute)
	ctx := context.Background()

	tok, err := svc.RequestPasswordReset(ctx, "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.CompletePasswordReset(ctx, tok.Token, "correct-horse"))

	_, err = svc.Login(ctx, "alice@example.com", "hunter2", "10.0.0.5", "test-agent")
	assert.Error(t, err, "old password no longer valid")

	token, err := svc.Login(ctx, "alice@example.com", "correct-horse", "10.0.0.6", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	err = svc.CompletePasswordReset(ctx, tok.Token, "again")
	assert.Error(t, err, "reset tokens are single-use")
}

type failingMailer struct{}

func (failingMailer) SendPasswordReset(context.Context, string, string) error {
	return errors.New("smtp: connection refused")
}

func TestPasswordResetMailFailureSurfaces(t *testing.T) {
	store := newUserStore(t, "hunter2", "process-salt")
	svc, _ := newService(store, 3, 15*time.Minute)
	svc.SetMailer(failingMailer{})

	_, err := svc.RequestPasswordReset(context.Background(), "alice@example.com")
	require.Error(t, err)
	assert.Equal(t, apierr.KindDependencyFailed, apierr.KindOf(err))
}
