package loginsec

import (
	"context"
	"fmt"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

// Store is the persistence seam loginsec needs for the login, lockout
// and reset flows.
type Store interface {
	GetUserByIdentifier(ctx context.Context, userid string) (*dbstore.User, error)
	GetUser(ctx context.Context, userID string) (*dbstore.User, error)
	IncrementFailedLogins(ctx context.Context, userID string, maxFailed int) (*dbstore.User, error)
	ResetFailedLogins(ctx context.Context, userID string) error
	UnlockIfExpired(ctx context.Context, userID string, lockoutDuration time.Duration) (*dbstore.User, error)
	UpdatePassword(ctx context.Context, userID, hashedPassword string) error
	CreatePasswordResetToken(ctx context.Context, userID string) (*dbstore.PasswordResetToken, error)
	ConsumePasswordResetToken(ctx context.Context, token, newHashedPassword string) error
}

// Mailer delivers the password-reset mail. Rendering and SMTP mechanics
// live outside the core; only this seam is specified.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, token string) error
}

// Service handles password verification with lockout tracking, session
// token issuance, and the forgot/reset password flow.
type Service struct {
	store           Store
	audit           *audit.Service
	guard           *Guard
	mailer          Mailer
	processSalt     string
	sessionSecret   string
	maxFailedLogins int
	lockoutDuration time.Duration
}

// SetMailer installs the outbound mail seam; a nil mailer means reset
// tokens are only returned to the caller, never mailed.
func (s *Service) SetMailer(m Mailer) { s.mailer = m }

func New(store Store, a *audit.Service, processSalt, sessionSecret string, maxFailedLogins int, lockoutDuration time.Duration) *Service {
	return &Service{
		store: store, audit: a, guard: NewGuard(),
		processSalt: processSalt, sessionSecret: sessionSecret,
		maxFailedLogins: maxFailedLogins, lockoutDuration: lockoutDuration,
	}
}

// Login validates credentials end to end: short-window throttling, the
// durable lockout counter, and password verification, returning a
// session token on success.
func (s *Service) Login(ctx context.Context, userid, password, ip, userAgent string) (token string, err error) {
	if err := s.guard.CheckLoginAttempt(userid, ip); err != nil {
		return "", apierr.Wrap(apierr.KindRateLimited, "too many login attempts", err)
	}

	user, err := s.store.GetUserByIdentifier(ctx, userid)
	if err != nil {
		// Same outcome as a wrong password to avoid username enumeration.
		s.guard.RecordFailure(userid, ip)
		return "", apierr.New(apierr.KindUnauthenticated, "invalid credentials")
	}

	user, err = s.store.UnlockIfExpired(ctx, user.UserID, s.lockoutDuration)
	if err != nil {
		return "", fmt.Errorf("loginsec: login: %w", err)
	}
	if user.IsLocked {
		if _, aerr := s.audit.Log(ctx, audit.Entry{ActionType: audit.ActionLoginFailed, EntityType: "user", EntityID: &user.UserID, Username: &user.UserIdentifier, Description: "login attempt on locked account", Result: audit.ResultFailure}); aerr != nil {
			return "", fmt.Errorf("loginsec: login: audit: %w", aerr)
		}
		return "", apierr.New(apierr.KindPermissionDenied, "account is locked")
	}

	ok, verr := VerifyPassword(password, s.processSalt, user.HashedPassword)
	if verr != nil || !ok {
		s.guard.RecordFailure(userid, ip)
		if _, ierr := s.store.IncrementFailedLogins(ctx, user.UserID, s.maxFailedLogins); ierr != nil {
			return "", fmt.Errorf("loginsec: login: record failure: %w", ierr)
		}
		if _, aerr := s.audit.Log(ctx, audit.Entry{ActionType: audit.ActionLoginFailed, EntityType: "user", EntityID: &user.UserID, Username: &user.UserIdentifier, Description: "invalid password", Result: audit.ResultFailure, IPAddress: &ip}); aerr != nil {
			return "", fmt.Errorf("loginsec: login: audit: %w", aerr)
		}
		return "", apierr.New(apierr.KindUnauthenticated, "invalid credentials")
	}

	s.guard.RecordSuccess(userid, ip)
	if err := s.store.ResetFailedLogins(ctx, user.UserID); err != nil {
		return "", fmt.Errorf("loginsec: login: reset failures: %w", err)
	}
	if _, aerr := s.audit.Log(ctx, audit.Entry{ActionType: audit.ActionLogin, EntityType: "user", EntityID: &user.UserID, Username: &user.UserIdentifier, Description: "login", Result: audit.ResultSuccess, IPAddress: &ip}); aerr != nil {
		return "", fmt.Errorf("loginsec: login: audit: %w", aerr)
	}

	return IssueSessionToken(s.sessionSecret, user.UserID, ip), nil
}

// ValidateSession wraps ValidateSessionToken with the service's secret.
func (s *Service) ValidateSession(token, observedIP string) (userID string, err error) {
	ok, userID, _, err := ValidateSessionToken(s.sessionSecret, token, observedIP)
	if err != nil || !ok {
		return "", apierr.New(apierr.KindUnauthenticated, "invalid or expired session token")
	}
	return userID, nil
}

// RequestPasswordReset issues a 24h single-use reset token.
func (s *Service) RequestPasswordReset(ctx context.Context, userid string) (*dbstore.PasswordResetToken, error) {
	user, err := s.store.GetUserByIdentifier(ctx, userid)
	if err != nil {
		return nil, err
	}
	token, err := s.store.CreatePasswordResetToken(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("loginsec: request password reset: %w", err)
	}
	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, user.UserIdentifier, token.Token); err != nil {
			return nil, apierr.Wrap(apierr.KindDependencyFailed, "send password reset mail", err)
		}
	}
	if _, aerr := s.audit.Log(ctx, audit.Entry{ActionType: audit.ActionPasswordReset, EntityType: "user", EntityID: &user.UserID, Username: &user.UserIdentifier, Description: "password reset requested", Result: audit.ResultSuccess}); aerr != nil {
		return nil, fmt.Errorf("loginsec: request password reset: audit: %w", aerr)
	}
	return token, nil
}

// CompletePasswordReset consumes a reset token and sets a freshly
// hashed password; the token is spent atomically with the update.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	hashed, err := HashPassword(newPassword, s.processSalt)
	if err != nil {
		return fmt.Errorf("loginsec: complete password reset: %w", err)
	}
	if err := s.store.ConsumePasswordResetToken(ctx, token, hashed); err != nil {
		return err
	}
	if _, aerr := s.audit.Log(ctx, audit.Entry{ActionType: audit.ActionPasswordReset, EntityType: "user", Description: "password reset completed", Result: audit.ResultSuccess}); aerr != nil {
		return fmt.Errorf("loginsec: complete password reset: audit: %w", aerr)
	}
	return nil
}
