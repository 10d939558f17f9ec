package dbstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

func (s *Store) GetUserByIdentifier(ctx context.Context, userid string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, s.ext(), &u, `SELECT * FROM users WHERE userid=$1`, userid)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("user")
		}
		return nil, fmt.Errorf("dbstore: get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, s.ext(), &u, `SELECT * FROM users WHERE user_id=$1`, userID)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("user")
		}
		return nil, fmt.Errorf("dbstore: get user: %w", err)
	}
	return &u, nil
}

// IncrementFailedLogins takes a row lock, increments
// failed_login_attempts, and locks the account once the count reaches
// maxFailed.
func (s *Store) IncrementFailedLogins(ctx context.Context, userID string, maxFailed int) (*User, error) {
	var result User
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var u User
		if err := tx.GetContext(ctx, &u, `SELECT * FROM users WHERE user_id=$1 FOR UPDATE`, userID); err != nil {
			return err
		}
		u.FailedLoginAttempts++
		locked := u.IsLocked
		var lockedAt *time.Time
		if u.FailedLoginAttempts >= maxFailed {
			locked = true
			now := time.Now().UTC()
			lockedAt = &now
		} else {
			lockedAt = u.LockedAt
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET failed_login_attempts=$1, is_locked=$2, locked_at=$3 WHERE user_id=$4`,
			u.FailedLoginAttempts, locked, lockedAt, userID)
		if err != nil {
			return err
		}
		u.IsLocked = locked
		u.LockedAt = lockedAt
		result = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: increment failed logins: %w", err)
	}
	return &result, nil
}

func (s *Store) ResetFailedLogins(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET failed_login_attempts=0, is_locked=false, locked_at=NULL WHERE user_id=$1`,
			userID)
		return err
	})
}

// UnlockIfExpired auto-unlocks an account once the lockout duration has
// elapsed since locked_at, or leaves it locked otherwise.
func (s *Store) UnlockIfExpired(ctx context.Context, userID string, lockoutDuration time.Duration) (*User, error) {
	var result User
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var u User
		if err := tx.GetContext(ctx, &u, `SELECT * FROM users WHERE user_id=$1 FOR UPDATE`, userID); err != nil {
			return err
		}
		if u.IsLocked && u.LockedAt != nil && time.Now().UTC().After(u.LockedAt.Add(lockoutDuration)) {
			_, err := tx.ExecContext(ctx, `
				UPDATE users SET is_locked=false, locked_at=NULL, failed_login_attempts=0 WHERE user_id=$1`, userID)
			if err != nil {
				return err
			}
			u.IsLocked = false
			u.LockedAt = nil
			u.FailedLoginAttempts = 0
		}
		result = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: unlock if expired: %w", err)
	}
	return &result, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, hashedPassword string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE users SET hashed_password=$1 WHERE user_id=$2`, hashedPassword, userID)
		return err
	})
}
