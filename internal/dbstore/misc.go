// misc.go covers the smaller entities that don't warrant their own
// file: tags, secrets metadata, default repositories / antivirus
// defaults, CVE settings, integration settings, diagnostic reports,
// firewall status and password reset tokens.
package dbstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

// --- Tags ---

func (s *Store) CreateTag(ctx context.Context, name, description string) (*Tag, error) {
	t := Tag{ID: uuid.NewString(), Name: name, Description: description}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tags (id, name, description) VALUES ($1,$2,$3)`, t.ID, t.Name, t.Description)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: create tag: %w", err)
	}
	return &t, nil
}

func (s *Store) DeleteTag(ctx context.Context, tagID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM host_tags WHERE tag_id=$1`, tagID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id=$1`, tagID)
		return err
	})
}

func (s *Store) AttachTag(ctx context.Context, hostID, tagID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO host_tags (host_id, tag_id) VALUES ($1,$2)
			ON CONFLICT DO NOTHING`, hostID, tagID)
		return err
	})
}

// --- Secrets metadata ---

func (s *Store) CreateSecret(ctx context.Context, name, secretType, secretSubtype, vaultToken, vaultPath string) (*Secret, error) {
	sec := Secret{ID: uuid.NewString(), Name: name, SecretType: secretType, SecretSubtype: secretSubtype, VaultToken: vaultToken, VaultPath: vaultPath}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO secrets (id, name, secret_type, secret_subtype, vault_token, vault_path)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			sec.ID, sec.Name, sec.SecretType, sec.SecretSubtype, sec.VaultToken, sec.VaultPath)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: create secret: %w", err)
	}
	return &sec, nil
}

func (s *Store) GetSecret(ctx context.Context, secretID string) (*Secret, error) {
	var sec Secret
	err := sqlx.GetContext(ctx, s.ext(), &sec, `SELECT * FROM secrets WHERE id=$1`, secretID)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("secret")
		}
		return nil, fmt.Errorf("dbstore: get secret: %w", err)
	}
	return &sec, nil
}

func (s *Store) DeleteSecret(ctx context.Context, secretID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE id=$1`, secretID)
		return err
	})
}

// ListSecretsBySubtype lists metadata rows of one subtype, e.g. only
// secret_subtype="ssh_key" rows.
func (s *Store) ListSecretsBySubtype(ctx context.Context, subtype string) ([]Secret, error) {
	var secs []Secret
	err := sqlx.SelectContext(ctx, s.ext(), &secs, `SELECT * FROM secrets WHERE secret_subtype=$1 ORDER BY name`, subtype)
	if err != nil {
		return nil, fmt.Errorf("dbstore: list secrets by subtype: %w", err)
	}
	return secs, nil
}

// --- Default repositories / antivirus defaults ---

func (s *Store) ListDefaultRepositoriesForOS(ctx context.Context, osName string) ([]DefaultRepository, error) {
	var repos []DefaultRepository
	err := sqlx.SelectContext(ctx, s.ext(), &repos, `SELECT * FROM default_repositories WHERE os_name=$1`, osName)
	if err != nil {
		return nil, fmt.Errorf("dbstore: list default repositories: %w", err)
	}
	return repos, nil
}

func (s *Store) ListEnabledPackageManagersForOS(ctx context.Context, osName string) ([]EnabledPackageManager, error) {
	var pms []EnabledPackageManager
	err := sqlx.SelectContext(ctx, s.ext(), &pms, `SELECT * FROM enabled_package_managers WHERE os_name=$1`, osName)
	if err != nil {
		return nil, fmt.Errorf("dbstore: list enabled package managers: %w", err)
	}
	return pms, nil
}

func (s *Store) ListAntivirusDefaultsForOS(ctx context.Context, osName string) ([]AntivirusDefault, error) {
	var avs []AntivirusDefault
	err := sqlx.SelectContext(ctx, s.ext(), &avs, `SELECT * FROM antivirus_defaults WHERE os_name=$1`, osName)
	if err != nil {
		return nil, fmt.Errorf("dbstore: list antivirus defaults: %w", err)
	}
	return avs, nil
}

// --- Diagnostics / firewall ---

func (s *Store) CreateDiagnosticReport(ctx context.Context, hostID, collectionID string) (*DiagnosticReport, error) {
	r := DiagnosticReport{ID: uuid.NewString(), HostID: hostID, CollectionID: collectionID, Status: "pending"}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO diagnostic_reports (id, host_id, collection_id, status) VALUES ($1,$2,$3,$4)`,
			r.ID, r.HostID, r.CollectionID, r.Status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: create diagnostic report: %w", err)
	}
	return &r, nil
}

// CompleteDiagnosticReport correlates by collection_id.
func (s *Store) CompleteDiagnosticReport(ctx context.Context, collectionID, status, payloads string, size int64, fileCount int, errMsg *string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE diagnostic_reports
			SET status=$1, payloads=$2, size=$3, file_count=$4, error_message=$5, completed_at=$6
			WHERE collection_id=$7`,
			status, payloads, size, fileCount, errMsg, now, collectionID)
		return err
	})
}

func (s *Store) UpsertFirewallStatus(ctx context.Context, hostID, snapshot string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO firewall_status (host_id, snapshot, updated_at) VALUES ($1,$2,$3)
			ON CONFLICT (host_id) DO UPDATE SET snapshot=$2, updated_at=$3`,
			hostID, snapshot, time.Now().UTC())
		return err
	})
}

// --- Password reset ---

func (s *Store) CreatePasswordResetToken(ctx context.Context, userID string) (*PasswordResetToken, error) {
	t := PasswordResetToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO password_reset_tokens (id, user_id, token, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5)`,
			t.ID, t.UserID, t.Token, t.CreatedAt, t.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: create password reset token: %w", err)
	}
	return &t, nil
}

// ConsumePasswordResetToken atomically marks the token used and updates
// the user's password in one transaction. A token whose user has been
// deleted fails with not_found, not a raw FK error.
func (s *Store) ConsumePasswordResetToken(ctx context.Context, token, newHashedPassword string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var t PasswordResetToken
		if err := tx.GetContext(ctx, &t, `SELECT * FROM password_reset_tokens WHERE token=$1 FOR UPDATE`, token); err != nil {
			if isNoRows(err) {
				return apierr.NotFound("password reset token")
			}
			return err
		}
		if t.UsedAt != nil {
			return apierr.Conflict("password reset token already used")
		}
		if time.Now().UTC().After(t.ExpiresAt) {
			return apierr.New(apierr.KindConflict, "password reset token expired")
		}
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id=$1)`, t.UserID); err != nil {
			return err
		}
		if !exists {
			return apierr.NotFound("user")
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at=$1 WHERE id=$2`, now, t.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET hashed_password=$1 WHERE user_id=$2`, newHashedPassword, t.UserID)
		return err
	})
}

// --- Integration settings ---

func (s *Store) GetIntegrationSettings(ctx context.Context, name string) (*IntegrationSettings, error) {
	var is IntegrationSettings
	err := sqlx.GetContext(ctx, s.ext(), &is, `SELECT * FROM integration_settings WHERE name=$1`, name)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("integration settings")
		}
		return nil, fmt.Errorf("dbstore: get integration settings: %w", err)
	}
	return &is, nil
}

func (s *Store) UpsertIntegrationSettings(ctx context.Context, is IntegrationSettings) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO integration_settings (name, url, vault_token, enabled) VALUES ($1,$2,$3,$4)
			ON CONFLICT (name) DO UPDATE SET url=$2, vault_token=$3, enabled=$4`,
			is.Name, is.URL, is.VaultToken, is.Enabled)
		return err
	})
}

// --- CVE ---

func (s *Store) GetCveSettings(ctx context.Context) (*CveSettings, error) {
	var cs CveSettings
	err := sqlx.GetContext(ctx, s.ext(), &cs, `SELECT * FROM cve_settings LIMIT 1`)
	if err != nil {
		if isNoRows(err) {
			return &CveSettings{RefreshIntervalHours: 24}, nil
		}
		return nil, fmt.Errorf("dbstore: get cve settings: %w", err)
	}
	return &cs, nil
}

func (s *Store) UpdateCveRefreshSchedule(ctx context.Context, lastRefresh, nextRefresh time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE cve_settings SET last_refresh_at=$1, next_refresh_at=$2`,
			lastRefresh, nextRefresh)
		return err
	})
}

func (s *Store) InsertIngestionLog(ctx context.Context, source, status string, vulnCount, pkgCount int, errMsg *string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ingestion_logs (id, source, status, vulnerabilities_count, packages_count, error_message, ran_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), source, status, vulnCount, pkgCount, errMsg, time.Now().UTC())
		return err
	})
}
