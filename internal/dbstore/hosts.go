package dbstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

func (s *Store) GetHost(ctx context.Context, hostID string) (*Host, error) {
	var h Host
	err := sqlx.GetContext(ctx, s.ext(), &h, `SELECT * FROM hosts WHERE host_id=$1`, hostID)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("host")
		}
		return nil, fmt.Errorf("dbstore: get host: %w", err)
	}
	return &h, nil
}

func (s *Store) GetHostByCertificateSerial(ctx context.Context, serial string) (*Host, error) {
	var h Host
	err := sqlx.GetContext(ctx, s.ext(), &h, `SELECT * FROM hosts WHERE certificate_serial=$1`, serial)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("host")
		}
		return nil, fmt.Errorf("dbstore: get host by serial: %w", err)
	}
	return &h, nil
}

// RegisterHost implements an agent's initial self-registration, the
// step preceding operator approval: find-or-create the Host row for fqdn,
// landing new rows in approval_status=pending with a fresh host_token,
// and leaving an already-known host's approval state untouched so a
// re-registering agent doesn't regress from approved back to pending.
func (s *Store) RegisterHost(ctx context.Context, fqdn, ipv4, ipv6, platform, platformRelease, osDetails string) (*Host, error) {
	existing, err := s.ResolveHostByHostname(ctx, fqdn)
	if err != nil {
		return nil, fmt.Errorf("dbstore: register host: resolve existing: %w", err)
	}
	now := time.Now().UTC()
	if existing != nil {
		_, err := s.ext().ExecContext(ctx, `
			UPDATE hosts SET ipv4=$1, ipv6=$2, platform=$3, platform_release=$4, os_details=$5, updated_at=$6
			WHERE host_id=$7`,
			ipv4, ipv6, platform, platformRelease, osDetails, now, existing.HostID)
		if err != nil {
			return nil, fmt.Errorf("dbstore: register host: update existing: %w", err)
		}
		existing.IPv4, existing.IPv6 = ipv4, ipv6
		existing.Platform, existing.PlatformRelease, existing.OSDetails = platform, platformRelease, osDetails
		existing.UpdatedAt = now
		return existing, nil
	}

	h := Host{
		HostID:          uuid.NewString(),
		FQDN:            fqdn,
		IPv4:            ipv4,
		IPv6:            ipv6,
		Platform:        platform,
		PlatformRelease: platformRelease,
		OSDetails:       osDetails,
		ApprovalStatus:  ApprovalPending,
		Active:          false,
		Status:          HostDown,
		LastAccess:      now,
		HostToken:       uuid.NewString(),
		UpdatedAt:       now,
	}
	_, err = s.ext().ExecContext(ctx, `
		INSERT INTO hosts (
			host_id, fqdn, ipv4, ipv6, platform, platform_release, os_details,
			approval_status, active, status, last_access, host_token, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		h.HostID, h.FQDN, h.IPv4, h.IPv6, h.Platform, h.PlatformRelease, h.OSDetails,
		h.ApprovalStatus, h.Active, h.Status, h.LastAccess, h.HostToken, h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("dbstore: register host: insert: %w", err)
	}
	return &h, nil
}

// ApproveHost transitions a pending host to approved, issuing it a
// certificate. certPEM/serial are supplied by internal/certs; the row
// lock (SELECT ... FOR UPDATE) prevents a concurrent approve/reject race.
func (s *Store) ApproveHost(ctx context.Context, hostID, certPEM, serial string) (*Host, error) {
	var result Host
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var h Host
		if err := tx.GetContext(ctx, &h, `SELECT * FROM hosts WHERE host_id=$1 FOR UPDATE`, hostID); err != nil {
			if isNoRows(err) {
				return apierr.NotFound("host")
			}
			return err
		}
		if h.ApprovalStatus == ApprovalApproved {
			result = h
			return nil // re-approval is a no-op
		}
		if h.ApprovalStatus != ApprovalPending {
			return apierr.Conflict("host is not pending approval")
		}
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET approval_status=$1, client_certificate=$2, certificate_serial=$3,
				certificate_issued_at=$4, updated_at=$4
			WHERE host_id=$5`,
			ApprovalApproved, certPEM, serial, now, hostID)
		if err != nil {
			return err
		}
		h.ApprovalStatus = ApprovalApproved
		h.ClientCertificate = certPEM
		h.CertificateSerial = serial
		h.CertificateIssuedAt = &now
		result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RejectHost is terminal: a rejected host never receives a certificate.
func (s *Store) RejectHost(ctx context.Context, hostID string) (*Host, error) {
	var result Host
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var h Host
		if err := tx.GetContext(ctx, &h, `SELECT * FROM hosts WHERE host_id=$1 FOR UPDATE`, hostID); err != nil {
			if isNoRows(err) {
				return apierr.NotFound("host")
			}
			return err
		}
		if h.ApprovalStatus != ApprovalPending {
			return apierr.Conflict("host is not pending approval")
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET approval_status=$1, active=false, updated_at=$2 WHERE host_id=$3`,
			ApprovalRejected, time.Now().UTC(), hostID)
		if err != nil {
			return err
		}
		h.ApprovalStatus = ApprovalRejected
		h.Active = false
		result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkHostUp updates last_access and status=up (agent heartbeat / login).
func (s *Store) MarkHostUp(ctx context.Context, hostID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET last_access=$1, status=$2, updated_at=$1 WHERE host_id=$3`,
			time.Now().UTC(), HostUp, hostID)
		return err
	})
}

// MarkStaleHostsDown implements the heartbeat monitor's core update:
// any host whose last_access predates the cutoff and was previously
// status=up transitions to down/inactive.
func (s *Store) MarkStaleHostsDown(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `
			SELECT host_id FROM hosts WHERE status=$1 AND last_access < $2 FOR UPDATE`,
			HostUp, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE hosts SET status=$1, active=false, updated_at=$2 WHERE host_id = ANY($3)`,
			HostDown, time.Now().UTC(), pq.Array(ids))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: mark stale hosts down: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertHostInventory(ctx context.Context, hostID, platform, platformRelease, osDetails, ipv4, ipv6 string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET platform=$1, platform_release=$2, os_details=$3, ipv4=$4, ipv6=$5, updated_at=$6
			WHERE host_id=$7`,
			platform, platformRelease, osDetails, ipv4, ipv6, time.Now().UTC(), hostID)
		return err
	})
}

// --- HostChild reconciliation (child_hosts_list_update handler) ---

func (s *Store) ListHostChildren(ctx context.Context, parentHostID string) ([]HostChild, error) {
	var children []HostChild
	err := sqlx.SelectContext(ctx, s.ext(), &children, `SELECT * FROM host_children WHERE parent_host_id=$1`, parentHostID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: list host children: %w", err)
	}
	return children, nil
}

// ReconcileHostChildren inserts new seen children, updates existing
// ones, and deletes unseen ones subject to two grace rules: preserve
// status=creating rows, and preserve status=uninstalling rows updated
// within the last 10 minutes.
func (s *Store) ReconcileHostChildren(ctx context.Context, parentHostID string, seen []HostChild) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing []HostChild
		if err := tx.SelectContext(ctx, &existing, `SELECT * FROM host_children WHERE parent_host_id=$1 FOR UPDATE`, parentHostID); err != nil {
			return err
		}
		seenKeys := make(map[string]HostChild, len(seen))
		for _, c := range seen {
			seenKeys[c.ChildName+"|"+c.ChildType] = c
		}
		now := time.Now().UTC()
		for _, e := range existing {
			key := e.ChildName + "|" + e.ChildType
			if sc, ok := seenKeys[key]; ok {
				_, err := tx.ExecContext(ctx, `
					UPDATE host_children SET status=$1, hostname=$2, wsl_guid=$3, updated_at=$4 WHERE id=$5`,
					sc.Status, sc.Hostname, sc.WSLGUID, now, e.ID)
				if err != nil {
					return err
				}
				delete(seenKeys, key)
				continue
			}
			// Not reported this round: apply grace rules before deleting.
			if e.Status == ChildCreating {
				continue
			}
			if e.Status == ChildUninstalling && now.Sub(e.UpdatedAt) < 10*time.Minute {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM host_children WHERE id=$1`, e.ID); err != nil {
				return err
			}
			if e.ChildHostID != nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE host_id=$1`, *e.ChildHostID); err != nil {
					return err
				}
			}
		}
		for _, nc := range seenKeys {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO host_children (id, parent_host_id, child_name, child_type, status, hostname, wsl_guid, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				uuid.NewString(), parentHostID, nc.ChildName, nc.ChildType, nc.Status, nc.Hostname, nc.WSLGUID, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteHostChildByGUID removes the child identified by parent, name and
// type, together with its linked hosts row if it has one. It compares no
// GUID and takes no success flag: the child_host_delete_result handler
// decides when a delete (including a stale "name was reused" delete) is
// due. A child that is already gone is not an error.
func (s *Store) DeleteHostChildByGUID(ctx context.Context, parentHostID, childName, childType string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var c HostChild
		err := tx.GetContext(ctx, &c, `
			SELECT * FROM host_children WHERE parent_host_id=$1 AND child_name=$2 AND child_type=$3 FOR UPDATE`,
			parentHostID, childName, childType)
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM host_children WHERE id=$1`, c.ID); err != nil {
			return err
		}
		if c.ChildHostID != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE host_id=$1`, *c.ChildHostID); err != nil {
				return err
			}
		}
		return nil
	})
}

