package dbstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

// GetHostChild looks up a single HostChild row, used by result handlers
// (child_host_created, child_host_{start,stop,restart}_result) to
// correlate an agent's report back to its placeholder row.
func (s *Store) GetHostChild(ctx context.Context, parentHostID, childName, childType string) (*HostChild, error) {
	var c HostChild
	err := sqlx.GetContext(ctx, s.ext(), &c, `
		SELECT * FROM host_children WHERE parent_host_id=$1 AND child_name=$2 AND child_type=$3`,
		parentHostID, childName, childType)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("host child")
		}
		return nil, fmt.Errorf("dbstore: get host child: %w", err)
	}
	return &c, nil
}

// UpdateHostChildStatus transitions a HostChild's status, used by the
// {created,start_result,stop_result,restart_result} handlers. On
// failure the caller leaves the prior status alone by not calling this
// at all.
func (s *Store) UpdateHostChildStatus(ctx context.Context, id string, status ChildStatus) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE host_children SET status=$1, updated_at=$2 WHERE id=$3`,
			status, time.Now().UTC(), id)
		return err
	})
}

// SetHostRebootRequired records that a host needs a reboot, with a
// human-readable reason, e.g. a child creation that failed because a
// platform feature needs a reboot to activate.
func (s *Store) SetHostRebootRequired(ctx context.Context, hostID, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET reboot_required=true, reboot_required_reason=$1, updated_at=$2 WHERE host_id=$3`,
			reason, time.Now().UTC(), hostID)
		return err
	})
}

// SetHostDiagnosticsRequestStatus records the current phase of a
// diagnostics collection against the Host row itself, distinct from
// the per-collection DiagnosticReport row.
func (s *Store) SetHostDiagnosticsRequestStatus(ctx context.Context, hostID, status string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE hosts SET diagnostics_request_status=$1, updated_at=$2 WHERE host_id=$3`,
			status, time.Now().UTC(), hostID)
		return err
	})
}
