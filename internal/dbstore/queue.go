package dbstore

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// backoff is exponential with jitter, base 5s, cap 5 min:
// backoff(n) = min(5*2^n, 300) + uniform(0,0.3)*base.
func backoff(attempts int) time.Duration {
	const base = 5.0
	const capSeconds = 300.0
	seconds := base * float64(int(1)<<uint(attempts))
	if seconds > capSeconds {
		seconds = capSeconds
	}
	jitter := rand.Float64() * 0.3 * base
	return time.Duration((seconds + jitter) * float64(time.Second))
}

// Enqueue persists a new queue entry with status=pending, attempts=0,
// next_attempt_at=now().
func (s *Store) Enqueue(ctx context.Context, messageType string, payload string, direction Direction, hostID *string, priority Priority, expiresIn *time.Duration, correlationID *string) (string, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	var expiresAt *time.Time
	if expiresIn != nil {
		t := now.Add(*expiresIn)
		expiresAt = &t
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries
				(id, message_type, payload, direction, host_id, priority, status,
				 attempts, max_attempts, next_attempt_at, expires_at, created_at, correlation_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11,$12)`,
			id, messageType, payload, direction, hostID, priority, QueuePending,
			defaultMaxAttempts, now, expiresAt, now, correlationID,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("dbstore: enqueue: %w", err)
	}
	return id, nil
}

const defaultMaxAttempts = 5

// SetCorrelationID backfills correlation_id on an entry after
// creation, used when a command's own id becomes its correlation id.
func (s *Store) SetCorrelationID(ctx context.Context, id, correlationID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE queue_entries SET correlation_id=$1 WHERE id=$2`, correlationID, id)
		return err
	})
}

// DequeueOutbound atomically selects up to max oldest pending outbound
// entries for hostID ordered by (priority DESC, created_at ASC) whose
// next_attempt_at<=now, marking them in_flight before returning, so
// two concurrent dequeuers never return the same row.
func (s *Store) DequeueOutbound(ctx context.Context, hostID string, max int) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `
			SELECT * FROM queue_entries
			WHERE direction = $1 AND host_id = $2 AND status = $3 AND next_attempt_at <= $4
			ORDER BY
				CASE priority
					WHEN 'URGENT' THEN 0
					WHEN 'HIGH' THEN 1
					WHEN 'NORMAL' THEN 2
					WHEN 'LOW' THEN 3
				END ASC,
				created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED`,
			DirectionOutbound, hostID, QueuePending, time.Now().UTC(), max,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var e QueueEntry
			if err := rows.StructScan(&e); err != nil {
				return err
			}
			entries = append(entries, e)
			ids = append(ids, e.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range entries {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET status=$1 WHERE id=$2`, QueueInFlight, entries[i].ID); err != nil {
				return err
			}
			entries[i].Status = QueueInFlight
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: dequeue outbound: %w", err)
	}
	return entries, nil
}

// AckDelivered transitions in_flight -> delivered. Idempotent: acking an
// already-delivered entry is a no-op, never an error.
func (s *Store) AckDelivered(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status=$1 WHERE id=$2 AND status IN ($3,$4)`,
			QueueDelivered, id, QueueInFlight, QueueDelivered)
		return err
	})
}

// AckFailed either requeues the entry with a backed-off next_attempt_at,
// or marks it terminally failed once retries (or retryability) are
// exhausted. Only an in_flight entry is touched: one that has
// concurrently become expired, delivered or failed (e.g. the expiry
// sweep racing the drainer) is left alone, never revived; acking it is
// a no-op, not an error.
func (s *Store) AckFailed(ctx context.Context, id string, errMsg string, retryable bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var e QueueEntry
		if err := tx.GetContext(ctx, &e, `SELECT * FROM queue_entries WHERE id=$1 AND status=$2 FOR UPDATE`, id, QueueInFlight); err != nil {
			if isNoRows(err) {
				return nil
			}
			return err
		}
		if retryable && e.Attempts+1 < e.MaxAttempts {
			next := time.Now().UTC().Add(backoff(e.Attempts + 1))
			_, err := tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET attempts=$1, next_attempt_at=$2, status=$3, error_message=$4
				WHERE id=$5 AND status=$6`,
				e.Attempts+1, next, QueuePending, errMsg, id, QueueInFlight)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status=$1, error_message=$2 WHERE id=$3 AND status=$4`,
			QueueFailed, errMsg, id, QueueInFlight)
		return err
	})
}

// FetchInbound is dequeue_outbound's counterpart for inbound entries: it
// ignores host_id (inbound entries are server-wide, not per-host).
func (s *Store) FetchInbound(ctx context.Context, limit int) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `
			SELECT * FROM queue_entries
			WHERE direction=$1 AND status=$2 AND next_attempt_at <= $3
			ORDER BY
				CASE priority WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'NORMAL' THEN 2 WHEN 'LOW' THEN 3 END ASC,
				created_at ASC
			LIMIT $4 FOR UPDATE SKIP LOCKED`,
			DirectionInbound, QueuePending, time.Now().UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e QueueEntry
			if err := rows.StructScan(&e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range entries {
			if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET status=$1 WHERE id=$2`, QueueInFlight, entries[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbstore: fetch inbound: %w", err)
	}
	return entries, nil
}

// ExpireStale sets status=expired for any pending|in_flight entry whose
// expires_at has passed. A conditional UPDATE (status IN (...)) means
// this can run concurrently with DequeueOutbound without double-dequeue.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status=$1
			WHERE status IN ($2,$3) AND expires_at IS NOT NULL AND expires_at < $4`,
			QueueExpired, QueuePending, QueueInFlight, now)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dbstore: expire stale: %w", err)
	}
	return affected, nil
}

// Cleanup deletes terminal entries (delivered|failed|expired) older than
// retention.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var affected int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM queue_entries
			WHERE status IN ($1,$2,$3) AND created_at < $4`,
			QueueDelivered, QueueFailed, QueueExpired, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dbstore: cleanup: %w", err)
	}
	return affected, nil
}

// RevertInFlight sweeps any in_flight entry belonging to a closed
// connection back to pending, so a dropped connection never strands a
// command. Matched by host_id since in_flight entries are scoped to one
// connection's drain.
func (s *Store) RevertInFlight(ctx context.Context, hostID string) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status=$1, next_attempt_at=$2
			WHERE host_id=$3 AND direction=$4 AND status=$5`,
			QueuePending, time.Now().UTC(), hostID, DirectionOutbound, QueueInFlight)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("dbstore: revert in-flight: %w", err)
	}
	return affected, nil
}

// FindByCorrelationID locates the originating queue entry for an agent
// result message.
func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) (*QueueEntry, error) {
	var e QueueEntry
	err := sqlx.GetContext(ctx, s.ext(), &e, `SELECT * FROM queue_entries WHERE correlation_id=$1`, correlationID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dbstore: find by correlation id: %w", err)
	}
	return &e, nil
}
