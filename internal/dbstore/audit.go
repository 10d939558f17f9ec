package dbstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertAuditLog appends a single audit row. On a transaction-bound
// Store (see Transact) the insert joins the ambient transaction, so a
// mutation and its audit entry commit or roll back together; on the
// root Store it runs standalone (background loops with no surrounding
// mutation).
func (s *Store) InsertAuditLog(ctx context.Context, entry AuditLog) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log
				(id, timestamp, user_id, username, action_type, entity_type, entity_id, entity_name,
				 description, details, category, ip_address, user_agent, result, error_message, integrity_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			entry.ID, entry.Timestamp, entry.UserID, entry.Username, entry.ActionType, entry.EntityType,
			entry.EntityID, entry.EntityName, entry.Description, entry.Details, entry.Category,
			entry.IPAddress, entry.UserAgent, entry.Result, entry.ErrorMessage, entry.IntegrityHash,
		)
		if err != nil {
			return fmt.Errorf("dbstore: insert audit log: %w", err)
		}
		return nil
	})
}
