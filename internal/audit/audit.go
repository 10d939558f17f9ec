// Package audit is the tamper-evident audit log service: every
// mutation and agent message lands here as an append-only entry whose
// integrity_hash is a SHA-256 over its canonical pipe-joined fields,
// recomputable later to detect tampering.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

type ActionType string

const (
	ActionCreate           ActionType = "CREATE"
	ActionUpdate           ActionType = "UPDATE"
	ActionDelete           ActionType = "DELETE"
	ActionExecute          ActionType = "EXECUTE"
	ActionAgentMessage     ActionType = "AGENT_MESSAGE"
	ActionLogin            ActionType = "LOGIN"
	ActionLogout           ActionType = "LOGOUT"
	ActionLoginFailed      ActionType = "LOGIN_FAILED"
	ActionPasswordReset    ActionType = "PASSWORD_RESET"
	ActionPermissionChange ActionType = "PERMISSION_CHANGE"
)

type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultPending Result = "PENDING"
)

// Entry mirrors dbstore.AuditLog but is the caller-facing shape the rest
// of the codebase constructs, before ID/timestamp/hash are filled in.
type Entry struct {
	UserID       *string
	Username     *string
	ActionType   ActionType
	EntityType   string
	EntityID     *string
	EntityName   *string
	Description  string
	Details      map[string]any
	Category     string
	IPAddress    *string
	UserAgent    *string
	Result       Result
	ErrorMessage *string
}

// Store is the persistence seam audit needs. Hand New a
// transaction-bound store (dbstore.Store.Transact) and the entry
// commits or rolls back with the caller's mutation; hand it the root
// store and the entry is written standalone.
type Store interface {
	InsertAuditLog(ctx context.Context, entry dbstore.AuditLog) error
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Log persists an audit entry computing
// SHA256(id|timestamp|user_id|action_type|entity_type|entity_id|description|result)
// as its integrity_hash. Whether the insert joins an ambient
// transaction is decided by the Store the Service was built over.
func (s *Service) Log(ctx context.Context, e Entry) (*dbstore.AuditLog, error) {
	id := uuid.NewString()
	ts := time.Now().UTC()

	detailsJSON := "{}"
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal details: %w", err)
		}
		detailsJSON = string(b)
	}

	row := dbstore.AuditLog{
		ID:           id,
		Timestamp:    ts,
		UserID:       e.UserID,
		Username:     e.Username,
		ActionType:   string(e.ActionType),
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		EntityName:   e.EntityName,
		Description:  e.Description,
		Details:      detailsJSON,
		Category:     e.Category,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Result:       dbstore.AuditResult(e.Result),
		ErrorMessage: e.ErrorMessage,
	}
	row.IntegrityHash = computeIntegrityHash(row)

	if err := s.store.InsertAuditLog(ctx, row); err != nil {
		return nil, fmt.Errorf("audit: log: %w", err)
	}
	return &row, nil
}

// computeIntegrityHash joins the canonical fields with pipes and hashes
// them.
func computeIntegrityHash(row dbstore.AuditLog) string {
	fields := []string{
		row.ID,
		row.Timestamp.Format(time.RFC3339Nano),
		deref(row.UserID),
		row.ActionType,
		row.EntityType,
		deref(row.EntityID),
		row.Description,
		string(row.Result),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash and reports whether it matches the stored
// one, detecting tampering.
func Verify(row dbstore.AuditLog) bool {
	return computeIntegrityHash(row) == row.IntegrityHash
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Convenience wrappers pre-filling action_type and description.

func (s *Service) Create(ctx context.Context, entityType, entityID, entityName string, userID, username *string, details map[string]any) (*dbstore.AuditLog, error) {
	eid := entityID
	ename := entityName
	return s.Log(ctx, Entry{
		UserID: userID, Username: username, ActionType: ActionCreate, EntityType: entityType,
		EntityID: &eid, EntityName: &ename, Description: fmt.Sprintf("Created %s %s", entityType, entityName),
		Details: details, Result: ResultSuccess,
	})
}

func (s *Service) Update(ctx context.Context, entityType, entityID, entityName string, userID, username *string, details map[string]any) (*dbstore.AuditLog, error) {
	eid := entityID
	ename := entityName
	return s.Log(ctx, Entry{
		UserID: userID, Username: username, ActionType: ActionUpdate, EntityType: entityType,
		EntityID: &eid, EntityName: &ename, Description: fmt.Sprintf("Updated %s %s", entityType, entityName),
		Details: details, Result: ResultSuccess,
	})
}

func (s *Service) Delete(ctx context.Context, entityType, entityID, entityName string, userID, username *string) (*dbstore.AuditLog, error) {
	eid := entityID
	ename := entityName
	return s.Log(ctx, Entry{
		UserID: userID, Username: username, ActionType: ActionDelete, EntityType: entityType,
		EntityID: &eid, EntityName: &ename, Description: fmt.Sprintf("Deleted %s %s", entityType, entityName),
		Result: ResultSuccess,
	})
}

func (s *Service) AgentMessage(ctx context.Context, hostID, messageType string, result Result, details map[string]any, errMsg *string) (*dbstore.AuditLog, error) {
	eid := hostID
	return s.Log(ctx, Entry{
		ActionType: ActionAgentMessage, EntityType: "host", EntityID: &eid, Category: "agent_session",
		Description:  fmt.Sprintf("Agent message %s", messageType),
		Details:      details,
		Result:       result,
		ErrorMessage: errMsg,
	})
}
