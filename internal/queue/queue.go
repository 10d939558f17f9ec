// Package queue is the service-level face of the durable message
// queue: a typed wrapper over internal/dbstore's queue operations plus
// the retry classification. Delivery itself is a WebSocket write
// performed by internal/agenthub's drainer; this package owns the
// persistence contract and decides what is worth retrying.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

type Priority = dbstore.Priority

const (
	PriorityLow    = dbstore.PriorityLow
	PriorityNormal = dbstore.PriorityNormal
	PriorityHigh   = dbstore.PriorityHigh
	PriorityUrgent = dbstore.PriorityUrgent
)

type Store interface {
	Enqueue(ctx context.Context, messageType string, payload string, direction dbstore.Direction, hostID *string, priority dbstore.Priority, expiresIn *time.Duration, correlationID *string) (string, error)
	DequeueOutbound(ctx context.Context, hostID string, max int) ([]dbstore.QueueEntry, error)
	AckDelivered(ctx context.Context, id string) error
	AckFailed(ctx context.Context, id string, errMsg string, retryable bool) error
	FetchInbound(ctx context.Context, limit int) ([]dbstore.QueueEntry, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
	RevertInFlight(ctx context.Context, hostID string) (int64, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*dbstore.QueueEntry, error)
	SetCorrelationID(ctx context.Context, id, correlationID string) error
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// EnqueueCommand enqueues an outbound command for hostID, setting
// correlation_id = the new entry's own id so the agent's result message
// can be matched back.
func (s *Service) EnqueueCommand(ctx context.Context, hostID, commandType string, parameters map[string]any, priority Priority, expiresIn *time.Duration) (string, error) {
	payload, err := json.Marshal(map[string]any{"command_type": commandType, "parameters": parameters})
	if err != nil {
		return "", fmt.Errorf("queue: marshal command payload: %w", err)
	}
	id, err := s.store.Enqueue(ctx, "command", string(payload), dbstore.DirectionOutbound, &hostID, priority, expiresIn, nil)
	if err != nil {
		return "", err
	}
	// The command's own message_id becomes the correlation_id agents echo
	// back in command_result.
	if err := s.store.SetCorrelationID(ctx, id, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) EnqueueInboundEvent(ctx context.Context, messageType, payload string) (string, error) {
	return s.store.Enqueue(ctx, messageType, payload, dbstore.DirectionInbound, nil, PriorityNormal, nil, nil)
}

func (s *Service) DequeueOutbound(ctx context.Context, hostID string, max int) ([]dbstore.QueueEntry, error) {
	return s.store.DequeueOutbound(ctx, hostID, max)
}

func (s *Service) AckDelivered(ctx context.Context, id string) error {
	return s.store.AckDelivered(ctx, id)
}

// AckFailed classifies err via Retryable before delegating to the store.
func (s *Service) AckFailed(ctx context.Context, id string, err error) error {
	return s.store.AckFailed(ctx, id, err.Error(), Retryable(err))
}

func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	return s.store.ExpireStale(ctx, time.Now().UTC())
}

func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.Cleanup(ctx, retention)
}

func (s *Service) RevertInFlight(ctx context.Context, hostID string) (int64, error) {
	return s.store.RevertInFlight(ctx, hostID)
}

func (s *Service) FindByCorrelationID(ctx context.Context, correlationID string) (*dbstore.QueueEntry, error) {
	return s.store.FindByCorrelationID(ctx, correlationID)
}

// AgentError wraps a failure an agent explicitly reported, distinct
// from a transport/network failure, carrying the agent's own judgment
// of whether a retry could succeed.
type AgentError struct {
	Message   string
	Retryable bool
}

func (e *AgentError) Error() string { return e.Message }

// Retryable classifies failures: network/IO errors are retryable by
// default; an explicit agent-reported AgentError carries its own
// classification (e.g. a GUID-mismatch stale delete is not worth
// retrying).
func Retryable(err error) bool {
	if ae, ok := err.(*AgentError); ok {
		return ae.Retryable
	}
	return true
}
