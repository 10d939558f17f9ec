package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

type captureStore struct {
	rows     []dbstore.AuditLog
	failWith error
}

func (c *captureStore) InsertAuditLog(_ context.Context, entry dbstore.AuditLog) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.rows = append(c.rows, entry)
	return nil
}

func TestLogComputesIntegrityHash(t *testing.T) {
	store := &captureStore{}
	svc := New(store)

	uid := "4f3c2a10-0000-4000-8000-000000000001"
	row, err := svc.Log(context.Background(), Entry{
		UserID:      &uid,
		ActionType:  ActionUpdate,
		EntityType:  "host",
		Description: "Updated host web01",
		Result:      ResultSuccess,
	})
	require.NoError(t, err)
	require.Len(t, store.rows, 1)

	fields := []string{
		row.ID,
		row.Timestamp.Format(time.RFC3339Nano),
		uid,
		"UPDATE",
		"host",
		"",
		"Updated host web01",
		"SUCCESS",
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	assert.Equal(t, hex.EncodeToString(sum[:]), row.IntegrityHash)
	assert.True(t, Verify(*row))
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := &captureStore{}
	svc := New(store)

	row, err := svc.Log(context.Background(), Entry{
		ActionType:  ActionDelete,
		EntityType:  "tag",
		Description: "Deleted tag prod",
		Result:      ResultSuccess,
	})
	require.NoError(t, err)
	require.True(t, Verify(*row))

	tampered := *row
	tampered.Description = "Deleted tag staging"
	assert.False(t, Verify(tampered))

	tampered = *row
	tampered.Result = dbstore.AuditResult("FAILURE")
	assert.False(t, Verify(tampered))
}

func TestDetailsMarshaledToJSON(t *testing.T) {
	store := &captureStore{}
	svc := New(store)

	row, err := svc.Log(context.Background(), Entry{
		ActionType:  ActionAgentMessage,
		EntityType:  "host",
		Description: "Agent message heartbeat",
		Details:     map[string]any{"count": 3},
		Result:      ResultSuccess,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, row.Details)
}

func TestConvenienceWrappersPrefill(t *testing.T) {
	store := &captureStore{}
	svc := New(store)
	ctx := context.Background()
	uid, uname := "u1", "admin@example.com"

	_, err := svc.Create(ctx, "tag", "t1", "prod", &uid, &uname, nil)
	require.NoError(t, err)
	_, err = svc.Update(ctx, "host", "h1", "web01", &uid, &uname, nil)
	require.NoError(t, err)
	_, err = svc.Delete(ctx, "secret", "s1", "api-key", &uid, &uname)
	require.NoError(t, err)
	_, err = svc.AgentMessage(ctx, "h1", "heartbeat", ResultSuccess, nil, nil)
	require.NoError(t, err)

	require.Len(t, store.rows, 4)
	assert.Equal(t, "CREATE", store.rows[0].ActionType)
	assert.Equal(t, "UPDATE", store.rows[1].ActionType)
	assert.Equal(t, "DELETE", store.rows[2].ActionType)
	assert.Equal(t, "AGENT_MESSAGE", store.rows[3].ActionType)
	assert.Equal(t, "agent_session", store.rows[3].Category)
	assert.Contains(t, store.rows[0].Description, "Created tag prod")
}

func TestLogPropagatesStoreFailure(t *testing.T) {
	store := &captureStore{failWith: assert.AnError}
	svc := New(store)

	_, err := svc.Log(context.Background(), Entry{
		ActionType: ActionAgentMessage, EntityType: "host",
		Description: "Agent message heartbeat", Result: ResultSuccess,
	})
	require.Error(t, err)
	assert.Empty(t, store.rows)
}
