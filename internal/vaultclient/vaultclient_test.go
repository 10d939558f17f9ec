package vaultclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&config.VaultConfig{Address: srv.URL, Token: "test-token", MountPath: "secret"})
}

func TestGetSecret(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/secret/data/api-keys/grafana", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"data": map[string]any{"content": "s3cret"}},
		})
	})

	content, err := client.GetSecret(context.Background(), "api-keys/grafana")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", content)
}

func TestGetSecretNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetSecret(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestGetSecretServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetSecret(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, apierr.KindDependencyFailed, apierr.KindOf(err))
}

func TestGetSecretUnreachable(t *testing.T) {
	client := New(&config.VaultConfig{Address: "http://127.0.0.1:1", Token: "t", MountPath: "secret"})
	_, err := client.GetSecret(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, apierr.KindDependencyFailed, apierr.KindOf(err))
}

func TestPutSecret(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/secret/data/ssh/deploy-key", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.PutSecret(context.Background(), "ssh/deploy-key", "PRIVATE KEY"))
	data := captured["data"].(map[string]any)
	assert.Equal(t, "PRIVATE KEY", data["content"])
}

func TestDeleteSecret(t *testing.T) {
	var path string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteSecret(context.Background(), "old/key"))
	assert.Equal(t, "/v1/secret/metadata/old/key", path)
}

func TestDeleteSecretMissingIsFine(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, client.DeleteSecret(context.Background(), "gone"))
}
