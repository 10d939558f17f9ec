package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmanage/sysmanage-server/internal/config"
)

func startBeacon(t *testing.T) *DiscoveryBeacon {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.Port = "8080"
	cfg.API.Interface = "control.example.com"
	cfg.WebUI.Port = "8443"
	cfg.Discovery.BindAddress = "127.0.0.1"
	cfg.Discovery.Port = 0 // ephemeral port for the test

	b := NewDiscoveryBeacon(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func dialBeacon(t *testing.T, b *DiscoveryBeacon) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, b.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDiscoveryRequestResponse(t *testing.T) {
	b := startBeacon(t)
	conn := dialBeacon(t, b)

	req, _ := json.Marshal(map[string]any{"service": "sysmanage-agent", "hostname": "web01"})
	_, err := conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 8192)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var resp discoveryResponse
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	assert.Equal(t, "sysmanage-server", resp.Service)
	assert.Equal(t, "control.example.com", resp.ServerInfo.Hostname)
	assert.Equal(t, "8080", resp.ServerInfo.APIPort)
	assert.Equal(t, "/api/agent/connect", resp.ServerInfo.WebSocketEndpoint)
	assert.Nil(t, resp.DefaultConfig, "no config requested")
	assert.NotEmpty(t, resp.NetworkInfo.SupportedProtocols)
}

func TestDiscoveryRequestConfig(t *testing.T) {
	b := startBeacon(t)
	conn := dialBeacon(t, b)

	req, _ := json.Marshal(map[string]any{"service": "sysmanage-agent", "hostname": "web01", "request_config": true})
	_, err := conn.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 8192)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var resp discoveryResponse
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	require.NotNil(t, resp.DefaultConfig)
	assert.Equal(t, "control.example.com", resp.DefaultConfig.Server.Hostname)
	assert.True(t, resp.DefaultConfig.WebSocket.AutoReconnect)
}

func TestDiscoveryDropsInvalidRequests(t *testing.T) {
	b := startBeacon(t)
	conn := dialBeacon(t, b)

	invalid := [][]byte{
		[]byte("not json"),
		mustJSON(map[string]any{"service": "other-service", "hostname": "web01"}),
		mustJSON(map[string]any{"service": "sysmanage-agent"}),
		mustJSON(map[string]any{"service": "sysmanage-agent", "hostname": ""}),
	}
	for _, payload := range invalid {
		_, err := conn.Write(payload)
		require.NoError(t, err)
	}

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err := conn.Read(buf)
	assert.Error(t, err, "invalid requests are dropped silently, no response")
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
