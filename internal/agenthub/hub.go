// Package agenthub is the agent session hub: it accepts agent
// WebSocket connections, authenticates them, and runs a reader loop
// and a drainer loop per connection until either side closes. Inbound
// frames dispatch by message_type through a static handler table;
// outbound commands drain from the durable queue in strict
// priority-then-FIFO order.
package agenthub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/certs"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/wssecurity"
)

// WakeTopic wakes a host's drainer when outbound work is enqueued;
// satisfied by notify.Topic and notify.RedisTopic.
type WakeTopic interface {
	Subscribe(hostID string) <-chan struct{}
	Unsubscribe(hostID string)
	Notify(hostID string)
}

// RemoteListener is the optional multi-instance extension: a topic that
// can also relay wake signals published by other server processes
// (notify.RedisTopic).
type RemoteListener interface {
	ListenRemote(ctx context.Context, hostID string) error
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 15 * time.Second
	drainTick  = 1 * time.Second
	drainBatch = 16
)

// Store is the persistence seam the hub needs beyond the queue/audit
// services: looking up and updating the Host behind a connection.
type Store interface {
	GetHostByCertificateSerial(ctx context.Context, serial string) (*dbstore.Host, error)
	MarkHostUp(ctx context.Context, hostID string) error
}

// Message is the envelope every inbound/outbound frame carries.
type Message struct {
	MessageType string          `json:"message_type"`
	MessageID   string          `json:"message_id"`
	Timestamp   string          `json:"timestamp"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// HandlerFunc is a per-message-type handler. It returns an optional
// response to send back synchronously on the same socket.
type HandlerFunc func(ctx context.Context, conn *Connection, msg Message) (map[string]any, error)

// Connection is one authenticated agent session.
type Connection struct {
	HostID   string
	FQDN     string
	Serial   string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closeSig <-chan struct{}
	hub      *Hub
}

// WriteJSON sends v as a single text frame, serialized against
// concurrent writers (the drainer and a handler response may both write).
func (c *Connection) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Hub wires together the components every handler and loop needs.
type Hub struct {
	Store    Store
	Certs    *certs.Manager
	Tokens   *wssecurity.TokenIssuer
	Limiter  *wssecurity.ConnectionLimiter
	Active   *wssecurity.ActiveConnections
	Queue    *queue.Service
	Audit    *audit.Service
	Notifier WakeTopic

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(store Store, cm *certs.Manager, tokens *wssecurity.TokenIssuer, limiter *wssecurity.ConnectionLimiter, active *wssecurity.ActiveConnections, q *queue.Service, a *audit.Service, n WakeTopic) *Hub {
	return &Hub{
		Store:    store,
		Certs:    cm,
		Tokens:   tokens,
		Limiter:  limiter,
		Active:   active,
		Queue:    q,
		Audit:    a,
		Notifier: n,
		handlers: make(map[string]HandlerFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterHandler installs fn as the handler for messageType.
func (h *Hub) RegisterHandler(messageType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[messageType] = fn
}

func (h *Hub) handlerFor(messageType string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[messageType]
	return fn, ok
}

// HandleUpgrade runs the authentication handshake: a connection token
// (query or header) is validated, then the certificate serial
// presented over mTLS identifies an approved Host. Only the Host's
// approval_status is checked; its active flag is not.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFromRequest(r)
	if err := h.Limiter.CheckConnectionAttempt(clientIP); err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	token := r.Header.Get("X-Connection-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ok, _, msg := h.Tokens.ValidateConnectionToken(token, clientIP)
	if !ok {
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	var serial string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		serial = r.TLS.PeerCertificates[0].SerialNumber.String()
	}
	if serial == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	if h.Certs != nil && h.Certs.IsRevoked(serial) {
		http.Error(w, "certificate revoked", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	host, err := h.Store.GetHostByCertificateSerial(ctx, serial)
	if err != nil || host == nil {
		http.Error(w, "unknown certificate", http.StatusUnauthorized)
		return
	}
	if host.ApprovalStatus != dbstore.ApprovalApproved {
		http.Error(w, "host not approved", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("agenthub: websocket upgrade failed", "error", err)
		return
	}

	closeSig := h.Active.Register(serial)
	conn := &Connection{HostID: host.HostID, FQDN: host.FQDN, Serial: serial, ws: ws, closeSig: closeSig, hub: h}

	if err := h.Store.MarkHostUp(ctx, host.HostID); err != nil {
		slog.Warn("agenthub: mark host up failed", "host_id", host.HostID, "error", err)
	}
	if _, err := h.Audit.AgentMessage(ctx, host.HostID, "connect", audit.ResultSuccess, nil, nil); err != nil {
		slog.Warn("agenthub: connect audit failed", "host_id", host.HostID, "error", err)
	}

	done := make(chan struct{})
	go h.drainLoop(conn, done)
	go h.readLoop(conn, done)
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// readLoop is the per-connection inbound reader: messages are handled
// strictly serially, one at a time, on this goroutine.
func (h *Hub) readLoop(conn *Connection, done chan struct{}) {
	defer func() {
		close(done)
		conn.ws.Close()
		h.Active.Unregister(conn.Serial, conn.closeSig)
		// Cancellation sweep: any in_flight entry for this host that
		// never received ack_delivered reverts to pending.
		if n, err := h.Queue.RevertInFlight(context.Background(), conn.HostID); err != nil {
			slog.Warn("agenthub: revert in-flight failed", "host_id", conn.HostID, "error", err)
		} else if n > 0 {
			slog.Info("agenthub: reverted in-flight entries on disconnect", "host_id", conn.HostID, "count", n)
		}
	}()

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.writeMu.Lock()
				conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.ws.WriteMessage(websocket.PingMessage, nil)
				conn.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-pingDone:
				return
			}
		}
	}()
	defer close(pingDone)

	for {
		select {
		case <-conn.closeSig:
			return
		default:
		}

		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Info("agenthub: connection closed", "host_id", conn.HostID, "error", err)
			}
			return
		}

		h.handleInbound(conn, raw)
	}
}

func (h *Hub) handleInbound(conn *Connection, raw []byte) {
	ctx := context.Background()

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.WriteJSON(map[string]string{"message_type": "error", "error_type": "malformed_json"})
		return
	}

	if err := wssecurity.ValidateMessageIntegrity(wssecurity.Envelope{
		MessageType: msg.MessageType, MessageID: msg.MessageID, Timestamp: msg.Timestamp, ExecutionID: msg.ExecutionID,
	}, time.Now().UTC()); err != nil {
		if _, aerr := h.Audit.AgentMessage(ctx, conn.HostID, msg.MessageType, audit.ResultFailure, nil, errString(err)); aerr != nil {
			slog.Warn("agenthub: audit failed", "host_id", conn.HostID, "error", aerr)
		}
		conn.WriteJSON(map[string]string{"message_type": "error", "error_type": "integrity_check_failed"})
		return
	}

	fn, ok := h.handlerFor(msg.MessageType)
	if !ok {
		slog.Warn("agenthub: unknown message type", "type", msg.MessageType, "host_id", conn.HostID)
		if _, aerr := h.Audit.AgentMessage(ctx, conn.HostID, msg.MessageType, audit.ResultFailure, nil, errString(fmt.Errorf("unknown message_type %q", msg.MessageType))); aerr != nil {
			slog.Warn("agenthub: audit failed", "host_id", conn.HostID, "error", aerr)
		}
		conn.WriteJSON(map[string]string{"message_type": "error", "error_type": "unknown_type"})
		return
	}

	resp, err := fn(ctx, conn, msg)
	if err != nil {
		slog.Error("agenthub: handler error", "type", msg.MessageType, "host_id", conn.HostID, "error", err)
		if _, aerr := h.Audit.AgentMessage(ctx, conn.HostID, msg.MessageType, audit.ResultFailure, nil, errString(err)); aerr != nil {
			slog.Warn("agenthub: audit failed", "host_id", conn.HostID, "error", aerr)
		}
		conn.WriteJSON(map[string]string{"message_type": "error", "error_type": "handler_error"})
		return
	}

	if resp != nil {
		if err := conn.WriteJSON(resp); err != nil {
			slog.Warn("agenthub: write response failed", "host_id", conn.HostID, "error", err)
		}
	}
}

// drainLoop is the per-connection outbound drainer: it wakes on a
// periodic tick or an enqueue notification, dequeues in strict
// priority-then-FIFO order, and sends in that exact order.
func (h *Hub) drainLoop(conn *Connection, done <-chan struct{}) {
	wake := h.Notifier.Subscribe(conn.HostID)
	defer h.Notifier.Unsubscribe(conn.HostID)

	// In multi-instance deployments, also relay wakes published by other
	// server processes for this host.
	if rl, ok := h.Notifier.(RemoteListener); ok {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := rl.ListenRemote(ctx, conn.HostID); err != nil {
			slog.Warn("agenthub: remote wake listener failed", "host_id", conn.HostID, "error", err)
		}
	}

	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-conn.closeSig:
			return
		case <-ticker.C:
		case <-wake:
		}

		h.drainOnce(conn)
	}
}

func (h *Hub) drainOnce(conn *Connection) {
	ctx := context.Background()
	entries, err := h.Queue.DequeueOutbound(ctx, conn.HostID, drainBatch)
	if err != nil {
		slog.Error("agenthub: dequeue failed", "host_id", conn.HostID, "error", err)
		return
	}
	for _, entry := range entries {
		var payload map[string]any
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			payload = map[string]any{}
		}
		frame := map[string]any{
			"message_type": entry.MessageType,
			"message_id":   entry.ID,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"data":         payload,
		}
		if err := conn.WriteJSON(frame); err != nil {
			slog.Warn("agenthub: send failed, closing connection", "host_id", conn.HostID, "entry_id", entry.ID, "error", err)
			h.Queue.AckFailed(ctx, entry.ID, err)
			conn.ws.Close()
			return
		}
		if err := h.Queue.AckDelivered(ctx, entry.ID); err != nil {
			slog.Error("agenthub: ack_delivered failed", "entry_id", entry.ID, "error", err)
		}
	}
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
