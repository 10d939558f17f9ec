// Package wssecurity guards the agent WebSocket surface: connection
// tokens (HMAC-SHA256 over a JSON claims payload, constant-time
// verification), per-message integrity checks, sliding-window rate
// limiting and IP blocking.
package wssecurity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ConnectionState is a connection's authentication state: NEW ->
// PENDING -> AUTHENTICATED, with REJECTED/CLOSED as terminal states.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StatePending
	StateAuthenticated
	StateRejected
	StateClosed
)

// TokenPayload is the signed body of a connection token.
type TokenPayload struct {
	ConnectionID string `json:"connection_id"`
	Hostname     string `json:"hostname"`
	ClientIP     string `json:"client_ip"`
	Timestamp    int64  `json:"timestamp"`
	Expires      int64  `json:"expires"`
}

// signedToken is the base64-encoded envelope a client presents.
type signedToken struct {
	Payload   TokenPayload `json:"payload"`
	Signature string       `json:"signature"`
}

// TokenIssuer signs and validates connection tokens with a shared HMAC
// secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (t *TokenIssuer) sign(payload TokenPayload) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(canonical)
	sig := mac.Sum(nil)

	env := signedToken{Payload: payload, Signature: base64.StdEncoding.EncodeToString(sig)}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// GenerateConnectionToken issues a token for a new agent connection. It
// records no per-connection state; nothing in this package tracks a
// connection's ConnectionState.
func (t *TokenIssuer) GenerateConnectionToken(connectionID, hostname, clientIP string) (string, error) {
	now := time.Now().UTC()
	payload := TokenPayload{
		ConnectionID: connectionID,
		Hostname:     hostname,
		ClientIP:     clientIP,
		Timestamp:    now.Unix(),
		Expires:      now.Add(t.ttl).Unix(),
	}
	return t.sign(payload)
}

// ValidateConnectionToken runs the ordered checks (shape, signature,
// expiry) where the first failure wins. Returns (ok, connectionID,
// message). An IP mismatch is logged by the caller but is not itself
// fatal (NAT/proxy tolerance).
func (t *TokenIssuer) ValidateConnectionToken(token, observedIP string) (bool, string, string) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false, "", "Malformed token"
	}
	var env signedToken
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, "", "Malformed token"
	}
	if env.Payload.ConnectionID == "" || env.Payload.Expires == 0 {
		return false, "", "Malformed token"
	}

	canonical, err := json.Marshal(env.Payload)
	if err != nil {
		return false, "", "Malformed token"
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(canonical)
	expectedSig := mac.Sum(nil)

	gotSig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(expectedSig, gotSig) {
		return false, "", "Invalid token signature"
	}

	if time.Now().UTC().Unix() > env.Payload.Expires {
		return false, "", "Token expired"
	}

	// IP mismatch (NAT/proxy tolerance): caller is responsible for
	// logging env.Payload.ClientIP != observedIP; it never fails validation.
	_ = observedIP

	return true, env.Payload.ConnectionID, "Token valid"
}

// SensitiveEnvelope wraps a config-bearing payload with an HMAC
// signature and timestamp.
type SensitiveEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// EncryptSensitiveData wraps data in a signed, timestamped envelope and
// base64-encodes it for transport.
func (t *TokenIssuer) EncryptSensitiveData(data json.RawMessage) (string, error) {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	env := SensitiveEnvelope{
		Data:      data,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: time.Now().UTC().Unix(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

var ErrSensitiveSignature = errors.New("wssecurity: sensitive payload signature mismatch")
var ErrSensitiveExpired = errors.New("wssecurity: sensitive payload expired")

// DecryptSensitiveData reverses EncryptSensitiveData, rejecting a
// signature mismatch or an envelope older than one hour.
func (t *TokenIssuer) DecryptSensitiveData(wrapped string) (json.RawMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	var env SensitiveEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, t.secret)
	mac.Write(env.Data)
	expectedSig := mac.Sum(nil)
	gotSig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(expectedSig, gotSig) {
		return nil, ErrSensitiveSignature
	}

	if time.Now().UTC().Unix()-env.Timestamp > 3600 {
		return nil, ErrSensitiveExpired
	}

	return env.Data, nil
}
