package loginsec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SessionTokenMaxAge is the fixed session lifetime.
const SessionTokenMaxAge = 12 * time.Hour

// IssueSessionToken builds "{user_id}:{ip}:{ts}:{hmac}" signed with
// HMAC-SHA256.
func IssueSessionToken(secret, userID, ip string) string {
	ts := time.Now().UTC().Unix()
	return signSessionToken(secret, userID, ip, ts)
}

func signSessionToken(secret, userID, ip string, ts int64) string {
	payload := fmt.Sprintf("%s:%s:%d", userID, ip, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s:%s", payload, sig)
}

// ValidateSessionToken verifies the HMAC and the max-age. An IP
// mismatch between observedIP and the token's embedded IP is reported
// via the ipMismatch return but is not itself fatal; callers log it.
func ValidateSessionToken(secret, token, observedIP string) (ok bool, userID string, ipMismatch bool, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return false, "", false, fmt.Errorf("loginsec: malformed session token")
	}
	userID, ip, tsRaw, sig := parts[0], parts[1], parts[2], parts[3]

	ts, convErr := strconv.ParseInt(tsRaw, 10, 64)
	if convErr != nil {
		return false, "", false, fmt.Errorf("loginsec: malformed session token timestamp: %w", convErr)
	}

	expected := signSessionToken(secret, userID, ip, ts)
	expectedSig := expected[strings.LastIndex(expected, ":")+1:]
	if !hmac.Equal([]byte(expectedSig), []byte(sig)) {
		return false, "", false, fmt.Errorf("loginsec: session token signature mismatch")
	}

	if time.Now().UTC().Sub(time.Unix(ts, 0).UTC()) > SessionTokenMaxAge {
		return false, "", false, fmt.Errorf("loginsec: session token expired")
	}

	return true, userID, ip != observedIP, nil
}
