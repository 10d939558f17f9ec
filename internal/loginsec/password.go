// Package loginsec covers login and session security: Argon2id
// password hashing, HMAC session tokens, account lockout tracking, and
// the forgot/reset password flow.
package loginsec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the tuning knobs for Argon2id (time/memory/threads),
// re-used for every hash so verification can recompute identically.
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var defaultParams = argon2Params{
	Memory:  64 * 1024,
	Time:    3,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

// HashPassword produces a self-describing Argon2id hash string (salt
// and parameters encoded alongside the digest, PHC-like format) salted
// with the process-wide password salt as additional material.
func HashPassword(password, processSalt string) (string, error) {
	salt := make([]byte, defaultParams.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("loginsec: generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(password+processSalt), salt, defaultParams.Time, defaultParams.Memory, defaultParams.Threads, defaultParams.KeyLen)

	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaultParams.Memory, defaultParams.Time, defaultParams.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword recomputes the digest from the encoded hash's own
// parameters/salt and compares in constant time.
func VerifyPassword(password, processSalt, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, fmt.Errorf("loginsec: unrecognized hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, fmt.Errorf("loginsec: parse version: %w", err)
	}
	var mem uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &mem, &t, &p); err != nil {
		return false, fmt.Errorf("loginsec: parse params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("loginsec: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("loginsec: decode digest: %w", err)
	}

	got := argon2.IDKey([]byte(password+processSalt), salt, t, mem, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
