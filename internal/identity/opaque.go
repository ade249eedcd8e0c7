package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Opaque token prefixes. The prefix makes leaked credentials greppable and
// lets support tell token kinds apart without decoding anything.
const (
	refreshTokenPrefix = "rt_"
	sessionTokenPrefix = "st_"
	deviceIDPrefix     = "dev_"
)

const opaqueTokenBytes = 32

// NewRefreshToken returns a fresh opaque refresh token and the SHA-256 hex
// digest under which it is stored. The plaintext is shown to the caller
// exactly once and never persisted.
func NewRefreshToken() (plaintext, digest string, err error) {
	return newOpaqueToken(refreshTokenPrefix)
}

// NewSessionToken returns a fresh opaque extension session token and its
// stored digest.
func NewSessionToken() (plaintext, digest string, err error) {
	return newOpaqueToken(sessionTokenPrefix)
}

func newOpaqueToken(prefix string) (string, string, error) {
	raw := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	plaintext := prefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 hex digest of an opaque token. Lookups and
// storage always go through the digest so a database dump exposes nothing
// replayable.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewDeviceID mints an identifier for a newly paired device.
func NewDeviceID() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return deviceIDPrefix + hex.EncodeToString(raw), nil
}
