package identity

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAgentSecret returns the bcrypt digest stored for an agent secret.
func HashAgentSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// SecretVerifier checks presented agent secrets against stored digests. It
// can optionally accept one legacy shared secret so fleets predating
// per-agent secrets keep working while they migrate.
type SecretVerifier struct {
	legacyGlobal []byte
}

// NewSecretVerifier builds a verifier. An empty legacyGlobal disables the
// shared-secret fallback entirely.
func NewSecretVerifier(legacyGlobal string) *SecretVerifier {
	return &SecretVerifier{legacyGlobal: []byte(legacyGlobal)}
}

// Verify reports whether presented matches the stored bcrypt digest, or the
// legacy shared secret when that fallback is enabled.
func (v *SecretVerifier) Verify(storedHash, presented string) bool {
	if presented == "" {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil {
		return true
	}
	if len(v.legacyGlobal) > 0 &&
		subtle.ConstantTimeCompare(v.legacyGlobal, []byte(presented)) == 1 {
		return true
	}
	return false
}

// LegacyEnabled reports whether the shared-secret fallback is active.
func (v *SecretVerifier) LegacyEnabled() bool { return len(v.legacyGlobal) > 0 }
