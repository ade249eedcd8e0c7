package identity

import (
	"crypto/rand"
	"fmt"
)

// pairingAlphabet omits symbols that read ambiguously when typed from a
// terminal into a browser: 0/O and 1/I. Exactly 32 symbols, so mapping
// random bytes by modulo introduces no bias.
const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PairingCodeLength is the fixed length of one-time pairing codes.
const PairingCodeLength = 8

// NewPairingCode returns a one-time pairing code drawn from the unambiguous
// alphabet with crypto/rand.
func NewPairingCode() (string, error) {
	buf := make([]byte, PairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(buf), nil
}
