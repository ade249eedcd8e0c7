package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature is returned for any signature-header problem: malformed
// header, stale timestamp, or digest mismatch. Callers must not distinguish
// these cases to the sender.
var ErrBadSignature = errors.New("webhook signature verification failed")

// DefaultSignatureTolerance bounds how old a signed webhook may be before it
// is rejected as a possible replay.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-style signature header of the form
// "t=<unix>,v1=<hex>[,v1=<hex>...]" against HMAC-SHA256(secret,
// "<unix>.<body>"). Comparison is constant-time. Multiple v1 candidates are
// accepted to survive secret rotation.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed header", ErrBadSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, cand := range candidates {
		raw, err := hex.DecodeString(cand)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, raw) {
			return nil
		}
	}
	return fmt.Errorf("%w: digest mismatch", ErrBadSignature)
}

// SignPayload produces a signature header for body at the given time. Tests
// and the local webhook replay tool use it; the verify path is the inverse.
func SignPayload(secret, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
