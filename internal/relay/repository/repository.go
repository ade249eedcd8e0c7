// Package repository persists all durable relay state in PostgreSQL: agent
// identities, paired devices, pairing codes, refresh-token digests,
// extension accounts, and rate counters. Live connection registries are
// deliberately not here; they exist only in router memory and reset on
// restart.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing key.
var ErrDuplicate = errors.New("duplicate key")

// ErrPairingExpired is returned when a pairing code exists but its TTL has
// lapsed.
var ErrPairingExpired = errors.New("pairing code expired")

// ErrPairingAttempts is returned when a pairing code has been claimed more
// times than allowed.
var ErrPairingAttempts = errors.New("pairing attempts exceeded")

// Store wraps a pgx pool with the relay's persistence operations.
type Store struct {
	db *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Cleanup removes rows whose lifetime has lapsed: expired pairing codes,
// expired refresh tokens, expired extension sessions, and rate-counter
// windows that closed over an hour ago. Meant to run on a ticker.
func (s *Store) Cleanup(ctx context.Context, now time.Time) error {
	batch := []struct {
		name string
		q    string
		args []any
	}{
		{"pairings", `DELETE FROM pairings WHERE expires_at <= $1`, []any{now}},
		{"refresh_tokens", `DELETE FROM refresh_tokens WHERE expires_at <= $1`, []any{now}},
		{"account_sessions", `DELETE FROM account_sessions WHERE expires_at <= $1`, []any{now}},
		{"rate_counters", `DELETE FROM rate_counters WHERE window_start <= $1`, []any{now.Add(-time.Hour)}},
	}
	for _, b := range batch {
		if _, err := s.db.Exec(ctx, b.q, b.args...); err != nil {
			return fmt.Errorf("cleanup %s: %w", b.name, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// retryRead runs a query, rerunning it once after a short jitter when the
// first attempt died before any data reached the server. Only idempotent
// reads go through here; mutations surface transient failures as-is.
func retryRead[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || !pgconn.SafeToRetry(err) {
		return out, err
	}
	jitter := 5*time.Millisecond + time.Duration(rand.Int64N(int64(50*time.Millisecond)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return out, err
	}
	return fn(ctx)
}
