package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentwire/relay/internal/relay/model"
)

// IssuePairing replaces any live pairing code for the agent with a fresh
// one. Returns ErrDuplicate when the generated code collides with another
// agent's live code; callers regenerate and retry.
func (s *Store) IssuePairing(ctx context.Context, agentID, code string, expiresAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM pairings WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("drop prior pairing: %w", err)
	}

	q := `
		INSERT INTO pairings (code, agent_id, expires_at, attempts, created_at)
		VALUES ($1, $2, $3, 0, $4)`
	if _, err := tx.Exec(ctx, q, code, agentID, expiresAt.UTC(), time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert pairing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimPairing counts one consumption attempt against a code and returns the
// pairing plus a snapshot of its agent. The attempt is persisted even when
// the caller's request later fails, so guessing burns budget.
//
// Returns ErrNotFound for unknown codes, ErrPairingExpired past the TTL
// (the row is reaped), and ErrPairingAttempts once the budget is spent.
func (s *Store) ClaimPairing(ctx context.Context, code string, now time.Time, maxAttempts int) (*model.Pairing, *model.Agent, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var p model.Pairing
	var a model.Agent
	q := `
		SELECT p.code, p.agent_id, p.expires_at, p.attempts, p.created_at,
		       a.id, a.display_name, a.secret_hash, a.tenant_id, a.last_seen_at, a.created_at, a.updated_at
		FROM pairings p
		JOIN agents a ON a.id = p.agent_id
		WHERE p.code = $1
		FOR UPDATE OF p`
	err = tx.QueryRow(ctx, q, code).Scan(
		&p.Code, &p.AgentID, &p.ExpiresAt, &p.Attempts, &p.CreatedAt,
		&a.ID, &a.DisplayName, &a.SecretHash, &a.TenantID, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("query pairing: %w", err)
	}

	if !p.ExpiresAt.After(now) {
		if _, err := tx.Exec(ctx, `DELETE FROM pairings WHERE code = $1`, code); err != nil {
			return nil, nil, fmt.Errorf("reap expired pairing: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil, ErrPairingExpired
	}

	if p.Attempts >= maxAttempts {
		return nil, nil, ErrPairingAttempts
	}

	p.Attempts++
	if _, err := tx.Exec(ctx, `UPDATE pairings SET attempts = $2 WHERE code = $1`, code, p.Attempts); err != nil {
		return nil, nil, fmt.Errorf("count attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return &p, &a, nil
}

// RedeemPairing consumes a claimed code and materializes the binding it
// promised: the device row, the first refresh-token digest, and optionally
// an account-agent link, all in one transaction. Returns ErrNotFound when
// the code vanished between claim and redeem (concurrent consumer won).
func (s *Store) RedeemPairing(ctx context.Context, code string, d *model.Device, rt *model.RefreshToken, accountID *uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM pairings WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("consume pairing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO devices (id, agent_id, label, tenant_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.AgentID, d.Label, d.TenantID, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert device: %w", err)
	}

	rt.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, device_id, agent_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rt.TokenHash, rt.DeviceID, rt.AgentID, rt.ExpiresAt.UTC(), rt.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	if accountID != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_agents (account_id, agent_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, agent_id) DO NOTHING`,
			*accountID, d.AgentID, now,
		); err != nil {
			return fmt.Errorf("link account agent: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
