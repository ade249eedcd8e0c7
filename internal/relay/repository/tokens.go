package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentwire/relay/internal/relay/model"
)

// RotateRefreshToken atomically retires the presented refresh-token digest
// and stores its successor, returning the retired record so the caller can
// mint a matching access token. Delete and insert share one transaction, so
// a crash can never leave both tokens live.
//
// Returns ErrNotFound when the digest is unknown, already rotated, or
// expired; all three must look identical to the caller.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time) (*model.RefreshToken, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var prior model.RefreshToken
	prior.TokenHash = oldHash
	q := `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1 AND expires_at > $2
		RETURNING device_id, agent_id, expires_at, created_at`
	err = tx.QueryRow(ctx, q, oldHash, now).Scan(
		&prior.DeviceID, &prior.AgentID, &prior.ExpiresAt, &prior.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("retire refresh token: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, device_id, agent_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		newHash, prior.DeviceID, prior.AgentID, newExpiresAt.UTC(), now.UTC(),
	); err != nil {
		return nil, fmt.Errorf("store successor token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &prior, nil
}

// DeleteRefreshToken removes a refresh-token digest so it can never be
// exchanged again, returning the retired record. Returns ErrNotFound when
// the digest matches no row.
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	var rt model.RefreshToken
	rt.TokenHash = tokenHash
	q := `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1
		RETURNING device_id, agent_id, expires_at, created_at`
	err := s.db.QueryRow(ctx, q, tokenHash).Scan(&rt.DeviceID, &rt.AgentID, &rt.ExpiresAt, &rt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete refresh token: %w", err)
	}
	return &rt, nil
}

// FindDeviceByID retrieves a paired device.
func (s *Store) FindDeviceByID(ctx context.Context, id string) (*model.Device, error) {
	q := `
		SELECT id, agent_id, label, tenant_id, last_seen_at, created_at
		FROM devices WHERE id = $1`
	return retryRead(ctx, func(ctx context.Context) (*model.Device, error) {
		rows, err := s.db.Query(ctx, q, id)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return nil, ErrNotFound
		}

		var d model.Device
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Label, &d.TenantID, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		return &d, rows.Err()
	})
}

// TouchDeviceLastSeen records client connection liveness.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, id string, at time.Time) error {
	q := `UPDATE devices SET last_seen_at = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("touch device last_seen: %w", err)
	}
	return nil
}
