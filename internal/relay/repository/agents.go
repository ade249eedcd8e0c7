package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/agentwire/relay/internal/relay/model"
)

// CreateAgent inserts a new agent identity. Returns ErrDuplicate when the id
// is already registered, so callers can fall back to the verify-and-update
// path after losing a registration race.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	q := `
		INSERT INTO agents (id, display_name, secret_hash, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, q, a.ID, a.DisplayName, a.SecretHash, a.TenantID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// FindAgentByID retrieves an agent by its caller-chosen identifier.
func (s *Store) FindAgentByID(ctx context.Context, id string) (*model.Agent, error) {
	q := `
		SELECT id, display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at
		FROM agents WHERE id = $1`
	return s.scanAgent(ctx, q, id)
}

// UpdateAgentProfile refreshes the mutable identity fields on re-pairing.
// The secret hash is never updated here; changing a secret means operator
// intervention, not a pair/start call.
func (s *Store) UpdateAgentProfile(ctx context.Context, id, displayName string, tenantID *string) error {
	q := `UPDATE agents SET display_name = $2, tenant_id = $3, updated_at = $4 WHERE id = $1`
	tag, err := s.db.Exec(ctx, q, id, displayName, tenantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update agent profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgentLastSeen records connection liveness. Directory listings derive
// the online flag from this timestamp.
func (s *Store) TouchAgentLastSeen(ctx context.Context, id string, at time.Time) error {
	q := `UPDATE agents SET last_seen_at = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("touch agent last_seen: %w", err)
	}
	return nil
}

// ListAgentsByTenant returns agents in one tenant group. A nil tenantID
// selects the agents that have no tenant, which form their own group rather
// than a wildcard.
func (s *Store) ListAgentsByTenant(ctx context.Context, tenantID *string) ([]*model.Agent, error) {
	q := `
		SELECT id, display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at
		FROM agents
		WHERE tenant_id IS NOT DISTINCT FROM $1
		ORDER BY display_name, id`
	return retryRead(ctx, func(ctx context.Context) ([]*model.Agent, error) {
		rows, err := s.db.Query(ctx, q, tenantID)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		defer rows.Close()

		var out []*model.Agent
		for rows.Next() {
			var a model.Agent
			if err := rows.Scan(
				&a.ID, &a.DisplayName, &a.SecretHash, &a.TenantID,
				&a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt,
			); err != nil {
				return nil, fmt.Errorf("scan agent: %w", err)
			}
			out = append(out, &a)
		}
		return out, rows.Err()
	})
}

// scanAgent executes a single-row agent query. Column order: id,
// display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at.
func (s *Store) scanAgent(ctx context.Context, q string, args ...any) (*model.Agent, error) {
	return retryRead(ctx, func(ctx context.Context) (*model.Agent, error) {
		rows, err := s.db.Query(ctx, q, args...)
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

		var a model.Agent
		if err := rows.Scan(
			&a.ID, &a.DisplayName, &a.SecretHash, &a.TenantID,
			&a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		return &a, rows.Err()
	})
}
