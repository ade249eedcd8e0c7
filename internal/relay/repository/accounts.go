package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/relay/internal/relay/model"
)

// CreateAccount inserts a new extension account. Returns ErrDuplicate when
// the email is already registered, so callers can re-read after losing a
// signup race.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	q := `
		INSERT INTO accounts (id, email, provider, plan, subscription_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, q, a.ID, a.Email, a.Provider, a.Plan, a.SubscriptionStatus, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// FindAccountByEmail retrieves an account by its normalized email.
func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.scanAccount(ctx, accountColumns+` FROM accounts WHERE email = $1`, email)
}

// FindAccountByID retrieves an account by id.
func (s *Store) FindAccountByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return s.scanAccount(ctx, accountColumns+` FROM accounts WHERE id = $1`, id)
}

// FindAccountByStripeCustomer retrieves the account owning a Stripe customer
// id. Subscription webhooks identify accounts this way.
func (s *Store) FindAccountByStripeCustomer(ctx context.Context, customerID string) (*model.Account, error) {
	return s.scanAccount(ctx, accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID)
}

// UpdateAccountBilling applies the outcome of a billing event: provider ids,
// plan, and raw subscription status.
func (s *Store) UpdateAccountBilling(ctx context.Context, id uuid.UUID, customerID, subscriptionID *string, plan model.Plan, status string) error {
	q := `
		UPDATE accounts
		SET stripe_customer_id = COALESCE($2, stripe_customer_id),
		    stripe_subscription_id = COALESCE($3, stripe_subscription_id),
		    plan = $4, subscription_status = $5, updated_at = $6
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, q, id, customerID, subscriptionID, plan, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update account billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSession stores the digest of a fresh extension session token.
// Re-authentication replaces the account's previous session.
func (s *Store) UpsertSession(ctx context.Context, accountID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	q := `
		INSERT INTO account_sessions (account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at`
	if _, err := s.db.Exec(ctx, q, accountID, tokenHash, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ResolveSession returns the account behind an unexpired session-token
// digest.
func (s *Store) ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*model.Account, error) {
	q := accountColumns + `
		FROM accounts a
		JOIN account_sessions s ON s.account_id = a.id
		WHERE s.token_hash = $1 AND s.expires_at > $2`
	return s.scanAccount(ctx, q, tokenHash, now)
}

// LinkAccountAgent records that an account has paired with an agent.
// Silently ignores duplicate links.
func (s *Store) LinkAccountAgent(ctx context.Context, accountID uuid.UUID, agentID string) error {
	q := `
		INSERT INTO account_agents (account_id, agent_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, agent_id) DO NOTHING`
	_, err := s.db.Exec(ctx, q, accountID, agentID, time.Now().UTC())
	return err
}

// AgentLinked reports whether the account already counts agentID against its
// plan limit. Re-pairing a linked agent is always free.
func (s *Store) AgentLinked(ctx context.Context, accountID uuid.UUID, agentID string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM account_agents WHERE account_id = $1 AND agent_id = $2)`
	return retryRead(ctx, func(ctx context.Context) (bool, error) {
		var exists bool
		if err := s.db.QueryRow(ctx, q, accountID, agentID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check agent link: %w", err)
		}
		return exists, nil
	})
}

// CountAccountAgents returns how many distinct agents the account has
// linked.
func (s *Store) CountAccountAgents(ctx context.Context, accountID uuid.UUID) (int, error) {
	q := `SELECT COUNT(*) FROM account_agents WHERE account_id = $1`
	return retryRead(ctx, func(ctx context.Context) (int, error) {
		var n int
		if err := s.db.QueryRow(ctx, q, accountID).Scan(&n); err != nil {
			return 0, fmt.Errorf("count account agents: %w", err)
		}
		return n, nil
	})
}

// ListAccountAgents returns the agent ids linked to the account, oldest
// link first.
func (s *Store) ListAccountAgents(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	q := `SELECT agent_id FROM account_agents WHERE account_id = $1 ORDER BY created_at, agent_id`
	return retryRead(ctx, func(ctx context.Context) ([]string, error) {
		rows, err := s.db.Query(ctx, q, accountID)
		if err != nil {
			return nil, fmt.Errorf("list account agents: %w", err)
		}
		defer rows.Close()

		var out []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan agent link: %w", err)
			}
			out = append(out, id)
		}
		return out, rows.Err()
	})
}

// ReplaceAccountAgents swaps the account's full link set in one transaction.
// The extension syncs its local list this way after reinstalls.
func (s *Store) ReplaceAccountAgents(ctx context.Context, accountID uuid.UUID, agentIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM account_agents WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear agent links: %w", err)
	}

	now := time.Now().UTC()
	for _, agentID := range agentIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_agents (account_id, agent_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, agent_id) DO NOTHING`,
			accountID, agentID, now,
		); err != nil {
			return fmt.Errorf("insert agent link: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const accountColumns = `
	SELECT a.id, a.email, a.provider, a.stripe_customer_id, a.stripe_subscription_id,
	       a.plan, a.subscription_status, a.created_at, a.updated_at`

// scanAccount executes a single-row account query. Column order matches
// accountColumns.
func (s *Store) scanAccount(ctx context.Context, q string, args ...any) (*model.Account, error) {
	return retryRead(ctx, func(ctx context.Context) (*model.Account, error) {
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

		var a model.Account
		if err := rows.Scan(
			&a.ID, &a.Email, &a.Provider, &a.StripeCustomerID, &a.StripeSubscriptionID,
			&a.Plan, &a.SubscriptionStatus, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		return &a, rows.Err()
	})
}
