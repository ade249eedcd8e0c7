package model

import (
	"time"

	"github.com/google/uuid"
)

// Plan is the billing tier of a browser-extension account.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Subscription statuses that keep a pro plan entitled. Anything else
// (canceled, unpaid, incomplete_expired, ...) falls back to free limits.
var entitledStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

// Account is a browser-extension user identified by email. Accounts exist
// for freemium enforcement and billing only; messaging works without one.
type Account struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	Email                string    `json:"email" db:"email"`
	Provider             string    `json:"provider" db:"provider"`
	StripeCustomerID     *string   `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID *string   `json:"-" db:"stripe_subscription_id"`
	Plan                 Plan      `json:"plan" db:"plan"`
	SubscriptionStatus   string    `json:"subscription_status,omitempty" db:"subscription_status"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Entitled reports whether the account's subscription currently unlocks
// unlimited agents.
func (a *Account) Entitled() bool {
	return a.Plan == PlanPro && entitledStatuses[a.SubscriptionStatus]
}

// AgentAllowance returns how many distinct agents the account may link.
// A negative value means unlimited.
func (a *Account) AgentAllowance(freeLimit int) int {
	if a.Entitled() {
		return -1
	}
	return freeLimit
}

// AccountSession is the stored digest of an opaque extension session token.
// Re-authentication replaces the row, so one session exists per account.
type AccountSession struct {
	AccountID uuid.UUID `json:"account_id" db:"account_id"`
	TokenHash string    `json:"-" db:"token_hash"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
