package model

import "time"

// Agent is the durable identity of a server-side worker. The row outlives
// any connection; live registrations are held only in memory by the router.
type Agent struct {
	ID          string     `json:"id" db:"id"`
	DisplayName string     `json:"display_name" db:"display_name"`
	SecretHash  string     `json:"-" db:"secret_hash"`
	TenantID    *string    `json:"tenant_id,omitempty" db:"tenant_id"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// OnlineSince is the staleness window for deriving the online flag on
// directory listings from last_seen_at.
const OnlineSince = 5 * time.Minute

// Online reports whether the agent was seen within the staleness window
// ending at now.
func (a *Agent) Online(now time.Time) bool {
	return a.LastSeenAt != nil && a.LastSeenAt.After(now.Add(-OnlineSince))
}

// Device is a browser endpoint bound to one agent through pairing.
type Device struct {
	ID         string     `json:"id" db:"id"`
	AgentID    string     `json:"agent_id" db:"agent_id"`
	Label      string     `json:"label" db:"label"`
	TenantID   *string    `json:"tenant_id,omitempty" db:"tenant_id"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Pairing is a short-lived one-time code an agent hands to a browser out of
// band. At most one live code exists per agent.
type Pairing struct {
	Code      string    `json:"code" db:"code"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Attempts  int       `json:"attempts" db:"attempts"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RefreshToken is the stored digest of an opaque refresh credential. The
// plaintext never touches the database; rotation deletes the row and writes
// a successor in the same transaction.
type RefreshToken struct {
	TokenHash string    `json:"-" db:"token_hash"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
