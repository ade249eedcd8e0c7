// Package audit implements a hash-chained log of control-plane events:
// pairings, token rotations, agent takeovers, and plan changes. Chat payloads
// never enter the log; only a SHA-256 of each event's metadata payload is
// recorded, preserving payload opacity end to end.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the hash of its
// predecessor, making tampering detectable via Verify.
//
// Two implementations of the Log interface are provided:
//   - MemoryLog: in-process, for testing and development.
//   - PostgresLog: durable, for production use.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry. All
// subsequent entry hashes chain from this constant rather than from a
// computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded in the log.
const (
	ActionGenesis       = "genesis"
	ActionPairStart     = "pair_start"
	ActionPairComplete  = "pair_complete"
	ActionTokenRefresh  = "token_refresh"
	ActionTokenRevoke   = "token_revoke"
	ActionAgentTakeover = "agent_takeover"
	ActionPlanChange    = "plan_change"
)

// SystemActor marks entries produced by the relay itself rather than by an
// authenticated peer.
const SystemActor = "relay-system"

// Entry is a single audit record.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	AgentID   string    `json:"agent_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Log is the interface for the append-only audit chain.
type Log interface {
	// Append adds a new entry chained to the previous one. payload is
	// JSON-marshalled and its SHA-256 stored as DataHash.
	Append(ctx context.Context, actor, action, agentID, deviceID string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including genesis).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// Never called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Actor, e.Action, e.AgentID, e.DeviceID, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
