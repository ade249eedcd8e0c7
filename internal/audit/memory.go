package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-memory, thread-safe Log implementation. Useful for
// tests and for single-process deployments that accept losing audit history
// on restart.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []*Entry
	onAppend func()
}

// NewMemoryLog creates a MemoryLog initialised with the canonical genesis
// entry at index 0.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{}
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Actor:     SystemActor,
		Action:    ActionGenesis,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // well-known constant, not computed
	}
	l.entries = append(l.entries, genesis)
	return l
}

// SetAppendHook installs a callback invoked after each successful append.
// Used to feed metrics without coupling the log to a metrics registry.
func (l *MemoryLog) SetAppendHook(fn func()) { l.onAppend = fn }

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, actor, action, agentID, deviceID string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		AgentID:   agentID,
		DeviceID:  deviceID,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	hook := l.onAppend
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return entry, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.entries[index], nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return "", nil
	}
	return l.entries[len(l.entries)-1].Hash, nil
}
