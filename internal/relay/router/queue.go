package router

import (
	"time"

	"github.com/agentwire/relay/internal/relay/model"
)

// queuedRequest is one chat.request waiting out an agent's absence.
type queuedRequest struct {
	frame     model.Frame
	expiresAt time.Time
	attempts  int
}

// offlineQueue buffers chat.request frames for a single absent agent,
// bounded in both depth and age. It is not safe for concurrent use; the
// router's lock guards it.
type offlineQueue struct {
	entries []queuedRequest
	max     int
	ttl     time.Duration
}

func newOfflineQueue(max int, ttl time.Duration) *offlineQueue {
	return &offlineQueue{max: max, ttl: ttl}
}

func (q *offlineQueue) len() int { return len(q.entries) }

// push appends a request after discarding expired entries. When the queue
// is at capacity the oldest entry is displaced, so the newest request
// always gets a slot. Returns how many entries were displaced.
func (q *offlineQueue) push(f model.Frame, now time.Time) (displaced int) {
	q.prune(now)
	for len(q.entries) >= q.max {
		q.entries = q.entries[1:]
		displaced++
	}
	q.entries = append(q.entries, queuedRequest{frame: f, expiresAt: now.Add(q.ttl)})
	return displaced
}

// prune drops entries whose TTL has lapsed, preserving insertion order.
func (q *offlineQueue) prune(now time.Time) (expired int) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		} else {
			expired++
		}
	}
	q.entries = kept
	return expired
}

// drain delivers entries in insertion order. An entry whose delivery fails
// is kept for the next drain with its attempt counter bumped, until the
// attempt budget is spent. Returns how many entries were delivered and how
// many were dropped (expired or out of attempts).
func (q *offlineQueue) drain(now time.Time, maxAttempts int, deliver func(model.Frame) bool) (delivered, dropped int) {
	var kept []queuedRequest
	for _, e := range q.entries {
		if !e.expiresAt.After(now) {
			dropped++
			continue
		}
		if deliver(e.frame) {
			delivered++
			continue
		}
		e.attempts++
		if e.attempts >= maxAttempts {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return delivered, dropped
}
