package repository

import (
	"context"
	"fmt"
	"time"
)

// RateCheck counts one hit against a fixed-window counter and reports
// whether the caller is still inside the budget. The counter row is
// created, incremented, or reset in a single upsert so concurrent hits from
// several relay instances stay accurate.
//
// Key convention is "{bucket}:{ip}", e.g. "pairing:203.0.113.9".
func (s *Store) RateCheck(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	cutoff := now.Add(-window).UTC()

	var count int
	q := `
		INSERT INTO rate_counters (key, count, window_start)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE
		SET count = CASE WHEN rate_counters.window_start <= $3 THEN 1 ELSE rate_counters.count + 1 END,
		    window_start = CASE WHEN rate_counters.window_start <= $3 THEN $2 ELSE rate_counters.window_start END
		RETURNING count`
	if err := s.db.QueryRow(ctx, q, key, now.UTC(), cutoff).Scan(&count); err != nil {
		return false, fmt.Errorf("rate check %q: %w", key, err)
	}
	return count <= max, nil
}
