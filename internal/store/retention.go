package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention prunes state past its useful life. The daily sweeper
// in main drives it; nothing here is needed for a live connection.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	// Sessions whose last connect is older than 30 days cannot be
	// resumed anyway; drop them so the next start identifies fresh.
	thirtyDaysAgo := now - (30 * 24 * 60 * 60 * 1000)
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM gateway_sessions WHERE last_connected_at > 0 AND last_connected_at < ?",
		thirtyDaysAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale gateway sessions: %w", err)
	}

	// Users silent for half a year
	halfYearAgo := now - (180 * 24 * 60 * 60 * 1000)
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM known_users WHERE last_seen < ?",
		halfYearAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale known users: %w", err)
	}

	// Dead letters past 90 days are beyond any useful replay.
	ninetyDaysAgo := now - (90 * 24 * 60 * 60 * 1000)
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE created_at < ?",
		ninetyDaysAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete aged dead letters: %w", err)
	}

	return nil
}

// DBSizeBytes reports the database file size as page_count * page_size.
// The readiness probe doubles it as a cheap liveness query.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pages, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pages * pageSize, nil
}
