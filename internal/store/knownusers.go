package store

import (
	"fmt"
	"time"
)

// KnownUser is one sender the bot has seen, kept so operators can
// address active messages to users who wrote before.
type KnownUser struct {
	AccountID string
	OpenID    string
	Name      string
	Kind      string
	FirstSeen int64
	LastSeen  int64
	Messages  int64
}

// UpsertKnownUsers folds a batch of activity records into the roster.
// Counts accumulate; first_seen is preserved on conflict.
func (s *Store) UpsertKnownUsers(users []KnownUser) error {
	if len(users) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin known users tx: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO known_users (account_id, open_id, name, kind, first_seen, last_seen, messages)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, open_id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE known_users.name END,
		kind = excluded.kind,
		last_seen = excluded.last_seen,
		messages = known_users.messages + excluded.messages
	`

	now := time.Now().UnixMilli()
	for _, u := range users {
		if u.FirstSeen == 0 {
			u.FirstSeen = now
		}
		if u.LastSeen == 0 {
			u.LastSeen = now
		}
		if _, err := tx.Exec(query,
			u.AccountID, u.OpenID, u.Name, u.Kind,
			u.FirstSeen, u.LastSeen, u.Messages,
		); err != nil {
			return fmt.Errorf("failed to upsert known user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit known users: %w", err)
	}
	return nil
}

// ListKnownUsers returns the roster for an account, most recent first.
func (s *Store) ListKnownUsers(accountID string, limit int) ([]*KnownUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
	SELECT account_id, open_id, name, kind, first_seen, last_seen, messages
	FROM known_users WHERE account_id = ?
	ORDER BY last_seen DESC LIMIT ?
	`

	rows, err := s.db.Query(query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list known users: %w", err)
	}
	defer rows.Close()

	var users []*KnownUser
	for rows.Next() {
		u := &KnownUser{}
		if err := rows.Scan(
			&u.AccountID, &u.OpenID, &u.Name, &u.Kind,
			&u.FirstSeen, &u.LastSeen, &u.Messages,
		); err != nil {
			return nil, fmt.Errorf("failed to scan known user: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
