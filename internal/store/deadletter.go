package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DeadLetter is an outbound reply the dispatcher gave up on after its
// retries. Rows stay around for inspection and manual replay until
// retention drops them.
type DeadLetter struct {
	ID         string
	AccountID  string
	Target     string // destination expression, e.g. "c2c:OPENID"
	Content    string
	Error      string
	CreatedAt  int64 // unix ms
	ResolvedAt int64 // 0 = unresolved
}

// SaveDeadLetter records a permanently failed send.
func (s *Store) SaveDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, account_id, target, content, error, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	resolved := sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0}

	_, err := s.db.Exec(query,
		dl.ID, dl.AccountID, dl.Target, dl.Content, dl.Error,
		dl.CreatedAt, resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns unresolved dead letters, oldest first. An
// empty accountID lists every account.
func (s *Store) ListDeadLetters(accountID string, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, account_id, target, content, error, created_at, resolved_at
	FROM dead_letters
	WHERE resolved_at IS NULL
	`

	var args []interface{}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var resolved sql.NullInt64

		err := rows.Scan(
			&dl.ID, &dl.AccountID, &dl.Target, &dl.Content, &dl.Error,
			&dl.CreatedAt, &resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		if resolved.Valid {
			dl.ResolvedAt = resolved.Int64
		}

		dls = append(dls, dl)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return dls, nil
}

// ResolveDeadLetter marks a dead letter as handled.
func (s *Store) ResolveDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE dead_letters SET resolved_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter not found: %s", id)
	}

	return nil
}
