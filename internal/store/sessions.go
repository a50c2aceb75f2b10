package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GatewaySession is the persisted resume state for one account.
type GatewaySession struct {
	AccountID       string
	SessionID       string
	LastSeq         int64
	LastConnectedAt int64
	IntentLevel     int
	SavedAt         int64
}

// SaveGatewaySession saves a session record
func (s *Store) SaveGatewaySession(gs *GatewaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gs.SavedAt == 0 {
		gs.SavedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO gateway_sessions (
		account_id, session_id, last_seq, last_connected_at, intent_level, saved_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		gs.AccountID, gs.SessionID, gs.LastSeq,
		gs.LastConnectedAt, gs.IntentLevel, gs.SavedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save gateway session: %w", err)
	}
	return nil
}

// GetGatewaySession retrieves a session record by account ID
func (s *Store) GetGatewaySession(accountID string) (*GatewaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gs := &GatewaySession{}

	query := `
	SELECT account_id, session_id, last_seq, last_connected_at, intent_level, saved_at
	FROM gateway_sessions WHERE account_id = ?
	`

	err := s.db.QueryRow(query, accountID).Scan(
		&gs.AccountID, &gs.SessionID, &gs.LastSeq,
		&gs.LastConnectedAt, &gs.IntentLevel, &gs.SavedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway session: %w", err)
	}

	return gs, nil
}

// DeleteGatewaySession removes the session record for an account
func (s *Store) DeleteGatewaySession(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM gateway_sessions WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete gateway session: %w", err)
	}
	return nil
}

// TouchGatewaySession updates last_connected_at, used on RESUMED where
// the rest of the record is already current.
func (s *Store) TouchGatewaySession(accountID string, connectedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE gateway_sessions SET last_connected_at = ?, saved_at = ? WHERE account_id = ?`
	result, err := s.db.Exec(query, connectedAt, time.Now().UnixMilli(), accountID)
	if err != nil {
		return fmt.Errorf("failed to touch gateway session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("gateway session not found: %s", accountID)
	}

	return nil
}
