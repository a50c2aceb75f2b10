package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gateway_sessions (
		account_id        TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL DEFAULT '',
		last_seq          INTEGER NOT NULL DEFAULT 0,
		last_connected_at INTEGER NOT NULL DEFAULT 0,
		intent_level      INTEGER NOT NULL DEFAULT 0,
		saved_at          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS known_users (
		account_id TEXT NOT NULL,
		open_id    TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL DEFAULT '',
		first_seen INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL,
		messages   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_id, open_id)
	);

	CREATE INDEX IF NOT EXISTS idx_known_users_seen ON known_users(account_id, last_seen);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		account_id  TEXT NOT NULL,
		target      TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_open ON dead_letters(account_id, created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}
