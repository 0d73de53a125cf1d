// Package store is the Persistence component (C5): typed, transactional
// access to every entity in spec.md §3, backed by SQLite. Schema
// evolves by additive migrations only (add-column-if-missing guarded
// by PRAGMA table_info, never a rename-in-place), mirroring the
// teacher's scheduler/usage stores. Sessions are short: one per
// scheduler tick or one per runner invocation, never held open across
// a Messaging or LLM Port call.
package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the single persistence handle shared by every runner. All
// methods are safe for concurrent use; SQLite serializes writes. A
// caller that needs one *sql.Tx across several writes opens it on the
// handle returned by DB.
type Store struct {
	db *sql.DB
	// crypt may be nil, in which case credential columns are stored in
	// clear text (acceptable only for local development). Open leaves it
	// nil whenever encryptionKey is empty.
	crypt *credentialCipher
}

// Open creates or opens the SQLite database at dbPath and applies
// every migration. encryptionKey, if non-empty, must be exactly 32
// bytes (chacha20poly1305.KeySize) and enables at-rest encryption of
// Account reader/writer credentials.
func Open(dbPath string, encryptionKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if len(encryptionKey) > 0 {
		c, err := newCredentialCipher(encryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init credential cipher: %w", err)
		}
		s.crypt = c
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (runners) that need to open
// their own short-lived transaction spanning several entity writes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewID generates a UUIDv7 primary key, falling back to UUIDv4 if the
// time-based generator fails (exhausted the per-tick counter), exactly
// as the teacher's scheduler.NewID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// hasColumn checks whether a table already has a column, the guard
// every additive migration uses before ALTER TABLE ... ADD COLUMN.
func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// addColumnIfMissing runs an ALTER TABLE ADD COLUMN only if the column
// is not already present — the additive-migration primitive every
// migrate step below is built from.
func addColumnIfMissing(db *sql.DB, table, column, ddl string) error {
	ok, err := hasColumn(db, table, column)
	if err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	if ok {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		name                        TEXT PRIMARY KEY,
		reader_blob                 BLOB NOT NULL,
		writer_blob                 BLOB,
		behavior_level              INTEGER NOT NULL DEFAULT 1,
		system_prompt_chat          TEXT,
		discussion_activity_pct     REAL NOT NULL DEFAULT 100,
		reply_activity_pct          REAL NOT NULL DEFAULT 100,
		user_id                     TEXT,
		username                    TEXT,
		flood_wait_until            TEXT
	);

	CREATE TABLE IF NOT EXISTS pipelines (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		account_name    TEXT NOT NULL,
		enabled         INTEGER NOT NULL DEFAULT 1,
		destination     TEXT NOT NULL,
		mode            TEXT NOT NULL,
		type            TEXT NOT NULL,
		interval_sec    INTEGER NOT NULL,
		blackbox_every_n INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pipeline_sources (
		pipeline_id         TEXT NOT NULL,
		channel             TEXT NOT NULL,
		last_seen_message_id INTEGER,
		PRIMARY KEY (pipeline_id, channel)
	);

	CREATE TABLE IF NOT EXISTS pipeline_state (
		pipeline_id          TEXT PRIMARY KEY,
		current_source_index INTEGER NOT NULL DEFAULT 0,
		total_posts          INTEGER NOT NULL DEFAULT 0,
		last_run_at          TEXT
	);

	CREATE TABLE IF NOT EXISTS post_history (
		id                  TEXT PRIMARY KEY,
		pipeline_id         TEXT NOT NULL,
		text                TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		destination_channel TEXT,
		channel_message_id  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_post_history_pipeline ON post_history(pipeline_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS discussion_settings (
		pipeline_id                       TEXT PRIMARY KEY,
		target_chat                       TEXT NOT NULL,
		source_pipeline_name              TEXT NOT NULL,
		k_min                             INTEGER NOT NULL,
		k_max                             INTEGER NOT NULL,
		reply_to_reply_probability        REAL NOT NULL DEFAULT 0,
		activity_windows_weekdays_json    TEXT,
		activity_windows_weekends_json    TEXT,
		tz                                TEXT NOT NULL DEFAULT 'UTC',
		min_interval_minutes              INTEGER NOT NULL,
		max_interval_minutes              INTEGER NOT NULL,
		inactivity_pause_minutes          INTEGER NOT NULL DEFAULT 0,
		max_auto_replies_per_chat_per_day INTEGER NOT NULL DEFAULT 0,
		user_reply_max_age_minutes        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS discussion_state (
		pipeline_id               TEXT PRIMARY KEY,
		question_message_id      INTEGER,
		question_created_at      TEXT,
		expires_at                TEXT,
		replies_planned           INTEGER NOT NULL DEFAULT 0,
		replies_sent              INTEGER NOT NULL DEFAULT 0,
		last_bot_reply_at         TEXT,
		last_reply_parent_id      INTEGER,
		last_bot_reply_message_id INTEGER,
		last_source_post_id       INTEGER,
		last_source_post_at       TEXT,
		recent_topics_json        TEXT NOT NULL DEFAULT '{"topics":[],"fingerprints":[]}',
		next_due_at               TEXT
	);

	CREATE TABLE IF NOT EXISTS discussion_replies (
		id                    TEXT PRIMARY KEY,
		pipeline_id           TEXT NOT NULL,
		kind                  TEXT NOT NULL,
		chat_id               TEXT,
		account_name          TEXT NOT NULL,
		reply_text            TEXT NOT NULL,
		send_at               TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		reply_to_message_id   INTEGER,
		source_message_at     TEXT,
		sent_at               TEXT,
		cancelled_reason      TEXT,
		inserted_seq          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_discussion_replies_due ON discussion_replies(pipeline_id, status, send_at, inserted_seq);

	CREATE TABLE IF NOT EXISTS discussion_bot_weights (
		pipeline_id      TEXT NOT NULL,
		account_name     TEXT NOT NULL,
		weight           REAL NOT NULL DEFAULT 1,
		daily_limit      INTEGER NOT NULL DEFAULT 20,
		cooldown_min     INTEGER NOT NULL DEFAULT 10,
		used_today       INTEGER NOT NULL DEFAULT 0,
		used_today_date  TEXT NOT NULL DEFAULT '',
		last_used_at     TEXT,
		PRIMARY KEY (pipeline_id, account_name)
	);

	CREATE TABLE IF NOT EXISTS chat_states (
		pipeline_id            TEXT PRIMARY KEY,
		chat_id                TEXT NOT NULL,
		last_seen_message_id   INTEGER,
		last_human_message_at  TEXT,
		replies_today          INTEGER NOT NULL DEFAULT 0,
		replies_today_date     TEXT NOT NULL DEFAULT '',
		next_scan_at           TEXT
	);

	CREATE TABLE IF NOT EXISTS personas (
		account_name        TEXT PRIMARY KEY,
		tone                TEXT NOT NULL DEFAULT 'neutral',
		verbosity           TEXT NOT NULL DEFAULT 'short',
		style_hint          TEXT,
		topics_json         TEXT NOT NULL DEFAULT '[]',
		topic_priority      REAL NOT NULL DEFAULT 0,
		offtopic_tolerance  REAL NOT NULL DEFAULT 50
	);

	CREATE TABLE IF NOT EXISTS persona_overrides (
		account_name  TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		gender        TEXT NOT NULL DEFAULT 'unknown'
	);

	CREATE TABLE IF NOT EXISTS reaction_usage (
		scope            TEXT NOT NULL,
		pipeline_id      TEXT NOT NULL,
		account_name     TEXT NOT NULL,
		target_id        TEXT NOT NULL DEFAULT '',
		used_today       INTEGER NOT NULL DEFAULT 0,
		used_today_date  TEXT NOT NULL DEFAULT '',
		last_used_at     TEXT,
		PRIMARY KEY (scope, pipeline_id, account_name, target_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations below stand in for schema evolution that
	// happened after the tables above were first created; kept as
	// explicit steps so a future column addition follows the same
	// pattern rather than editing the CREATE TABLE above in place.
	if err := addColumnIfMissing(s.db, "discussion_replies", "inserted_seq", "inserted_seq INTEGER"); err != nil {
		return err
	}
	return nil
}
