package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

// ErrNotFound is returned by single-row lookups when no matching row
// exists.
var ErrNotFound = errors.New("store: not found")

// Account is the runtime-persisted half of spec.md §3's Account
// entity: the declared reader/writer credentials plus fields observed
// or mutated while the service runs (flood-wait deadline, resolved
// platform identity).
type Account struct {
	Name                      string
	Reader                    config.Credentials
	Writer                    *config.Credentials
	BehaviorLevel             int
	SystemPromptChat          string
	DiscussionActivityPercent float64
	UserReplyActivityPercent  float64
	UserID                    string
	Username                  string
	FloodWaitUntil            *time.Time
}

// UpsertAccount inserts or replaces an account row, encrypting the
// credential blobs if the Store was opened with an encryption key.
// Declared fields (credentials, behavior, percentages) come from
// config.AccountSpec at startup; observed fields (UserID, Username,
// FloodWaitUntil) are preserved across re-seeding by the caller
// copying them forward before calling UpsertAccount again.
func (s *Store) UpsertAccount(a Account) error {
	readerJSON, err := json.Marshal(a.Reader)
	if err != nil {
		return fmt.Errorf("marshal reader credentials: %w", err)
	}
	readerBlob, err := s.protect(readerJSON)
	if err != nil {
		return fmt.Errorf("encrypt reader credentials: %w", err)
	}

	var writerBlob []byte
	if a.Writer != nil {
		writerJSON, err := json.Marshal(a.Writer)
		if err != nil {
			return fmt.Errorf("marshal writer credentials: %w", err)
		}
		writerBlob, err = s.protect(writerJSON)
		if err != nil {
			return fmt.Errorf("encrypt writer credentials: %w", err)
		}
	}

	var floodWaitUntil any
	if a.FloodWaitUntil != nil {
		floodWaitUntil = a.FloodWaitUntil.UTC().Format(time.RFC3339)
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (name, reader_blob, writer_blob, behavior_level, system_prompt_chat,
			discussion_activity_pct, reply_activity_pct, user_id, username, flood_wait_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			reader_blob = excluded.reader_blob,
			writer_blob = excluded.writer_blob,
			behavior_level = excluded.behavior_level,
			system_prompt_chat = excluded.system_prompt_chat,
			discussion_activity_pct = excluded.discussion_activity_pct,
			reply_activity_pct = excluded.reply_activity_pct,
			user_id = excluded.user_id,
			username = excluded.username,
			flood_wait_until = excluded.flood_wait_until
	`, a.Name, readerBlob, writerBlob, a.BehaviorLevel, a.SystemPromptChat,
		a.DiscussionActivityPercent, a.UserReplyActivityPercent, a.UserID, a.Username, floodWaitUntil)
	if err != nil {
		return fmt.Errorf("upsert account %q: %w", a.Name, err)
	}
	return nil
}

// GetAccount loads one account by name, decrypting its credentials.
func (s *Store) GetAccount(name string) (Account, error) {
	row := s.db.QueryRow(`
		SELECT name, reader_blob, writer_blob, behavior_level, system_prompt_chat,
			discussion_activity_pct, reply_activity_pct, user_id, username, flood_wait_until
		FROM accounts WHERE name = ?
	`, name)
	return s.scanAccountRow(row)
}

// ListAccounts returns every configured account, ordered by name.
func (s *Store) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT name, reader_blob, writer_blob, behavior_level, system_prompt_chat,
			discussion_activity_pct, reply_activity_pct, user_id, username, flood_wait_until
		FROM accounts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetFloodWaitUntil records an observed flood-wait deadline for an
// account (spec.md §4.2/§4.13). Passing a nil deadline clears it.
func (s *Store) SetFloodWaitUntil(name string, until *time.Time) error {
	var v any
	if until != nil {
		v = until.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`UPDATE accounts SET flood_wait_until = ? WHERE name = ?`, v, name)
	if err != nil {
		return fmt.Errorf("set flood wait for %q: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccountRow(row rowScanner) (Account, error) {
	a, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *Store) scanAccount(row rowScanner) (Account, error) {
	var a Account
	var readerBlob, writerBlob []byte
	var systemPromptChat, userID, username, floodWaitUntil sql.NullString

	if err := row.Scan(&a.Name, &readerBlob, &writerBlob, &a.BehaviorLevel, &systemPromptChat,
		&a.DiscussionActivityPercent, &a.UserReplyActivityPercent, &userID, &username, &floodWaitUntil); err != nil {
		return Account{}, err
	}

	readerJSON, err := s.reveal(readerBlob)
	if err != nil {
		return Account{}, fmt.Errorf("decrypt reader credentials for %q: %w", a.Name, err)
	}
	if err := json.Unmarshal(readerJSON, &a.Reader); err != nil {
		return Account{}, fmt.Errorf("unmarshal reader credentials for %q: %w", a.Name, err)
	}

	if len(writerBlob) > 0 {
		writerJSON, err := s.reveal(writerBlob)
		if err != nil {
			return Account{}, fmt.Errorf("decrypt writer credentials for %q: %w", a.Name, err)
		}
		var w config.Credentials
		if err := json.Unmarshal(writerJSON, &w); err != nil {
			return Account{}, fmt.Errorf("unmarshal writer credentials for %q: %w", a.Name, err)
		}
		a.Writer = &w
	}

	a.SystemPromptChat = systemPromptChat.String
	a.UserID = userID.String
	a.Username = username.String
	if floodWaitUntil.Valid && floodWaitUntil.String != "" {
		t, err := time.Parse(time.RFC3339, floodWaitUntil.String)
		if err != nil {
			return Account{}, fmt.Errorf("parse flood_wait_until for %q: %w", a.Name, err)
		}
		a.FloodWaitUntil = &t
	}
	return a, nil
}

// WriterCredentials returns the effective writer credentials, falling
// back to the reader's when no separate writer is configured, mirroring
// config.AccountSpec.WriterCredentials.
func (a Account) WriterCredentials() config.Credentials {
	if a.Writer != nil {
		return *a.Writer
	}
	return a.Reader
}
