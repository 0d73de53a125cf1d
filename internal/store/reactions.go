package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Reaction budget scopes (spec.md §4.11.5): three independent counters
// that must never share a row, even for the same account/pipeline.
const (
	ReactionScopeChannelPost = "channel_post"
	ReactionScopeChat        = "chat"
	ReactionScopeAdmin       = "admin"
)

// ReactionUsage is one (scope, pipeline, account, target) counter row.
// TargetID holds the source post's message ID for
// ReactionScopeChannelPost and the chat ID for ReactionScopeChat, so
// every row counts one account's reactions to one target.
type ReactionUsage struct {
	Scope         string
	PipelineID    string
	AccountName   string
	TargetID      string
	UsedToday     int
	UsedTodayDate string
	LastUsedAt    *time.Time
}

// GetReactionUsage returns the counter row, or a zero-valued
// ReactionUsage with ErrNotFound if the scope/pipeline/account/target
// combination has never recorded a reaction.
func (s *Store) GetReactionUsage(scope, pipelineID, accountName, targetID string) (ReactionUsage, error) {
	row := s.db.QueryRow(`
		SELECT scope, pipeline_id, account_name, target_id, used_today, used_today_date, last_used_at
		FROM reaction_usage WHERE scope = ? AND pipeline_id = ? AND account_name = ? AND target_id = ?
	`, scope, pipelineID, accountName, targetID)

	var u ReactionUsage
	var lastUsedAt sql.NullString
	err := row.Scan(&u.Scope, &u.PipelineID, &u.AccountName, &u.TargetID, &u.UsedToday, &u.UsedTodayDate, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReactionUsage{}, ErrNotFound
	}
	if err != nil {
		return ReactionUsage{}, err
	}
	if u.LastUsedAt, err = nullTimePtr(lastUsedAt); err != nil {
		return ReactionUsage{}, err
	}
	return u, nil
}

// UpsertReactionUsage writes back a counter row the caller has already
// evaluated against its daily cap and cooldown (the policy decision
// itself lives in internal/pipelined, not here).
func (s *Store) UpsertReactionUsage(u ReactionUsage) error {
	_, err := s.db.Exec(`
		INSERT INTO reaction_usage (scope, pipeline_id, account_name, target_id, used_today, used_today_date, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, pipeline_id, account_name, target_id) DO UPDATE SET
			used_today = excluded.used_today,
			used_today_date = excluded.used_today_date,
			last_used_at = excluded.last_used_at
	`, u.Scope, u.PipelineID, u.AccountName, u.TargetID, u.UsedToday, u.UsedTodayDate, timePtrStr(u.LastUsedAt))
	if err != nil {
		return fmt.Errorf("upsert reaction usage %s/%s/%s/%s: %w", u.Scope, u.PipelineID, u.AccountName, u.TargetID, err)
	}
	return nil
}

// CountReactionsToday sums used_today across every account that has
// reacted to targetID under scope today, the primitive the per-post
// daily cap (spec.md §4.11.5) needs — MaxReactionsPerPostPerDay is a
// cross-account total, while each account's own row for the same
// target carries the count DailyLimitPerBot is checked against.
func (s *Store) CountReactionsToday(scope, pipelineID, targetID, today string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(used_today) FROM reaction_usage
		WHERE scope = ? AND pipeline_id = ? AND target_id = ? AND used_today_date = ?
	`, scope, pipelineID, targetID, today).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count reactions today for %s/%s/%s: %w", scope, pipelineID, targetID, err)
	}
	return int(total.Int64), nil
}
