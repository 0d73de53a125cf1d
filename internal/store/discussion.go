package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

// DiscussionSettings is the runtime copy of spec.md §3's
// DiscussionSettings, seeded from config.DiscussionSettingsSpec and
// never mutated by a runner — only a config reload rewrites it.
type DiscussionSettings struct {
	PipelineID                string
	TargetChat                string
	SourcePipelineName        string
	KMin, KMax                int
	ReplyToReplyProbability   float64
	ActivityWindowsWeekdays   []config.TimeWindow
	ActivityWindowsWeekends   []config.TimeWindow
	Timezone                  string
	MinIntervalMinutes        int
	MaxIntervalMinutes        int
	InactivityPauseMinutes    int
	MaxAutoRepliesPerChatPerDay int
	UserReplyMaxAgeMinutes    int
}

func (s *Store) UpsertDiscussionSettings(d DiscussionSettings) error {
	weekdaysJSON, err := marshalWindows(d.ActivityWindowsWeekdays)
	if err != nil {
		return err
	}
	weekendsJSON, err := marshalWindows(d.ActivityWindowsWeekends)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO discussion_settings (pipeline_id, target_chat, source_pipeline_name, k_min, k_max,
			reply_to_reply_probability, activity_windows_weekdays_json, activity_windows_weekends_json, tz,
			min_interval_minutes, max_interval_minutes, inactivity_pause_minutes,
			max_auto_replies_per_chat_per_day, user_reply_max_age_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			target_chat = excluded.target_chat,
			source_pipeline_name = excluded.source_pipeline_name,
			k_min = excluded.k_min,
			k_max = excluded.k_max,
			reply_to_reply_probability = excluded.reply_to_reply_probability,
			activity_windows_weekdays_json = excluded.activity_windows_weekdays_json,
			activity_windows_weekends_json = excluded.activity_windows_weekends_json,
			tz = excluded.tz,
			min_interval_minutes = excluded.min_interval_minutes,
			max_interval_minutes = excluded.max_interval_minutes,
			inactivity_pause_minutes = excluded.inactivity_pause_minutes,
			max_auto_replies_per_chat_per_day = excluded.max_auto_replies_per_chat_per_day,
			user_reply_max_age_minutes = excluded.user_reply_max_age_minutes
	`, d.PipelineID, d.TargetChat, d.SourcePipelineName, d.KMin, d.KMax, d.ReplyToReplyProbability,
		weekdaysJSON, weekendsJSON, d.Timezone, d.MinIntervalMinutes, d.MaxIntervalMinutes,
		d.InactivityPauseMinutes, d.MaxAutoRepliesPerChatPerDay, d.UserReplyMaxAgeMinutes)
	if err != nil {
		return fmt.Errorf("upsert discussion settings %s: %w", d.PipelineID, err)
	}
	return nil
}

func (s *Store) GetDiscussionSettings(pipelineID string) (DiscussionSettings, error) {
	row := s.db.QueryRow(`
		SELECT pipeline_id, target_chat, source_pipeline_name, k_min, k_max, reply_to_reply_probability,
			activity_windows_weekdays_json, activity_windows_weekends_json, tz,
			min_interval_minutes, max_interval_minutes, inactivity_pause_minutes,
			max_auto_replies_per_chat_per_day, user_reply_max_age_minutes
		FROM discussion_settings WHERE pipeline_id = ?
	`, pipelineID)

	var d DiscussionSettings
	var weekdaysJSON, weekendsJSON sql.NullString
	err := row.Scan(&d.PipelineID, &d.TargetChat, &d.SourcePipelineName, &d.KMin, &d.KMax, &d.ReplyToReplyProbability,
		&weekdaysJSON, &weekendsJSON, &d.Timezone, &d.MinIntervalMinutes, &d.MaxIntervalMinutes,
		&d.InactivityPauseMinutes, &d.MaxAutoRepliesPerChatPerDay, &d.UserReplyMaxAgeMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return DiscussionSettings{}, ErrNotFound
	}
	if err != nil {
		return DiscussionSettings{}, err
	}
	d.ActivityWindowsWeekdays, err = config.ParseActivityWindows(weekdaysJSON.String)
	if err != nil {
		return DiscussionSettings{}, fmt.Errorf("parse weekday windows: %w", err)
	}
	d.ActivityWindowsWeekends, err = config.ParseActivityWindows(weekendsJSON.String)
	if err != nil {
		return DiscussionSettings{}, fmt.Errorf("parse weekend windows: %w", err)
	}
	return d, nil
}

func marshalWindows(windows []config.TimeWindow) (string, error) {
	if len(windows) == 0 {
		return "", nil
	}
	pairs := make([][2]string, len(windows))
	for i, w := range windows {
		pairs[i] = [2]string{formatHHMM(w.Start), formatHHMM(w.End)}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("marshal activity windows: %w", err)
	}
	return string(b), nil
}

func formatHHMM(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}

// RecentTopics is the JSON payload of discussion_state's
// recent_topics_json column: the rolling dedup/topic memory spec.md
// §4.5's newest-candidate-preservation rule operates on.
type RecentTopics struct {
	Topics       []string `json:"topics"`
	Fingerprints []string `json:"fingerprints"`
}

// DiscussionState is the mutable per-pipeline cursor for a DISCUSSION
// pipeline (spec.md §3).
type DiscussionState struct {
	PipelineID             string
	QuestionMessageID      *int64
	QuestionCreatedAt      *time.Time
	ExpiresAt              *time.Time
	RepliesPlanned         int
	RepliesSent            int
	LastBotReplyAt         *time.Time
	LastReplyParentID      *int64
	LastBotReplyMessageID  *int64
	LastSourcePostID       *int64
	LastSourcePostAt       *time.Time
	RecentTopics           RecentTopics
	NextDueAt              *time.Time
}

func (s *Store) GetOrInitDiscussionState(pipelineID string) (DiscussionState, error) {
	st, err := s.GetDiscussionState(pipelineID)
	if errors.Is(err, ErrNotFound) {
		st = DiscussionState{PipelineID: pipelineID, RecentTopics: RecentTopics{Topics: []string{}, Fingerprints: []string{}}}
		if err := s.SaveDiscussionState(st); err != nil {
			return DiscussionState{}, err
		}
		return st, nil
	}
	return st, err
}

func (s *Store) GetDiscussionState(pipelineID string) (DiscussionState, error) {
	row := s.db.QueryRow(`
		SELECT pipeline_id, question_message_id, question_created_at, expires_at, replies_planned, replies_sent,
			last_bot_reply_at, last_reply_parent_id, last_bot_reply_message_id, last_source_post_id,
			last_source_post_at, recent_topics_json, next_due_at
		FROM discussion_state WHERE pipeline_id = ?
	`, pipelineID)

	var st DiscussionState
	var questionCreatedAt, expiresAt, lastBotReplyAt, lastSourcePostAt, nextDueAt sql.NullString
	var questionMessageID, lastReplyParentID, lastBotReplyMessageID, lastSourcePostID sql.NullInt64
	var recentTopicsJSON string

	err := row.Scan(&st.PipelineID, &questionMessageID, &questionCreatedAt, &expiresAt, &st.RepliesPlanned,
		&st.RepliesSent, &lastBotReplyAt, &lastReplyParentID, &lastBotReplyMessageID, &lastSourcePostID,
		&lastSourcePostAt, &recentTopicsJSON, &nextDueAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DiscussionState{}, ErrNotFound
	}
	if err != nil {
		return DiscussionState{}, err
	}

	st.QuestionMessageID = nullInt64Ptr(questionMessageID)
	st.LastReplyParentID = nullInt64Ptr(lastReplyParentID)
	st.LastBotReplyMessageID = nullInt64Ptr(lastBotReplyMessageID)
	st.LastSourcePostID = nullInt64Ptr(lastSourcePostID)

	if st.QuestionCreatedAt, err = nullTimePtr(questionCreatedAt); err != nil {
		return DiscussionState{}, err
	}
	if st.ExpiresAt, err = nullTimePtr(expiresAt); err != nil {
		return DiscussionState{}, err
	}
	if st.LastBotReplyAt, err = nullTimePtr(lastBotReplyAt); err != nil {
		return DiscussionState{}, err
	}
	if st.LastSourcePostAt, err = nullTimePtr(lastSourcePostAt); err != nil {
		return DiscussionState{}, err
	}
	if st.NextDueAt, err = nullTimePtr(nextDueAt); err != nil {
		return DiscussionState{}, err
	}

	if err := json.Unmarshal([]byte(recentTopicsJSON), &st.RecentTopics); err != nil {
		return DiscussionState{}, fmt.Errorf("unmarshal recent_topics_json: %w", err)
	}
	return st, nil
}

func (s *Store) SaveDiscussionState(st DiscussionState) error {
	recentTopicsJSON, err := json.Marshal(st.RecentTopics)
	if err != nil {
		return fmt.Errorf("marshal recent topics: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO discussion_state (pipeline_id, question_message_id, question_created_at, expires_at,
			replies_planned, replies_sent, last_bot_reply_at, last_reply_parent_id, last_bot_reply_message_id,
			last_source_post_id, last_source_post_at, recent_topics_json, next_due_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			question_message_id = excluded.question_message_id,
			question_created_at = excluded.question_created_at,
			expires_at = excluded.expires_at,
			replies_planned = excluded.replies_planned,
			replies_sent = excluded.replies_sent,
			last_bot_reply_at = excluded.last_bot_reply_at,
			last_reply_parent_id = excluded.last_reply_parent_id,
			last_bot_reply_message_id = excluded.last_bot_reply_message_id,
			last_source_post_id = excluded.last_source_post_id,
			last_source_post_at = excluded.last_source_post_at,
			recent_topics_json = excluded.recent_topics_json,
			next_due_at = excluded.next_due_at
	`, st.PipelineID, st.QuestionMessageID, timePtrStr(st.QuestionCreatedAt), timePtrStr(st.ExpiresAt),
		st.RepliesPlanned, st.RepliesSent, timePtrStr(st.LastBotReplyAt), st.LastReplyParentID,
		st.LastBotReplyMessageID, st.LastSourcePostID, timePtrStr(st.LastSourcePostAt), string(recentTopicsJSON),
		timePtrStr(st.NextDueAt))
	if err != nil {
		return fmt.Errorf("save discussion state %s: %w", st.PipelineID, err)
	}
	return nil
}

// DiscussionReply is one planned or sent reply (spec.md §3), covering
// both "bot discusses bot" replies (Kind=ReplyKindBot) and replies to a
// live human message (Kind=ReplyKindUser).
type DiscussionReply struct {
	ID                string
	PipelineID        string
	Kind              string
	ChatID            string
	AccountName       string
	ReplyText         string
	SendAt            time.Time
	Status            string
	ReplyToMessageID  *int64
	SourceMessageAt   *time.Time
	SentAt            *time.Time
	CancelledReason   string
	InsertedSeq       int64
}

const (
	ReplyKindBot  = "BOT"
	ReplyKindUser = "USER"

	ReplyStatusPending   = "pending"
	ReplyStatusSent      = "sent"
	ReplyStatusCancelled = "cancelled"
)

// EnqueueDiscussionReply schedules a reply, assigning InsertedSeq as one
// more than the pipeline's current maximum so Due-reply ordering is
// deterministic even when two replies share SendAt (spec.md §4.5 step
// "send in planned order").
func (s *Store) EnqueueDiscussionReply(r DiscussionReply) (string, error) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = ReplyStatusPending
	}
	res, err := s.db.Exec(`
		INSERT INTO discussion_replies (id, pipeline_id, kind, chat_id, account_name, reply_text, send_at,
			status, reply_to_message_id, source_message_at, sent_at, cancelled_reason, inserted_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(inserted_seq), 0) + 1 FROM discussion_replies WHERE pipeline_id = ?))
	`, r.ID, r.PipelineID, r.Kind, r.ChatID, r.AccountName, r.ReplyText, r.SendAt.UTC().Format(time.RFC3339),
		r.Status, r.ReplyToMessageID, timePtrStr(r.SourceMessageAt), timePtrStr(r.SentAt), r.CancelledReason, r.PipelineID)
	if err != nil {
		return "", fmt.Errorf("enqueue discussion reply for %s: %w", r.PipelineID, err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return "", err
	}
	return r.ID, nil
}

// DueReplies returns pending replies with SendAt <= asOf, in send
// order, the queue internal/pipelined's reply sub-phase drains each
// tick.
func (s *Store) DueReplies(pipelineID string, asOf time.Time) ([]DiscussionReply, error) {
	rows, err := s.db.Query(`
		SELECT id, pipeline_id, kind, chat_id, account_name, reply_text, send_at, status,
			reply_to_message_id, source_message_at, sent_at, cancelled_reason, inserted_seq
		FROM discussion_replies
		WHERE pipeline_id = ? AND status = ? AND send_at <= ?
		ORDER BY send_at, inserted_seq
	`, pipelineID, ReplyStatusPending, asOf.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("due replies for %s: %w", pipelineID, err)
	}
	defer rows.Close()
	return scanDiscussionReplies(rows)
}

// MarkReplySent transitions a reply to sent and stamps sent_at. The
// platform message ID of the sent reply is not stored on the reply row;
// it belongs to DiscussionState.LastBotReplyMessageID.
func (s *Store) MarkReplySent(id string, sentAt time.Time) error {
	_, err := s.db.Exec(`UPDATE discussion_replies SET status = ?, sent_at = ? WHERE id = ?`,
		ReplyStatusSent, sentAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark reply %s sent: %w", id, err)
	}
	return nil
}

// CancelReply transitions a pending reply to cancelled (spec.md
// §4.5's "a closer human reply arrives, cancel the stale plan" rule).
func (s *Store) CancelReply(id, reason string) error {
	_, err := s.db.Exec(`UPDATE discussion_replies SET status = ?, cancelled_reason = ? WHERE id = ? AND status = ?`,
		ReplyStatusCancelled, reason, id, ReplyStatusPending)
	if err != nil {
		return fmt.Errorf("cancel reply %s: %w", id, err)
	}
	return nil
}

// CancelPendingRepliesTo cancels every still-pending reply targeting
// parentMessageID, used when a fresher human reply supersedes them.
func (s *Store) CancelPendingRepliesTo(pipelineID string, parentMessageID int64, reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE discussion_replies SET status = ?, cancelled_reason = ?
		WHERE pipeline_id = ? AND status = ? AND reply_to_message_id = ?
	`, ReplyStatusCancelled, reason, pipelineID, ReplyStatusPending, parentMessageID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending replies to %d: %w", parentMessageID, err)
	}
	return res.RowsAffected()
}

func scanDiscussionReplies(rows *sql.Rows) ([]DiscussionReply, error) {
	var out []DiscussionReply
	for rows.Next() {
		var r DiscussionReply
		var sendAt string
		var replyToMessageID sql.NullInt64
		var sourceMessageAt, sentAt, cancelledReason sql.NullString
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.Kind, &r.ChatID, &r.AccountName, &r.ReplyText, &sendAt,
			&r.Status, &replyToMessageID, &sourceMessageAt, &sentAt, &cancelledReason, &r.InsertedSeq); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, sendAt)
		if err != nil {
			return nil, fmt.Errorf("parse send_at: %w", err)
		}
		r.SendAt = t
		r.ReplyToMessageID = nullInt64Ptr(replyToMessageID)
		r.CancelledReason = cancelledReason.String
		if r.SourceMessageAt, err = nullTimePtr(sourceMessageAt); err != nil {
			return nil, err
		}
		if r.SentAt, err = nullTimePtr(sentAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DiscussionBotWeight is spec.md §3's weighted-participation record:
// how often each account participates in a DISCUSSION pipeline's
// self-conversation, with a daily cap and a per-account cooldown.
type DiscussionBotWeight struct {
	PipelineID     string
	AccountName    string
	Weight         float64
	DailyLimit     int
	CooldownMin    int
	UsedToday      int
	UsedTodayDate  string
	LastUsedAt     *time.Time
}

func (s *Store) UpsertDiscussionBotWeight(w DiscussionBotWeight) error {
	_, err := s.db.Exec(`
		INSERT INTO discussion_bot_weights (pipeline_id, account_name, weight, daily_limit, cooldown_min,
			used_today, used_today_date, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id, account_name) DO UPDATE SET
			weight = excluded.weight,
			daily_limit = excluded.daily_limit,
			cooldown_min = excluded.cooldown_min,
			used_today = excluded.used_today,
			used_today_date = excluded.used_today_date,
			last_used_at = excluded.last_used_at
	`, w.PipelineID, w.AccountName, w.Weight, w.DailyLimit, w.CooldownMin, w.UsedToday, w.UsedTodayDate, timePtrStr(w.LastUsedAt))
	if err != nil {
		return fmt.Errorf("upsert discussion bot weight %s/%s: %w", w.PipelineID, w.AccountName, err)
	}
	return nil
}

// ListDiscussionBotWeights returns every participating account's
// weight record for a pipeline, the pool internal/pipelined's
// weighted-pick draws the next replying account from.
func (s *Store) ListDiscussionBotWeights(pipelineID string) ([]DiscussionBotWeight, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_id, account_name, weight, daily_limit, cooldown_min, used_today, used_today_date, last_used_at
		FROM discussion_bot_weights WHERE pipeline_id = ?
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list bot weights for %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []DiscussionBotWeight
	for rows.Next() {
		var w DiscussionBotWeight
		var lastUsedAt sql.NullString
		if err := rows.Scan(&w.PipelineID, &w.AccountName, &w.Weight, &w.DailyLimit, &w.CooldownMin,
			&w.UsedToday, &w.UsedTodayDate, &lastUsedAt); err != nil {
			return nil, err
		}
		var err2 error
		if w.LastUsedAt, err2 = nullTimePtr(lastUsedAt); err2 != nil {
			return nil, err2
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ChatState is spec.md §3's per-pipeline live-chat cursor for P2 scans.
type ChatState struct {
	PipelineID         string
	ChatID             string
	LastSeenMessageID  *int64
	LastHumanMessageAt *time.Time
	RepliesToday       int
	RepliesTodayDate   string
	NextScanAt         *time.Time
}

func (s *Store) GetOrInitChatState(pipelineID, chatID string) (ChatState, error) {
	row := s.db.QueryRow(`
		SELECT pipeline_id, chat_id, last_seen_message_id, last_human_message_at, replies_today, replies_today_date, next_scan_at
		FROM chat_states WHERE pipeline_id = ?
	`, pipelineID)

	var cs ChatState
	var lastSeen sql.NullInt64
	var lastHuman, nextScan sql.NullString
	err := row.Scan(&cs.PipelineID, &cs.ChatID, &lastSeen, &lastHuman, &cs.RepliesToday, &cs.RepliesTodayDate, &nextScan)
	if errors.Is(err, sql.ErrNoRows) {
		cs = ChatState{PipelineID: pipelineID, ChatID: chatID}
		if err := s.SaveChatState(cs); err != nil {
			return ChatState{}, err
		}
		return cs, nil
	}
	if err != nil {
		return ChatState{}, err
	}
	cs.LastSeenMessageID = nullInt64Ptr(lastSeen)
	if cs.LastHumanMessageAt, err = nullTimePtr(lastHuman); err != nil {
		return ChatState{}, err
	}
	if cs.NextScanAt, err = nullTimePtr(nextScan); err != nil {
		return ChatState{}, err
	}
	return cs, nil
}

func (s *Store) SaveChatState(cs ChatState) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_states (pipeline_id, chat_id, last_seen_message_id, last_human_message_at,
			replies_today, replies_today_date, next_scan_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			last_seen_message_id = excluded.last_seen_message_id,
			last_human_message_at = excluded.last_human_message_at,
			replies_today = excluded.replies_today,
			replies_today_date = excluded.replies_today_date,
			next_scan_at = excluded.next_scan_at
	`, cs.PipelineID, cs.ChatID, cs.LastSeenMessageID, timePtrStr(cs.LastHumanMessageAt),
		cs.RepliesToday, cs.RepliesTodayDate, timePtrStr(cs.NextScanAt))
	if err != nil {
		return fmt.Errorf("save chat state %s: %w", cs.PipelineID, err)
	}
	return nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	x := v.Int64
	return &x
}

func nullTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

func timePtrStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
