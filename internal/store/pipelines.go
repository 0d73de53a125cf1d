package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pipeline is the runtime record of spec.md §3's Pipeline entity.
type Pipeline struct {
	ID             string
	Name           string
	AccountName    string
	Enabled        bool
	Destination    string
	Mode           string
	Type           string
	IntervalSec    int
	BlackboxEveryN int
}

// PipelineSource is one (pipelineId, channel) source binding with its
// last-seen watermark, per spec.md §3's uniqueness constraint on
// (pipelineId, channel).
type PipelineSource struct {
	PipelineID        string
	Channel           string
	LastSeenMessageID *int64
}

// PipelineState is the scheduler-owned cursor for round-robin source
// rotation and per-pipeline counters (spec.md §3).
type PipelineState struct {
	PipelineID         string
	CurrentSourceIndex int
	TotalPosts         int64
	LastRunAt          *time.Time
}

// UpsertPipeline inserts or replaces a pipeline declaration. Pipeline
// rows are keyed by a generated ID, but Name is the human-facing
// unique identity spec.md requires; callers resolve ID via
// GetPipelineByName when reconciling a config reload against existing
// state.
func (s *Store) UpsertPipeline(p Pipeline) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO pipelines (id, name, account_name, enabled, destination, mode, type, interval_sec, blackbox_every_n)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			account_name = excluded.account_name,
			enabled = excluded.enabled,
			destination = excluded.destination,
			mode = excluded.mode,
			type = excluded.type,
			interval_sec = excluded.interval_sec,
			blackbox_every_n = excluded.blackbox_every_n
	`, p.ID, p.Name, p.AccountName, p.Enabled, p.Destination, p.Mode, p.Type, p.IntervalSec, p.BlackboxEveryN)
	if err != nil {
		return fmt.Errorf("upsert pipeline %q: %w", p.Name, err)
	}
	return nil
}

func (s *Store) GetPipelineByName(name string) (Pipeline, error) {
	row := s.db.QueryRow(`
		SELECT id, name, account_name, enabled, destination, mode, type, interval_sec, blackbox_every_n
		FROM pipelines WHERE name = ?
	`, name)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pipeline{}, ErrNotFound
	}
	return p, err
}

// ListEnabledPipelines returns every pipeline with enabled=true, the
// set the scheduler iterates each tick (spec.md §4.12).
func (s *Store) ListEnabledPipelines() ([]Pipeline, error) {
	rows, err := s.db.Query(`
		SELECT id, name, account_name, enabled, destination, mode, type, interval_sec, blackbox_every_n
		FROM pipelines WHERE enabled = 1 ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list enabled pipelines: %w", err)
	}
	defer rows.Close()

	var out []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPipeline(row rowScanner) (Pipeline, error) {
	var p Pipeline
	if err := row.Scan(&p.ID, &p.Name, &p.AccountName, &p.Enabled, &p.Destination, &p.Mode, &p.Type, &p.IntervalSec, &p.BlackboxEveryN); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// UpsertPipelineSource records a source channel binding, preserving
// LastSeenMessageID unless an explicit value is supplied (pass nil to
// leave the existing watermark untouched on a config-reload re-seed).
func (s *Store) UpsertPipelineSource(src PipelineSource) error {
	_, err := s.db.Exec(`
		INSERT INTO pipeline_sources (pipeline_id, channel, last_seen_message_id)
		VALUES (?, ?, ?)
		ON CONFLICT(pipeline_id, channel) DO UPDATE SET
			last_seen_message_id = COALESCE(excluded.last_seen_message_id, pipeline_sources.last_seen_message_id)
	`, src.PipelineID, src.Channel, src.LastSeenMessageID)
	if err != nil {
		return fmt.Errorf("upsert pipeline source %s/%s: %w", src.PipelineID, src.Channel, err)
	}
	return nil
}

// SetSourceWatermark advances the last-seen message ID for a source
// after a successful fetch (spec.md §4.10 step 2).
func (s *Store) SetSourceWatermark(pipelineID, channel string, messageID int64) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_sources SET last_seen_message_id = ? WHERE pipeline_id = ? AND channel = ?
	`, messageID, pipelineID, channel)
	if err != nil {
		return fmt.Errorf("set source watermark %s/%s: %w", pipelineID, channel, err)
	}
	return nil
}

// ListPipelineSources returns a pipeline's sources in insertion order,
// the order round-robin selection rotates through.
func (s *Store) ListPipelineSources(pipelineID string) ([]PipelineSource, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_id, channel, last_seen_message_id FROM pipeline_sources
		WHERE pipeline_id = ? ORDER BY rowid
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list pipeline sources %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []PipelineSource
	for rows.Next() {
		var src PipelineSource
		var lastSeen sql.NullInt64
		if err := rows.Scan(&src.PipelineID, &src.Channel, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			v := lastSeen.Int64
			src.LastSeenMessageID = &v
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// GetOrInitPipelineState loads a pipeline's scheduler cursor, creating
// a zeroed one on first access.
func (s *Store) GetOrInitPipelineState(pipelineID string) (PipelineState, error) {
	row := s.db.QueryRow(`
		SELECT pipeline_id, current_source_index, total_posts, last_run_at
		FROM pipeline_state WHERE pipeline_id = ?
	`, pipelineID)
	st, err := scanPipelineState(row)
	if errors.Is(err, sql.ErrNoRows) {
		st = PipelineState{PipelineID: pipelineID}
		if err := s.SavePipelineState(st); err != nil {
			return PipelineState{}, err
		}
		return st, nil
	}
	return st, err
}

// SavePipelineState persists the scheduler cursor after a run.
func (s *Store) SavePipelineState(st PipelineState) error {
	var lastRunAt any
	if st.LastRunAt != nil {
		lastRunAt = st.LastRunAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_state (pipeline_id, current_source_index, total_posts, last_run_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			current_source_index = excluded.current_source_index,
			total_posts = excluded.total_posts,
			last_run_at = excluded.last_run_at
	`, st.PipelineID, st.CurrentSourceIndex, st.TotalPosts, lastRunAt)
	if err != nil {
		return fmt.Errorf("save pipeline state %s: %w", st.PipelineID, err)
	}
	return nil
}

func scanPipelineState(row rowScanner) (PipelineState, error) {
	var st PipelineState
	var lastRunAt sql.NullString
	if err := row.Scan(&st.PipelineID, &st.CurrentSourceIndex, &st.TotalPosts, &lastRunAt); err != nil {
		return PipelineState{}, err
	}
	if lastRunAt.Valid && lastRunAt.String != "" {
		t, err := time.Parse(time.RFC3339, lastRunAt.String)
		if err != nil {
			return PipelineState{}, fmt.Errorf("parse last_run_at: %w", err)
		}
		st.LastRunAt = &t
	}
	return st, nil
}
