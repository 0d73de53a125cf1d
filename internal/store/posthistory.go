package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PostHistoryEntry is one published post (spec.md §3's PostHistory),
// the corpus the dedup component's fingerprint ring and BM25 scan
// both draw their recent-window from.
type PostHistoryEntry struct {
	ID                 string
	PipelineID         string
	Text               string
	CreatedAt          time.Time
	DestinationChannel string
	ChannelMessageID   *int64
}

// RecordPost appends a post to history (spec.md §4.10 step 9).
func (s *Store) RecordPost(e PostHistoryEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO post_history (id, pipeline_id, text, created_at, destination_channel, channel_message_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.PipelineID, e.Text, e.CreatedAt.UTC().Format(time.RFC3339), e.DestinationChannel, e.ChannelMessageID)
	if err != nil {
		return fmt.Errorf("record post for pipeline %s: %w", e.PipelineID, err)
	}
	return nil
}

// RecentPosts returns up to limit of the pipeline's most recently
// published posts, newest first — the window the dedup component
// scans against.
func (s *Store) RecentPosts(pipelineID string, limit int) ([]PostHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, pipeline_id, text, created_at, destination_channel, channel_message_id
		FROM post_history WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT ?
	`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent posts for pipeline %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []PostHistoryEntry
	for rows.Next() {
		var e PostHistoryEntry
		var createdAt string
		var channelMessageID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.Text, &createdAt, &e.DestinationChannel, &channelMessageID); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse post_history.created_at: %w", err)
		}
		e.CreatedAt = t
		if channelMessageID.Valid {
			v := channelMessageID.Int64
			e.ChannelMessageID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory deletes all but the window most recent posts for a
// pipeline (spec.md §4.10 step 9's "prune history to window W").
func (s *Store) PruneHistory(pipelineID string, window int) error {
	_, err := s.db.Exec(`
		DELETE FROM post_history
		WHERE pipeline_id = ? AND id NOT IN (
			SELECT id FROM post_history WHERE pipeline_id = ?
			ORDER BY created_at DESC LIMIT ?
		)
	`, pipelineID, pipelineID, window)
	if err != nil {
		return fmt.Errorf("prune history for pipeline %s: %w", pipelineID, err)
	}
	return nil
}
