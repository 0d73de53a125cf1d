// Package usage provides persistent LLM token/cost accounting. Every
// call through the LLM Port appends one Record here; the store backs
// both ad-hoc querying (SummaryByModel, etc.) and the append-only TSV
// export required by the external-interface contract.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

// Record is a single LLM interaction's token usage and cost, shaped to
// match the external TSV contract column-for-column.
type Record struct {
	ID           string
	Timestamp    time.Time
	TextModel    string
	InputTokens  int
	OutputTokens int
	TextCostUSD  float64
	ImageModel   string
	ImageTokens  int
	ImageCount   int
	ImageCostUSD float64
	PostText     string
}

// TotalTokens is InputTokens + OutputTokens, the value the TSV export
// reports in its total_tokens column.
func (r Record) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// Store is an append-only SQLite store for LLM usage records, with an
// optional TSV tee for the external observability contract. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	tsv *tsvWriter
}

// NewStore creates a usage store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// WithTSV attaches an append-only TSV tee at path, matching the
// external-interface column contract in spec.md §6. Opens (or creates)
// the file and writes a header row if the file is new.
func (s *Store) WithTSV(path string) error {
	w, err := newTSVWriter(path)
	if err != nil {
		return err
	}
	s.tsv = w
	return nil
}

// Close closes the database connection and any TSV tee.
func (s *Store) Close() error {
	if s.tsv != nil {
		s.tsv.Close()
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		text_model      TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		text_cost_usd   REAL NOT NULL,
		image_model     TEXT,
		image_tokens    INTEGER NOT NULL DEFAULT 0,
		image_count     INTEGER NOT NULL DEFAULT 0,
		image_cost_usd  REAL NOT NULL DEFAULT 0,
		post_text       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(text_model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record and tees it to the TSV file if one is
// configured. If rec.ID is empty, a UUIDv7 is generated. The context is
// used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, text_model, input_tokens, output_tokens, text_cost_usd,
			 image_model, image_tokens, image_count, image_cost_usd, post_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.TextModel,
		rec.InputTokens,
		rec.OutputTokens,
		rec.TextCostUSD,
		rec.ImageModel,
		rec.ImageTokens,
		rec.ImageCount,
		rec.ImageCostUSD,
		rec.PostText,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	if s.tsv != nil {
		if err := s.tsv.Append(rec); err != nil {
			return fmt.Errorf("tsv append: %w", err)
		}
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(text_cost_usd), 0) + COALESCE(SUM(image_cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-text-model aggregated totals for records
// within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT text_model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		        COALESCE(SUM(text_cost_usd),0) + COALESCE(SUM(image_cost_usd),0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY text_model
		 ORDER BY 5 DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
