package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Persona is spec.md §3's per-account voice profile, consumed by
// internal/persona's Registry and internal/llm's ForAccount decorator.
// Rows can be rewritten with UpsertPersona while the service runs (per
// SPEC_FULL.md's supplemented persona feature); nothing in the service
// itself calls UpsertPersona, and it loads personas once at startup via
// persona.Registry.Reload.
type Persona struct {
	AccountName        string
	Tone               string
	Verbosity          string
	StyleHint          string
	Topics             []string
	TopicPriority      float64
	OfftopicTolerance  float64
}

func (s *Store) UpsertPersona(p Persona) error {
	topicsJSON, err := json.Marshal(p.Topics)
	if err != nil {
		return fmt.Errorf("marshal persona topics: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO personas (account_name, tone, verbosity, style_hint, topics_json, topic_priority, offtopic_tolerance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_name) DO UPDATE SET
			tone = excluded.tone,
			verbosity = excluded.verbosity,
			style_hint = excluded.style_hint,
			topics_json = excluded.topics_json,
			topic_priority = excluded.topic_priority,
			offtopic_tolerance = excluded.offtopic_tolerance
	`, p.AccountName, p.Tone, p.Verbosity, p.StyleHint, string(topicsJSON), p.TopicPriority, p.OfftopicTolerance)
	if err != nil {
		return fmt.Errorf("upsert persona %s: %w", p.AccountName, err)
	}
	return nil
}

func (s *Store) GetPersona(accountName string) (Persona, error) {
	row := s.db.QueryRow(`
		SELECT account_name, tone, verbosity, style_hint, topics_json, topic_priority, offtopic_tolerance
		FROM personas WHERE account_name = ?
	`, accountName)

	var p Persona
	var styleHint sql.NullString
	var topicsJSON string
	err := row.Scan(&p.AccountName, &p.Tone, &p.Verbosity, &styleHint, &topicsJSON, &p.TopicPriority, &p.OfftopicTolerance)
	if errors.Is(err, sql.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	if err != nil {
		return Persona{}, err
	}
	p.StyleHint = styleHint.String
	if err := json.Unmarshal([]byte(topicsJSON), &p.Topics); err != nil {
		return Persona{}, fmt.Errorf("unmarshal persona topics for %s: %w", accountName, err)
	}
	return p, nil
}

func (s *Store) ListPersonas() ([]Persona, error) {
	rows, err := s.db.Query(`
		SELECT account_name, tone, verbosity, style_hint, topics_json, topic_priority, offtopic_tolerance
		FROM personas ORDER BY account_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		var styleHint sql.NullString
		var topicsJSON string
		if err := rows.Scan(&p.AccountName, &p.Tone, &p.Verbosity, &styleHint, &topicsJSON, &p.TopicPriority, &p.OfftopicTolerance); err != nil {
			return nil, err
		}
		p.StyleHint = styleHint.String
		if err := json.Unmarshal([]byte(topicsJSON), &p.Topics); err != nil {
			return nil, fmt.Errorf("unmarshal persona topics for %s: %w", p.AccountName, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PersonaOverride is the display name / grammatical gender fallback
// used by internal/textproc's gender-grammar-fix when a Persona
// doesn't declare one explicitly (spec.md §4.9 / SPEC_FULL supplemented
// feature).
type PersonaOverride struct {
	AccountName string
	DisplayName string
	Gender      string // "male" | "female" | "unknown"
}

func (s *Store) UpsertPersonaOverride(o PersonaOverride) error {
	if o.Gender == "" {
		o.Gender = "unknown"
	}
	_, err := s.db.Exec(`
		INSERT INTO persona_overrides (account_name, display_name, gender)
		VALUES (?, ?, ?)
		ON CONFLICT(account_name) DO UPDATE SET
			display_name = excluded.display_name,
			gender = excluded.gender
	`, o.AccountName, o.DisplayName, o.Gender)
	if err != nil {
		return fmt.Errorf("upsert persona override %s: %w", o.AccountName, err)
	}
	return nil
}

func (s *Store) GetPersonaOverride(accountName string) (PersonaOverride, error) {
	row := s.db.QueryRow(`SELECT account_name, display_name, gender FROM persona_overrides WHERE account_name = ?`, accountName)
	var o PersonaOverride
	if err := row.Scan(&o.AccountName, &o.DisplayName, &o.Gender); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PersonaOverride{}, ErrNotFound
		}
		return PersonaOverride{}, err
	}
	return o, nil
}
