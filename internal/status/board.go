// Package status implements the Status Board (C12): an in-memory
// record of each pipeline's last-known publish state for an admin
// surface, per spec.md §4.13. It is intentionally the simplest
// component in the system — a mutex-guarded map, no persistence, no
// expiry — grounded on the same "small synchronized struct, nil-safe
// where it matters" shape as internal/ratelimit.Broker.
package status

import (
	"sort"
	"sync"
	"time"
)

// Category identifies which half of a pipeline's cycle an entry
// describes, spec.md §4.13's pipeline1 (publish/P1) and pipeline2
// (P2 live-reply) categories.
type Category string

const (
	CategoryPipeline1 Category = "pipeline1"
	CategoryPipeline2 Category = "pipeline2"
)

// Entry is one (pipelineID, category) status record.
type Entry struct {
	PipelineID string
	Category   Category
	State      string
	Progress   *float64
	NextAt     *time.Time
	Message    string
	UpdatedAt  time.Time
}

type key struct {
	pipelineID string
	category   Category
}

// Board holds the latest Entry for every (pipelineID, category) pair
// seen so far. The zero value is not usable; construct with NewBoard.
// Stale entries are never expired automatically — spec.md §4.13 is
// explicit that this is the admin surface's job to interpret, not the
// board's to enforce.
type Board struct {
	mu      sync.Mutex
	entries map[key]Entry
	onSet   func(Entry)
}

// NewBoard creates an empty Board. onSet, if non-nil, is called
// (outside the board's lock) after every Set — the scheduler wires
// this to push a snapshot over the status WebSocket without the board
// needing to know anything about HTTP or websockets itself.
func NewBoard(onSet func(Entry)) *Board {
	return &Board{entries: make(map[key]Entry), onSet: onSet}
}

// Set records or replaces the entry for (pipelineID, category).
func (b *Board) Set(pipelineID string, category Category, state string, progress *float64, nextAt *time.Time, message string) {
	e := Entry{
		PipelineID: pipelineID,
		Category:   category,
		State:      state,
		Progress:   progress,
		NextAt:     nextAt,
		Message:    message,
		UpdatedAt:  time.Now(),
	}

	b.mu.Lock()
	b.entries[key{pipelineID, category}] = e
	b.mu.Unlock()

	if b.onSet != nil {
		b.onSet(e)
	}
}

// List returns a snapshot of every entry, ordered by pipeline ID then
// category for deterministic admin-UI rendering.
func (b *Board) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PipelineID != out[j].PipelineID {
			return out[i].PipelineID < out[j].PipelineID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Get returns the current entry for (pipelineID, category), and
// whether one has ever been Set.
func (b *Board) Get(pipelineID string, category Category) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key{pipelineID, category}]
	return e, ok
}
