// Package persona is the Persona Registry (C8): an in-process view
// over store.Persona/store.PersonaOverride that resolves an account
// name to a human-readable role label plus the structural metadata
// the LLM Port's persona-voiced operations need.
package persona

import (
	"fmt"
	"sort"
	"sync"

	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

var validTones = map[string]bool{
	"neutral": true, "sarcastic": true, "friendly": true, "formal": true,
	"skeptical": true, "enthusiastic": true, "dry": true,
}

var validVerbosity = map[string]bool{
	"short": true, "medium": true, "long": true,
}

// Registry is the in-process map described in spec.md §4.8, hot-
// reloadable via Reload without restarting the service.
type Registry struct {
	mu        sync.RWMutex
	personas  map[string]store.Persona
	overrides map[string]store.PersonaOverride
}

// NewRegistry builds an empty Registry; call Reload to populate it.
func NewRegistry() *Registry {
	return &Registry{
		personas:  make(map[string]store.Persona),
		overrides: make(map[string]store.PersonaOverride),
	}
}

// Reload replaces the in-process map from the Store, the operation a
// config-file watcher calls on change (SPEC_FULL's hot-reload
// supplemented feature).
func (r *Registry) Reload(s *store.Store) error {
	personas, err := s.ListPersonas()
	if err != nil {
		return fmt.Errorf("reload personas: %w", err)
	}

	byName := make(map[string]store.Persona, len(personas))
	overrides := make(map[string]store.PersonaOverride, len(personas))
	for _, p := range personas {
		byName[p.AccountName] = p
		if o, err := s.GetPersonaOverride(p.AccountName); err == nil {
			overrides[p.AccountName] = o
		}
	}

	r.mu.Lock()
	r.personas = byName
	r.overrides = overrides
	r.mu.Unlock()
	return nil
}

// RoleLabel resolves accountName to a human-readable label and its
// structural metadata (spec.md §4.8). Unknown accounts get a neutral
// default persona rather than an error — a runner should always be
// able to speak, even before personas.json is fully populated.
func (r *Registry) RoleLabel(accountName string) (string, llm.PersonaMeta) {
	r.mu.RLock()
	p, hasPersona := r.personas[accountName]
	o, hasOverride := r.overrides[accountName]
	r.mu.RUnlock()

	meta := llm.PersonaMeta{
		DisplayName: accountName,
		Gender:      "unknown",
		Tone:        "neutral",
		Verbosity:   "short",
	}

	if hasOverride {
		if o.DisplayName != "" {
			meta.DisplayName = o.DisplayName
		}
		meta.Gender = normalizeGender(o.Gender)
	}

	if hasPersona {
		meta.Tone = normalizeTone(p.Tone)
		meta.Verbosity = normalizeVerbosity(p.Verbosity)
		meta.Topics = append([]string(nil), p.Topics...)
		meta.TopicPriority = p.TopicPriority
		meta.OfftopicTolerance = p.OfftopicTolerance
	}

	label := meta.DisplayName
	return label, meta
}

// normalizeTone applies spec.md §4.8's validation invariant:
// tone∈VALID_TONES else default "neutral".
func normalizeTone(tone string) string {
	if validTones[tone] {
		return tone
	}
	return "neutral"
}

// normalizeVerbosity applies the matching invariant for verbosity.
func normalizeVerbosity(v string) string {
	if validVerbosity[v] {
		return v
	}
	return "short"
}

// normalizeGender applies gender∈{male,female} else "unknown", which
// callers use to decide whether internal/textproc's gender-grammar fix
// applies at all.
func normalizeGender(g string) string {
	if g == "male" || g == "female" {
		return g
	}
	return "unknown"
}

// ValidTones returns the fixed tone vocabulary, sorted, mainly for
// config validation error messages.
func ValidTones() []string {
	return sortedKeys(validTones)
}

// ValidVerbosity returns the fixed verbosity vocabulary, sorted.
func ValidVerbosity() []string {
	return sortedKeys(validVerbosity)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
