package dedup

// Candidate is one discussion-seed candidate under consideration by
// Pipeline-D's P1 phase (spec.md §4.11.2). Index 0 is defined by the
// caller as the oldest, and the last entry as the newest — the slot
// the "always preserve newest" rule protects.
type Candidate struct {
	Text   string
	Topics []string
}

// FilterPreservingNewest removes every candidate for which exclude
// returns true, except it never removes the last (newest) candidate —
// spec.md §4.11.2's rule that the freshly published post always
// remains a viable discussion seed even if it would otherwise be
// filtered by topic overlap, fingerprint, or BM25 similarity. Callers
// are responsible for ordering candidates oldest-first so the last
// entry is in fact the newest.
//
// Three of Pipeline-D's four filter steps (recent-topics overlap,
// fingerprint ring, BM25) call this once each with their own exclude
// predicate, chaining the surviving slice into the next filter. The
// fourth, lastSourcePostId, is a hard exclusion applied separately
// before this chain runs — spec.md §9 never lets the post a pipeline
// just finished discussing come back as a candidate, even when it's
// the only one fetched.
func FilterPreservingNewest(candidates []Candidate, exclude func(Candidate) bool) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}

	lastIdx := len(candidates) - 1
	kept := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if i == lastIdx || !exclude(c) {
			kept = append(kept, c)
		}
	}
	return kept
}

// TopicsOverlap reports whether candidateTopics intersects
// recentTopics (spec.md §4.11.2's "candidate topics intersect
// recentTopics" filter).
func TopicsOverlap(candidateTopics, recentTopics []string) bool {
	if len(candidateTopics) == 0 || len(recentTopics) == 0 {
		return false
	}
	recent := make(map[string]bool, len(recentTopics))
	for _, t := range recentTopics {
		recent[t] = true
	}
	for _, t := range candidateTopics {
		if recent[t] {
			return true
		}
	}
	return false
}
