package dedup

import "math"

// BM25 parameters, the conventional Okapi BM25 defaults (k1 controls
// term-frequency saturation, b controls length normalization).
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Corpus is a sliding per-pipeline window of previously published
// texts, the unit Similar scores a candidate against (spec.md
// §4.6's "last W published texts per pipeline").
type Corpus struct {
	docs   [][]string // pre-tokenized documents
	avgLen float64
	df     map[string]int // document frequency per term
}

// NewCorpus builds a Corpus from raw texts, tokenizing and indexing
// document frequencies once so MaxScore can be called repeatedly
// without re-tokenizing the whole window per candidate.
func NewCorpus(texts []string) *Corpus {
	c := &Corpus{df: make(map[string]int)}
	var totalLen int
	for _, t := range texts {
		toks := tokenize(t)
		c.docs = append(c.docs, toks)
		totalLen += len(toks)
		seen := make(map[string]bool, len(toks))
		for _, tok := range toks {
			if !seen[tok] {
				c.df[tok]++
				seen[tok] = true
			}
		}
	}
	if len(c.docs) > 0 {
		c.avgLen = float64(totalLen) / float64(len(c.docs))
	}
	return c
}

// MaxScore returns the highest BM25 score of candidate against any
// single document in the corpus. The candidate itself must already be
// excluded from the corpus by the caller (spec.md §4.6's self-match
// guard) — NewCorpus is built from history *excluding* the candidate.
func (c *Corpus) MaxScore(candidate string) float64 {
	queryTerms := tokenize(candidate)
	if len(queryTerms) == 0 || len(c.docs) == 0 {
		return 0
	}

	n := float64(len(c.docs))
	var maxScore float64
	for _, doc := range c.docs {
		score := bm25Score(queryTerms, doc, c.df, n, c.avgLen)
		if score > maxScore {
			maxScore = score
		}
	}
	return maxScore
}

func bm25Score(queryTerms, doc []string, df map[string]int, n, avgLen float64) float64 {
	tf := make(map[string]int, len(doc))
	for _, tok := range doc {
		tf[tok]++
	}
	docLen := float64(len(doc))

	var score float64
	for _, term := range queryTerms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		d := float64(df[term])
		if d == 0 {
			d = 1
		}
		idf := math.Log(1 + (n-d+0.5)/(d+0.5))
		denom := f + bm25K1*(1-bm25B+bm25B*docLen/avgLenOrOne(avgLen))
		score += idf * (f * (bm25K1 + 1)) / denom
	}
	return score
}

func avgLenOrOne(avgLen float64) float64 {
	if avgLen == 0 {
		return 1
	}
	return avgLen
}

// Similar reports whether candidate's max BM25 score against history
// meets or exceeds threshold (spec.md §4.6, default θ=8.5). Any history
// entry identical to candidate is excluded before scoring — spec.md
// §8's self-match guard, enforced here rather than left entirely to
// the caller since MaxScore's own guard only holds if history was
// built correctly upstream.
func Similar(candidate string, history []string, threshold float64) bool {
	filtered := make([]string, 0, len(history))
	for _, h := range history {
		if h == candidate {
			continue
		}
		filtered = append(filtered, h)
	}
	corpus := NewCorpus(filtered)
	return corpus.MaxScore(candidate) >= threshold
}
