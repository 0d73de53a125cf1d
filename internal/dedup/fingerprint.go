package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	fpURLPattern    = regexp.MustCompile(`https?://\S+|t\.me/\S+|www\.\S+`)
	fpHandlePattern = regexp.MustCompile(`@\w+`)
	fpTagPattern    = regexp.MustCompile(`#\w+`)
	fpSpacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeForFingerprint implements spec.md §4.6's fingerprint
// normalization: lowercase; strip URLs, @handles, #tags; digits→0;
// collapse whitespace; truncate to 800 characters.
func NormalizeForFingerprint(text string) string {
	s := foldCase(text)
	s = fpURLPattern.ReplaceAllString(s, "")
	s = fpHandlePattern.ReplaceAllString(s, "")
	s = fpTagPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '0'
		}
		return r
	}, s)
	s = fpSpacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > 800 {
		runes = runes[:800]
	}
	return string(runes)
}

// Fingerprint returns the 16-hex-char SHA-256 fingerprint of text
// after NormalizeForFingerprint (spec.md §4.6, §8's
// `topicFingerprint(text) == topicFingerprint(normalize(text))`
// idempotence property).
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeForFingerprint(text)))
	return hex.EncodeToString(sum[:])[:16]
}

// Ring is a bounded per-discussion-state fingerprint cache backed by
// an LRU (grounded on other_examples' DiscordAIChatbot use of
// hashicorp/golang-lru/v2 for its own bounded recency cache). Callers
// persist its contents via Snapshot/LoadSnapshot into
// store.RecentTopics.Fingerprints — the Ring itself is a runtime
// lookup convenience, not the source of truth.
type Ring struct {
	cache *lru.Cache[string, struct{}]
	size  int
}

// NewRing creates a Ring bounded to size entries (default 10 per
// spec.md §4.6).
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 10
	}
	cache, _ := lru.New[string, struct{}](size)
	return &Ring{cache: cache, size: size}
}

// LoadSnapshot repopulates the ring from a persisted fingerprint list,
// oldest first, so the most recently added entries remain the
// "freshest" under LRU eviction.
func (r *Ring) LoadSnapshot(fingerprints []string) {
	r.cache.Purge()
	for _, fp := range fingerprints {
		r.cache.Add(fp, struct{}{})
	}
}

// Snapshot returns the ring's current contents in LRU order (oldest
// first), the shape persisted back to store.RecentTopics.Fingerprints.
func (r *Ring) Snapshot() []string {
	keys := r.cache.Keys()
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Contains reports whether fp is currently in the ring.
func (r *Ring) Contains(fp string) bool {
	return r.cache.Contains(fp)
}

// Add records fp as seen, evicting the oldest entry if the ring is
// full.
func (r *Ring) Add(fp string) {
	r.cache.Add(fp, struct{}{})
}
