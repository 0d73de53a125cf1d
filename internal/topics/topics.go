// Package topics is the Topic Extractor (C7): a deterministic
// substring-to-tag lexicon used both for persona topic bias (spec.md
// §4.10) and discussion recent-topics anti-repeat (§4.6, §4.11.2).
package topics

import "strings"

// entry maps one word-stem substring to the tag it implies, e.g.
// "экономик" matches "экономика", "экономический".
type entry struct {
	stem string
	tag  string
}

// lexicon is the fixed Russian/English keyword table, grounded on
// original_source/project_root/config.py's TOPIC_KEYWORDS mapping.
// Entries are plain substring stems, not regexes — Russian morphology
// makes whole-word boundaries unreliable without a stemmer, which the
// original source doesn't use either.
var lexicon = []entry{
	{"экономик", "economy"},
	{"рубл", "economy"},
	{"доллар", "economy"},
	{"инфляци", "economy"},
	{"нефт", "economy"},
	{"политик", "politics"},
	{"президент", "politics"},
	{"выбор", "politics"},
	{"закон", "politics"},
	{"футбол", "sports"},
	{"хокке", "sports"},
	{"олимпиад", "sports"},
	{"чемпионат", "sports"},
	{"фильм", "entertainment"},
	{"сериал", "entertainment"},
	{"концерт", "entertainment"},
	{"музык", "entertainment"},
	{"технологи", "technology"},
	{"искусственн", "technology"},
	{"компьютер", "technology"},
	{"смартфон", "technology"},
	{"погод", "weather"},
	{"дожд", "weather"},
	{"снег", "weather"},
	{"здоровь", "health"},
	{"болезн", "health"},
	{"врач", "health"},
	{"вакцин", "health"},
	{"война", "conflict"},
	{"военн", "conflict"},
	{"атак", "conflict"},
	{"football", "sports"},
	{"movie", "entertainment"},
	{"weather", "weather"},
	{"technology", "technology"},
	{"economy", "economy"},
}

// maxTags is the output cap spec.md §4.7 specifies (≤8 tags).
const maxTags = 8

// Topics returns the deterministic, lowercased tag set for text,
// capped at maxTags. Order reflects lexicon order, not relevance.
func Topics(text string) []string {
	lower := strings.ToLower(text)

	seen := make(map[string]bool, maxTags)
	var out []string
	for _, e := range lexicon {
		if len(out) >= maxTags {
			break
		}
		if strings.Contains(lower, e.stem) && !seen[e.tag] {
			seen[e.tag] = true
			out = append(out, e.tag)
		}
	}
	return out
}
