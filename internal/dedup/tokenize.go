// Package dedup is the Dedup Engine (C6): BM25 similarity against a
// sliding per-pipeline corpus, an ad-keyword/pattern heuristic, and a
// normalized-text fingerprint ring for DISCUSSION anti-repeat.
package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords is the fixed Russian stopword list tokens are dropped
// against before scoring (spec.md §4.6).
var stopwords = map[string]bool{
	"и": true, "в": true, "во": true, "не": true, "что": true, "он": true,
	"на": true, "я": true, "с": true, "со": true, "как": true, "а": true,
	"то": true, "все": true, "она": true, "так": true, "его": true, "но": true,
	"да": true, "ты": true, "к": true, "у": true, "же": true, "вы": true,
	"за": true, "бы": true, "по": true, "только": true, "ее": true, "мне": true,
	"было": true, "вот": true, "от": true, "меня": true, "еще": true, "нет": true,
	"о": true, "из": true, "ему": true, "теперь": true, "когда": true, "даже": true,
	"ну": true, "вдруг": true, "ли": true, "если": true, "уже": true, "или": true,
	"ни": true, "быть": true, "был": true, "него": true, "до": true, "вас": true,
	"нибудь": true, "опять": true, "уж": true, "вам": true, "ведь": true, "там": true,
	"потом": true, "себя": true, "ничего": true, "ей": true, "может": true, "они": true,
	"тут": true, "где": true, "есть": true, "надо": true, "ней": true, "для": true,
	"мы": true, "тебя": true, "их": true, "чем": true, "была": true, "сам": true,
	"чтоб": true, "без": true, "будто": true, "чего": true, "раз": true, "тоже": true,
	"себе": true, "под": true, "будет": true, "ж": true, "тогда": true, "кто": true,
	"этот": true, "того": true, "потому": true, "этого": true, "какой": true, "совсем": true,
	"ним": true, "здесь": true, "этом": true, "один": true, "почти": true, "мой": true,
	"тем": true, "чтобы": true, "нее": true, "сейчас": true, "были": true, "куда": true,
	"зачем": true, "всех": true, "никогда": true, "можно": true, "при": true, "наконец": true,
	"два": true, "об": true, "другой": true, "хоть": true, "после": true, "над": true,
	"больше": true, "тот": true, "через": true, "эти": true, "нас": true, "про": true,
	"всего": true, "них": true, "какая": true, "много": true, "разве": true, "три": true,
	"эту": true, "моя": true, "впрочем": true, "хорошо": true, "свою": true, "этой": true,
	"перед": true, "иногда": true, "лучше": true, "чуть": true, "том": true, "нельзя": true,
	"такой": true, "им": true, "более": true, "всегда": true, "конечно": true, "всю": true, "между": true,
}

// tokenize lowercases, splits on runs of Cyrillic/Latin letters, and
// drops stopwords and tokens of length ≤3 (spec.md §4.6).
func tokenize(text string) []string {
	folded := foldCase(text)

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		if len([]rune(tok)) <= 3 {
			return
		}
		if stopwords[tok] {
			return
		}
		tokens = append(tokens, tok)
	}

	for _, r := range folded {
		if isWordRune(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.Is(unicode.Cyrillic, r) || unicode.Is(unicode.Latin, r) || unicode.IsDigit(r)
}

// foldCase performs Unicode-aware lowercasing plus NFC normalization,
// grounded on golang.org/x/text's transform pipeline pattern (the
// DiscordAIChatbot example uses the same package for message
// normalization before token comparison).
func foldCase(s string) string {
	t := transform.Chain(norm.NFC, runes.Map(unicode.ToLower))
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}
