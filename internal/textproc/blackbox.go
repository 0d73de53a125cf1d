package textproc

import (
	"strings"
	"unicode"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
)

// BlackboxTag is the marker that selects the visual-distortion effect
// (spec.md §4.9). Callers strip it from output regardless of whether
// the effect actually fired.
const BlackboxTag = "[BLACKBOX]"

// BlackboxOptions mirrors config.BlackboxConfig's tunables.
type BlackboxOptions struct {
	MinWordLen int
	Ratio      float64
	DistortMin int
	DistortMax int
}

// HasBlackboxTag reports whether text starts with BlackboxTag
// (ignoring leading whitespace).
func HasBlackboxTag(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), BlackboxTag)
}

// StripBlackboxTag removes a leading BlackboxTag from text, the
// unconditional part of spec.md §4.9's rule ("strip the [BLACKBOX] tag
// from output").
func StripBlackboxTag(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, BlackboxTag) {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, BlackboxTag))
	}
	return text
}

// wordToken is one maximal run of same-kind runes: either a letter run
// (a candidate word, isWord true) or a separator run. Concatenating
// every token's runes in order reconstructs the original text exactly.
type wordToken struct {
	isWord bool
	runes  []rune
}

// ApplyBlackboxDistortion implements spec.md §4.9's visual-distortion
// effect: pick words of length ≥ MinWordLen, select roughly Ratio of
// them under a 1-gap spacing constraint (a chosen word blocks its
// immediate neighbors among eligible words from also being chosen),
// then flip the case of DistortMin..DistortMax random letters inside
// each selected word. The transformation never changes text length.
func ApplyBlackboxDistortion(c *clock.Clock, text string, opt BlackboxOptions) string {
	tokens := splitWordTokens(text)

	var eligible []int // indices into tokens, referring to word tokens only
	for i, tok := range tokens {
		if tok.isWord && len(tok.runes) >= opt.MinWordLen {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return text
	}

	target := int(float64(len(eligible))*opt.Ratio + 0.5)
	if target < 1 {
		target = 1
	}

	order := make([]int, len(eligible))
	copy(order, eligible)
	clock.Shuffle(c, order)

	chosen := make(map[int]bool, target)
	blocked := make(map[int]bool, target*2)
	eligiblePos := make(map[int]int, len(eligible))
	for pos, idx := range eligible {
		eligiblePos[idx] = pos
	}

	for _, idx := range order {
		if len(chosen) >= target {
			break
		}
		if blocked[idx] {
			continue
		}
		chosen[idx] = true

		pos := eligiblePos[idx]
		if pos > 0 {
			blocked[eligible[pos-1]] = true
		}
		if pos < len(eligible)-1 {
			blocked[eligible[pos+1]] = true
		}
	}

	for idx := range chosen {
		distortWord(c, tokens[idx].runes, opt.DistortMin, opt.DistortMax)
	}

	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(string(tok.runes))
	}
	return b.String()
}

// splitWordTokens splits text into a sequence of tokens, alternating
// letter-runs (word tokens, isWord true) and everything else
// (separator tokens), preserving exact reconstruction via
// concatenation.
func splitWordTokens(text string) []wordToken {
	var tokens []wordToken
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if unicode.IsLetter(runes[i]) {
			j := i
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				j++
			}
			tokens = append(tokens, wordToken{isWord: true, runes: append([]rune(nil), runes[i:j]...)})
			i = j
			continue
		}
		j := i
		for j < len(runes) && !unicode.IsLetter(runes[j]) {
			j++
		}
		tokens = append(tokens, wordToken{isWord: false, runes: append([]rune(nil), runes[i:j]...)})
		i = j
	}
	return tokens
}

// distortWord flips the case of a random count of distinct letters
// within word, bounded by [distortMin, distortMax] and the word's own
// length, mutating word in place.
func distortWord(c *clock.Clock, word []rune, distortMin, distortMax int) {
	if len(word) == 0 {
		return
	}
	lo, hi := distortMin, distortMax
	if hi > len(word) {
		hi = len(word)
	}
	if lo > hi {
		lo = hi
	}
	if lo < 1 {
		lo = 1
	}
	count := c.RandInt(lo, hi)

	positions := make([]int, len(word))
	for i := range positions {
		positions[i] = i
	}
	clock.Shuffle(c, positions)

	for i := 0; i < count && i < len(positions); i++ {
		p := positions[i]
		r := word[p]
		switch {
		case unicode.IsUpper(r):
			word[p] = unicode.ToLower(r)
		case unicode.IsLower(r):
			word[p] = unicode.ToUpper(r)
		}
	}
}
