package textproc

import (
	"strings"
	"unicode"
)

// GrammarPrefixChars is how much of the reply's start the gender
// grammar fix is applied to (spec.md §4.9).
const GrammarPrefixChars = 80

type grammarRule struct {
	words       []string
	replacement string
}

func rule(phrase, replacement string) grammarRule {
	return grammarRule{words: strings.Fields(phrase), replacement: replacement}
}

// femaleReplacements turns male grammatical forms into female ones,
// longest-phrase-first, ported from
// original_source/project_root/grammar_fix.py's _FEMALE_REPLACEMENTS.
var femaleReplacements = []grammarRule{
	rule("не согласен", "не согласна"),
	rule("Не согласен", "Не согласна"),
	rule("не уверен", "не уверена"),
	rule("Не уверен", "Не уверена"),
	rule("не удивлён", "не удивлена"),
	rule("Не удивлён", "Не удивлена"),
	rule("не удивлен", "не удивлена"),
	rule("Не удивлен", "Не удивлена"),
	rule("бы сказал", "бы сказала"),
	rule("Бы сказал", "Бы сказала"),
	rule("бы уточнил", "бы уточнила"),
	rule("бы поспорил", "бы поспорила"),
	rule("бы добавил", "бы добавила"),
	rule("бы отметил", "бы отметила"),
	rule("бы подумал", "бы подумала"),
	rule("бы считал", "бы считала"),
	rule("бы хотел", "бы хотела"),
	rule("бы сделал", "бы сделала"),
	rule("бы решил", "бы решила"),
	rule("бы написал", "бы написала"),
	rule("бы ответил", "бы ответила"),
	rule("бы согласился", "бы согласилась"),
	rule("бы думал", "бы думала"),
	rule("Сказал бы", "Сказала бы"),
	rule("сказал бы", "сказала бы"),
	rule("Уточнил бы", "Уточнила бы"),
	rule("Поспорил бы", "Поспорила бы"),
	rule("Добавил бы", "Добавила бы"),
	rule("Подумал бы", "Подумала бы"),
	rule("согласен", "согласна"),
	rule("Согласен", "Согласна"),
	rule("уверен", "уверена"),
	rule("Уверен", "Уверена"),
	rule("удивлён", "удивлена"),
	rule("Удивлён", "Удивлена"),
	rule("удивлен", "удивлена"),
	rule("Удивлен", "Удивлена"),
	rule("готов", "готова"),
	rule("Готов", "Готова"),
	rule("прав", "права"),
	rule("Прав", "Права"),
}

// maleReplacements turns female grammatical forms into male ones,
// ported from grammar_fix.py's _MALE_REPLACEMENTS.
var maleReplacements = []grammarRule{
	rule("не согласна", "не согласен"),
	rule("Не согласна", "Не согласен"),
	rule("не уверена", "не уверен"),
	rule("Не уверена", "Не уверен"),
	rule("не удивлена", "не удивлён"),
	rule("Не удивлена", "Не удивлён"),
	rule("бы сказала", "бы сказал"),
	rule("бы уточнила", "бы уточнил"),
	rule("бы поспорила", "бы поспорил"),
	rule("бы добавила", "бы добавил"),
	rule("бы отметила", "бы отметил"),
	rule("бы подумала", "бы подумал"),
	rule("бы считала", "бы считал"),
	rule("бы хотела", "бы хотел"),
	rule("бы сделала", "бы сделал"),
	rule("бы решила", "бы решил"),
	rule("бы написала", "бы написал"),
	rule("бы ответила", "бы ответил"),
	rule("бы согласилась", "бы согласился"),
	rule("бы думала", "бы думал"),
	rule("Сказала бы", "Сказал бы"),
	rule("сказала бы", "сказал бы"),
	rule("Уточнила бы", "Уточнил бы"),
	rule("Поспорила бы", "Поспорил бы"),
	rule("Добавила бы", "Добавил бы"),
	rule("Подумала бы", "Подумал бы"),
	rule("согласна", "согласен"),
	rule("Согласна", "Согласен"),
	rule("уверена", "уверен"),
	rule("Уверена", "Уверен"),
	rule("удивлена", "удивлён"),
	rule("Удивлена", "Удивлён"),
	rule("готова", "готов"),
	rule("Готова", "Готов"),
	rule("права", "прав"),
	rule("Права", "Прав"),
}

// FixGenderGrammar applies the gender grammar fix to text's first
// GrammarPrefixChars characters (spec.md §4.9). gender must be "male"
// or "female"; any other value (including "unknown") returns text
// unchanged with changed=false — the Persona Registry's invariant for
// an unrecognized gender.
//
// Word-boundary matching here is hand-rolled on adjacent runes rather
// than regexp's `\b`, because Go's RE2 engine treats `\b` as an ASCII
// word-boundary (based on `[0-9A-Za-z_]`) and would silently fail to
// respect boundaries around Cyrillic words — letting a rule corrupt a
// substring like "прав" inside "справедливо".
func FixGenderGrammar(text, gender string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return text, false
	}
	if gender != "male" && gender != "female" {
		return text, false
	}

	runes := []rune(text)
	cut := GrammarPrefixChars
	if cut > len(runes) {
		cut = len(runes)
	}
	prefix, rest := string(runes[:cut]), string(runes[cut:])

	rules := femaleReplacements
	if gender == "male" {
		rules = maleReplacements
	}

	fixed := prefix
	for _, r := range rules {
		fixed = applyGrammarRule(fixed, r)
	}

	newText := fixed + rest
	return newText, newText != text
}

func applyGrammarRule(text string, r grammarRule) string {
	runes := []rune(text)
	n := len(runes)

	var out []rune
	i := 0
	for i < n {
		if end, ok := matchWords(runes, i, r.words); ok {
			leftOK := i == 0 || !isGrammarWordRune(runes[i-1])
			rightOK := end == n || !isGrammarWordRune(runes[end])
			if leftOK && rightOK {
				out = append(out, []rune(r.replacement)...)
				i = end
				continue
			}
		}
		out = append(out, runes[i])
		i++
	}
	return string(out)
}

// matchWords reports whether words (already space-split) occur at
// runes[pos:], separated by one or more whitespace runes, mirroring
// the original regex's `\s+` between words.
func matchWords(runes []rune, pos int, words []string) (int, bool) {
	idx := pos
	for wi, w := range words {
		wr := []rune(w)
		if idx+len(wr) > len(runes) || string(runes[idx:idx+len(wr)]) != w {
			return 0, false
		}
		idx += len(wr)

		if wi < len(words)-1 {
			start := idx
			for idx < len(runes) && unicode.IsSpace(runes[idx]) {
				idx++
			}
			if idx == start {
				return 0, false
			}
		}
	}
	return idx, true
}

func isGrammarWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
