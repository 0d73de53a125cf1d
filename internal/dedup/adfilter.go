package dedup

import (
	"regexp"
	"strings"
)

// defaultAdKeywords is the fixed Russian ad-keyword set, grounded on
// original_source/project_root/config.py's AD_KEYWORDS list.
var defaultAdKeywords = []string{
	"реклама", "промокод", "скидка", "акция", "подпишись", "переходи по ссылке",
	"жми", "успей купить", "только сегодня", "заказать", "купить со скидкой",
	"ссылка в описании", "пишите в лс", "напишите в личные сообщения",
}

var urlPattern = regexp.MustCompile(`https?://\S+|t\.me/\S+|www\.\S+`)
var currencyPattern = regexp.MustCompile(`[0-9]+\s?(₽|руб|usd|\$|€)`)
var percentPattern = regexp.MustCompile(`[0-9]+\s?%`)

// AdFilter scores a text against keyword, URL, and currency/percent
// signals (spec.md §4.6's ad heuristic).
type AdFilter struct {
	keywords  []string
	threshold int
}

// NewAdFilter builds an AdFilter with the fixed keyword set plus any
// config-supplied extras, matching config.Config.AdFilterExtraKeywords.
func NewAdFilter(extraKeywords []string, threshold int) *AdFilter {
	if threshold <= 0 {
		threshold = 3
	}
	kws := make([]string, 0, len(defaultAdKeywords)+len(extraKeywords))
	kws = append(kws, defaultAdKeywords...)
	kws = append(kws, extraKeywords...)
	return &AdFilter{keywords: kws, threshold: threshold}
}

// Score returns the heuristic ad score for text: one point per
// keyword match, one per URL occurrence, one per currency/percent
// pattern occurrence.
func (f *AdFilter) Score(text string) int {
	lower := foldCase(text)
	score := 0
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	score += len(urlPattern.FindAllString(text, -1))
	score += len(currencyPattern.FindAllString(lower, -1))
	score += len(percentPattern.FindAllString(lower, -1))
	return score
}

// IsAd reports whether text's score meets or exceeds the configured
// threshold.
func (f *AdFilter) IsAd(text string) bool {
	return f.Score(text) >= f.threshold
}
