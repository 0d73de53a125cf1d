package dedup

import "testing"

// TestPublishWithBM25Skip is end-to-end scenario 1 from spec.md §8.
func TestPublishWithBM25Skip(t *testing.T) {
	history := []string{"Курс рубля упал на 5%"}
	candidate := "Курс рубля снизился на 5 процентов"

	if !Similar(candidate, history, 8.5) {
		t.Fatal("expected candidate to be BM25-similar to history at θ=8.5")
	}
}

func TestBM25SelfMatchExcluded(t *testing.T) {
	// spec.md §8: Similar(X, [X]) must report "not similar" — a
	// candidate must never be judged similar purely because its own
	// text also appears in the history it's scored against.
	text := "Курс рубля упал на пять процентов сегодня"
	if Similar(text, []string{text}, 8.5) {
		t.Fatal("candidate scored similar to itself via self-match in history")
	}
}

func TestBM25SelfMatchExcludedAmongOtherHistory(t *testing.T) {
	text := "Курс рубля упал на пять процентов сегодня"
	history := []string{"Погода завтра будет солнечной и теплой", text, "Новый фильм вышел в прокат"}
	if Similar(text, history, 8.5) {
		t.Fatal("candidate scored similar to itself despite unrelated history entries")
	}
}

func TestBM25DissimilarTextsScoreLow(t *testing.T) {
	history := []string{"Новый фильм вышел в прокат на этой неделе"}
	candidate := "Погода завтра будет солнечной и теплой"
	if Similar(candidate, history, 8.5) {
		t.Fatal("unrelated texts should not be BM25-similar")
	}
}

func TestFingerprintIdempotentUnderNormalization(t *testing.T) {
	a := Fingerprint("Курс рубля упал на 5%! Подробнее: https://example.com/a")
	b := Fingerprint(NormalizeForFingerprint("Курс рубля упал на 5%! Подробнее: https://example.com/a"))
	if a != b {
		t.Fatalf("fingerprint not idempotent under its own normalization: %s != %s", a, b)
	}
}

func TestFingerprintLength(t *testing.T) {
	fp := Fingerprint("любой текст")
	if len(fp) != 16 {
		t.Fatalf("len(fp) = %d, want 16", len(fp))
	}
}

// TestDiscussionAntiRepeatByFingerprintKeepsNewest is end-to-end scenario 2 from
// spec.md §8: a fingerprinted older candidate is removed but the
// newest is always preserved even if it also matches.
func TestDiscussionAntiRepeatByFingerprintKeepsNewest(t *testing.T) {
	ring := NewRing(10)
	ring.LoadSnapshot([]string{"a1b2c3d4e5f67890"})

	candidates := []Candidate{
		{Text: "older, matches fingerprint"},
		{Text: "newest, also matches fingerprint"},
	}
	fpOf := map[string]string{
		"older, matches fingerprint":       "a1b2c3d4e5f67890",
		"newest, also matches fingerprint": "a1b2c3d4e5f67890",
	}

	kept := FilterPreservingNewest(candidates, func(c Candidate) bool {
		return ring.Contains(fpOf[c.Text])
	})

	if len(kept) != 1 || kept[0].Text != "newest, also matches fingerprint" {
		t.Fatalf("kept = %+v, want only the newest candidate preserved", kept)
	}
}

func TestRingEvictsOldestBeyondSize(t *testing.T) {
	ring := NewRing(2)
	ring.Add("fp1")
	ring.Add("fp2")
	ring.Add("fp3")
	if ring.Contains("fp1") {
		t.Fatal("expected fp1 evicted once ring exceeded its size")
	}
	if !ring.Contains("fp2") || !ring.Contains("fp3") {
		t.Fatal("expected fp2 and fp3 still present")
	}
}

func TestAdFilterScoresKeywordsURLsAndPercents(t *testing.T) {
	f := NewAdFilter(nil, 3)
	text := "РЕКЛАМА! Скидка 50% только сегодня, жми https://example.com/promo"
	if !f.IsAd(text) {
		t.Fatalf("score = %d, want >= 3", f.Score(text))
	}
}

func TestAdFilterOrdinaryTextIsNotAd(t *testing.T) {
	f := NewAdFilter(nil, 3)
	if f.IsAd("Сегодня хорошая погода и все спокойно") {
		t.Fatal("ordinary text should not be flagged as an ad")
	}
}

func TestTopicsOverlap(t *testing.T) {
	if !TopicsOverlap([]string{"economy", "sports"}, []string{"sports"}) {
		t.Fatal("expected overlap detected")
	}
	if TopicsOverlap([]string{"economy"}, []string{"sports"}) {
		t.Fatal("expected no overlap")
	}
	if TopicsOverlap(nil, []string{"sports"}) {
		t.Fatal("nil candidate topics should never overlap")
	}
}

func TestTokenizeDropsStopwordsAndShortTokens(t *testing.T) {
	toks := tokenize("и он да я к у же вы за бы по только экономика")
	if len(toks) != 1 || toks[0] != "экономика" {
		t.Fatalf("toks = %v, want only [экономика]", toks)
	}
}
