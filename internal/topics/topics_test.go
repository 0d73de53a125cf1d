package topics

import (
	"reflect"
	"testing"
)

func TestTopicsMatchesStemAcrossInflections(t *testing.T) {
	got := Topics("Курс рубля упал из-за роста инфляции")
	want := []string{"economy"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Topics = %v, want %v", got, want)
	}
}

func TestTopicsDedupesRepeatedTag(t *testing.T) {
	got := Topics("рубль подешевел, инфляция выросла, доллар подорожал")
	if len(got) != 1 || got[0] != "economy" {
		t.Fatalf("Topics = %v, want single economy tag", got)
	}
}

func TestTopicsMultipleCategories(t *testing.T) {
	got := Topics("Президент обсудил футбольный чемпионат и новый фильм")
	want := map[string]bool{"politics": true, "sports": true, "entertainment": true}
	if len(got) != 3 {
		t.Fatalf("Topics = %v, want 3 tags", got)
	}
	for _, tag := range got {
		if !want[tag] {
			t.Fatalf("unexpected tag %q in %v", tag, got)
		}
	}
}

func TestTopicsNoMatchReturnsEmpty(t *testing.T) {
	got := Topics("просто нейтральный текст без ключевых слов")
	if len(got) != 0 {
		t.Fatalf("Topics = %v, want empty", got)
	}
}

func TestTopicsCappedAtEight(t *testing.T) {
	text := "экономика политика футбол фильм технологии погода здоровье война football"
	got := Topics(text)
	if len(got) > maxTags {
		t.Fatalf("len(Topics) = %d, want <= %d", len(got), maxTags)
	}
}
