package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("openai:\n  api_key: sk-test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8090 {
		t.Fatalf("Listen.Port = %d, want default 8090", cfg.Listen.Port)
	}
	if cfg.Dedup.BM25Threshold != 8.5 {
		t.Fatalf("Dedup.BM25Threshold = %v, want default 8.5", cfg.Dedup.BM25Threshold)
	}
	if cfg.Dedup.MinTextLength != 100 {
		t.Fatalf("Dedup.MinTextLength = %d, want default 100", cfg.Dedup.MinTextLength)
	}
	if cfg.Reactions.DailyLimitPerBot != 10 {
		t.Fatalf("Reactions.DailyLimitPerBot = %d, want default 10", cfg.Reactions.DailyLimitPerBot)
	}
	if cfg.Blackbox.MinWordLen != 6 || cfg.Blackbox.Ratio != 0.10 {
		t.Fatalf("Blackbox = %+v, want defaults minWordLen=6 ratio=0.10", cfg.Blackbox)
	}
}

func TestLoadFailsWithoutAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: ./data\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected fatal config error for missing openai.api_key")
	}
}

func TestBehaviorForLevelClamps(t *testing.T) {
	if BehaviorForLevel(0).SourceSelectionMode != BehaviorForLevel(1).SourceSelectionMode {
		t.Fatal("BehaviorForLevel(0) should clamp to level 1")
	}
	if BehaviorForLevel(99).MaxPostsPerRun != BehaviorForLevel(5).MaxPostsPerRun {
		t.Fatal("BehaviorForLevel(99) should clamp to level 5")
	}
}

func TestLoadAccountsRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	data := `[
		{"name":"a","reader":{"apiId":1,"apiHash":"h","session":"s"}},
		{"name":"a","reader":{"apiId":2,"apiHash":"h","session":"s2"}}
	]`
	os.WriteFile(path, []byte(data), 0o644)
	if _, err := LoadAccounts(path); err == nil {
		t.Fatal("expected duplicate account name to fail validation")
	}
}

func TestWriterCredentialsFallsBackToReader(t *testing.T) {
	a := AccountSpec{Reader: Credentials{APIID: 1, Session: "s"}}
	if a.HasSeparateWriter() {
		t.Fatal("expected no separate writer")
	}
	if a.WriterCredentials() != a.Reader {
		t.Fatal("expected WriterCredentials to fall back to reader")
	}
}

func TestLoadPipelinesRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.json")
	data := `[
		{"name":"p1","accountName":"a","enabled":true,"destination":"@d","mode":"TEXT","type":"STANDARD","intervalSec":300},
		{"name":"p1","accountName":"a","enabled":true,"destination":"@d2","mode":"TEXT","type":"STANDARD","intervalSec":300}
	]`
	os.WriteFile(path, []byte(data), 0o644)
	if _, err := LoadPipelines(path); err == nil {
		t.Fatal("expected duplicate pipeline name to fail validation")
	}
}

func TestLoadPipelinesRequiresDiscussionBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.json")
	data := `[{"name":"p1","accountName":"a","enabled":true,"destination":"@d","mode":"TEXT","type":"DISCUSSION","intervalSec":300}]`
	os.WriteFile(path, []byte(data), 0o644)
	if _, err := LoadPipelines(path); err == nil {
		t.Fatal("expected missing discussion block to fail validation")
	}
}

// TestActivityWindowWrap is end-to-end scenario 6 from spec.md §8: a
// window of 22:00-02:00 in Asia/Yekaterinburg is active at local 01:30
// and inactive at local 03:00.
func TestActivityWindowWrap(t *testing.T) {
	windows, err := ParseActivityWindows(`[["22:00","02:00"]]`)
	if err != nil {
		t.Fatalf("ParseActivityWindows: %v", err)
	}

	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	active := time.Date(2026, 1, 1, 1, 30, 0, 0, loc)
	if !WithinAny(windows, SinceLocalMidnight(active)) {
		t.Fatal("expected 01:30 to be within the 22:00-02:00 window")
	}

	inactive := time.Date(2026, 1, 1, 3, 0, 0, 0, loc)
	if WithinAny(windows, SinceLocalMidnight(inactive)) {
		t.Fatal("expected 03:00 to be outside the 22:00-02:00 window")
	}
}

func TestWithinAnyEmptyMeansUnrestricted(t *testing.T) {
	if !WithinAny(nil, 0) {
		t.Fatal("nil windows should mean unrestricted")
	}
}
