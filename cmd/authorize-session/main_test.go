package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

func TestPersistSession_AppendsNewAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	creds := config.Credentials{APIID: 12345, APIHash: "deadbeef", Session: "new-session-blob"}
	if err := persistSession(path, "news_ru", false, creds); err != nil {
		t.Fatalf("persistSession: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read accounts.json: %v", err)
	}
	var specs []config.AccountSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d accounts, want 1", len(specs))
	}
	if specs[0].Reader.Session != "new-session-blob" {
		t.Errorf("reader session = %q, want %q", specs[0].Reader.Session, "new-session-blob")
	}
	if specs[0].BehaviorLevel != 3 {
		t.Errorf("behavior level = %d, want 3", specs[0].BehaviorLevel)
	}
}

func TestPersistSession_UpdatesExistingReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	existing := []config.AccountSpec{
		{Name: "news_ru", Reader: config.Credentials{APIID: 1, APIHash: "old", Session: "old-session"}, BehaviorLevel: 4},
		{Name: "other", Reader: config.Credentials{APIID: 2, APIHash: "other", Session: "other-session"}},
	}
	data, _ := json.Marshal(existing)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("seed accounts.json: %v", err)
	}

	creds := config.Credentials{APIID: 1, APIHash: "new", Session: "refreshed-session"}
	if err := persistSession(path, "news_ru", false, creds); err != nil {
		t.Fatalf("persistSession: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var specs []config.AccountSpec
	if err := json.Unmarshal(out, &specs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d accounts, want 2 (no account should be dropped)", len(specs))
	}
	for _, s := range specs {
		if s.Name == "news_ru" {
			if s.Reader.Session != "refreshed-session" {
				t.Errorf("news_ru session = %q, want %q", s.Reader.Session, "refreshed-session")
			}
			if s.BehaviorLevel != 4 {
				t.Errorf("news_ru behavior level = %d, want unchanged 4", s.BehaviorLevel)
			}
		}
		if s.Name == "other" && s.Reader.Session != "other-session" {
			t.Errorf("unrelated account %q was modified", s.Name)
		}
	}
}

func TestPersistSession_WriterCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	creds := config.Credentials{APIID: 9, APIHash: "writer-hash", Session: "writer-session"}
	if err := persistSession(path, "bot_writer", true, creds); err != nil {
		t.Fatalf("persistSession: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var specs []config.AccountSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if specs[0].Writer == nil {
		t.Fatal("writer credentials were not persisted")
	}
	if specs[0].Writer.Session != "writer-session" {
		t.Errorf("writer session = %q, want %q", specs[0].Writer.Session, "writer-session")
	}
	if specs[0].Reader.Session != "" {
		t.Errorf("reader session should be empty when pairing a writer, got %q", specs[0].Reader.Session)
	}
}

func TestRenderBitmapTerminal_OddRowCount(t *testing.T) {
	bitmap := [][]bool{
		{true, false, true},
		{false, true, false},
		{true, true, true},
	}
	out := renderBitmapTerminal(bitmap)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (ceil(3/2))", len(lines))
	}
}

func TestBlockFor(t *testing.T) {
	cases := []struct {
		top, bottom bool
		want        rune
	}{
		{true, true, '█'},
		{true, false, '▀'},
		{false, true, '▄'},
		{false, false, ' '},
	}
	for _, c := range cases {
		if got := blockFor(c.top, c.bottom); got != c.want {
			t.Errorf("blockFor(%v, %v) = %q, want %q", c.top, c.bottom, got, c.want)
		}
	}
}
