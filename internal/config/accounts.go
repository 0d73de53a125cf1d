package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// BehaviorProfile is one of the five fixed behavior levels (spec.md
// §3). Level 1 is cautious/slow, level 5 is fast/bold.
type BehaviorProfile struct {
	RequestDelaySec      float64 `json:"requestDelay"`
	JitterSec            float64 `json:"jitter"`
	HistoryLimit         int     `json:"historyLimit"`
	MaxPostsPerRun       int     `json:"maxPostsPerRun"`
	FloodAntiblock       bool    `json:"floodAntiblock"`
	FloodMaxSec          int     `json:"floodMaxSec"`
	SourceSelectionMode  string  `json:"sourceSelectionMode"` // ROUND_ROBIN | RANDOM
	SkipPostProbability  float64 `json:"skipPostProbability"`
}

const (
	SourceSelectionRoundRobin = "ROUND_ROBIN"
	SourceSelectionRandom     = "RANDOM"
)

// behaviorProfiles is the fixed table of five levels. Levels are
// 1-indexed to match spec.md's "five levels (1..5)" wording; index 0 is
// unused.
var behaviorProfiles = [6]BehaviorProfile{
	{}, // unused
	{RequestDelaySec: 4, JitterSec: 2, HistoryLimit: 20, MaxPostsPerRun: 1, FloodAntiblock: true, FloodMaxSec: 30, SourceSelectionMode: SourceSelectionRoundRobin, SkipPostProbability: 0.10},
	{RequestDelaySec: 3, JitterSec: 1.5, HistoryLimit: 30, MaxPostsPerRun: 1, FloodAntiblock: true, FloodMaxSec: 45, SourceSelectionMode: SourceSelectionRoundRobin, SkipPostProbability: 0.06},
	{RequestDelaySec: 2, JitterSec: 1, HistoryLimit: 40, MaxPostsPerRun: 2, FloodAntiblock: true, FloodMaxSec: 60, SourceSelectionMode: SourceSelectionRoundRobin, SkipPostProbability: 0.03},
	{RequestDelaySec: 1.5, JitterSec: 0.75, HistoryLimit: 50, MaxPostsPerRun: 2, FloodAntiblock: false, FloodMaxSec: 90, SourceSelectionMode: SourceSelectionRandom, SkipPostProbability: 0.01},
	{RequestDelaySec: 1, JitterSec: 0.5, HistoryLimit: 60, MaxPostsPerRun: 3, FloodAntiblock: false, FloodMaxSec: 120, SourceSelectionMode: SourceSelectionRandom, SkipPostProbability: 0},
}

// BehaviorForLevel returns the BehaviorProfile for level (1..5),
// clamping out-of-range levels to the nearest valid one.
func BehaviorForLevel(level int) BehaviorProfile {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return behaviorProfiles[level]
}

// Credentials is the reader or writer half of an Account's messaging
// platform identity.
type Credentials struct {
	APIID   int    `json:"apiId"`
	APIHash string `json:"apiHash"`
	Session string `json:"session"`
}

// AccountSpec is the on-disk JSON shape of one configured account
// (spec.md §6). FloodWaitUntil/UserID/Username are runtime-observed
// fields, not declared in this file, and live in internal/store.
type AccountSpec struct {
	Name                      string       `json:"name"`
	Reader                    Credentials  `json:"reader"`
	Writer                    *Credentials `json:"writer,omitempty"`
	BehaviorLevel             int          `json:"behavior"`
	OpenAISystemPrompt        string       `json:"openai,omitempty"`
	SystemPromptChat          string       `json:"systemPromptChat,omitempty"`
	DiscussionActivityPercent float64      `json:"discussionActivityPercent"`
	UserReplyActivityPercent  float64      `json:"userReplyActivityPercent"`
}

// HasSeparateWriter reports whether writerCreds is present; absent
// means the reader credentials double as the writer per spec.md §3.
func (a AccountSpec) HasSeparateWriter() bool {
	return a.Writer != nil
}

// WriterCredentials returns the effective writer credentials, falling
// back to the reader's when no separate writer is configured.
func (a AccountSpec) WriterCredentials() Credentials {
	if a.Writer != nil {
		return *a.Writer
	}
	return a.Reader
}

// LoadAccounts reads and validates the accounts.json declaration.
func LoadAccounts(path string) ([]AccountSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var accounts []AccountSpec
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("account[%d]: name is required", i)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("account[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Reader.APIID == 0 || a.Reader.Session == "" {
			return nil, fmt.Errorf("account %q: reader credentials incomplete", a.Name)
		}
	}
	return accounts, nil
}
