// Package config loads and validates the service's YAML configuration
// plus its JSON account/pipeline declarations. Load → applyDefaults →
// Validate produces an immutable, fully-populated Config; nothing
// after startup re-reads or re-validates configuration at runtime,
// which is the deliberate replacement for dynamic, late-validated
// config (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tg-pipeline-engine", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // container convention
	paths = append(paths, "/etc/tg-pipeline-engine/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// PricingEntry is a per-model USD-per-million-token price pair used by
// the usage ledger's cost computation.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Config holds the top-level service configuration: ports, data
// directory, log level, LLM provider settings, reaction-budget
// defaults and the at-rest encryption key path. Accounts and pipelines
// are declared separately as JSON (see accounts.go, pipelines.go).
type Config struct {
	Listen       ListenConfig           `yaml:"listen"`
	DataDir      string                 `yaml:"data_dir"`
	AccountsFile string                 `yaml:"accounts_file"`
	PipelinesFile string                `yaml:"pipelines_file"`
	EncryptionKeyFile string            `yaml:"encryption_key_file"`
	LogLevel     string                 `yaml:"log_level"`
	OpenAI       OpenAIConfig           `yaml:"openai"`
	Pricing      map[string]PricingEntry `yaml:"pricing"`
	Dedup        DedupConfig            `yaml:"dedup"`
	Scheduler    SchedulerConfig        `yaml:"scheduler"`
	Reactions    ReactionsConfig        `yaml:"reactions"`
	ChatReactions ReactionsConfig       `yaml:"chat_reactions"`
	AdminReactions AdminReactionsConfig `yaml:"admin_reactions"`
	AdFilterExtraKeywords []string      `yaml:"ad_filter_extra_keywords"`
	Blackbox     BlackboxConfig         `yaml:"blackbox"`
	Bridge       BridgeConfig           `yaml:"bridge"`
}

// BridgeConfig locates the external subprocess internal/messaging's
// BridgeClient drives over JSON-RPC (spec.md's Non-goals exclude
// implementing the platform wire protocol directly).
type BridgeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// BlackboxConfig configures the deterministic visual-distortion effect
// applied to `[BLACKBOX]`-tagged posts (spec.md §4.9). Defaults match
// original_source/project_root/config.py's BLACKBOX_* constants.
type BlackboxConfig struct {
	MinWordLen int     `yaml:"min_word_len"` // default 6
	Ratio      float64 `yaml:"ratio"`        // default 0.10
	DistortMin int     `yaml:"distort_min"`  // default 2
	DistortMax int     `yaml:"distort_max"`  // default 4
}

// OpenAIConfig holds the LLM provider connection settings.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ChatModel  string `yaml:"chat_model"`
	ImageModel string `yaml:"image_model"`
	UsageTSVPath string `yaml:"usage_tsv_path"`
}

// ListenConfig defines the status-board websocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DedupConfig configures the Dedup Engine defaults (C6) plus the
// Pipeline-P Runner's other publish-time filters (min text length,
// random skip threshold inputs live on BehaviorProfile instead).
type DedupConfig struct {
	BM25Threshold       float64 `yaml:"bm25_threshold"`        // default 8.5
	BM25WindowSize      int     `yaml:"bm25_window_size"`      // default 50 (history window W)
	AdHeuristicThreshold int    `yaml:"ad_heuristic_threshold"` // default 3
	FingerprintRingSize int     `yaml:"fingerprint_ring_size"`  // default 10
	MinTextLength       int     `yaml:"min_text_length"`        // default 100, 0 for TEXT_MEDIA/PLAGIAT
}

// SchedulerConfig configures the Scheduler Loop's pacing (C11).
type SchedulerConfig struct {
	SleepMinSec            int `yaml:"sleep_min_sec"`             // default 3
	SleepMaxSec            int `yaml:"sleep_max_sec"`              // default 10
	SleepMaxSecWithDiscuss int `yaml:"sleep_max_sec_with_discuss"` // default 5
}

// ReactionsConfig configures one of the two independent per-bot
// reaction budgets (channel-post P1, or chat P2 with the Chat_ prefix
// in spec.md §6).
type ReactionsConfig struct {
	Enabled                bool     `yaml:"enabled"`
	Probability            float64  `yaml:"probability"`
	DailyLimitPerBot       int      `yaml:"daily_limit_per_bot"`
	CooldownMinutes        int      `yaml:"cooldown_minutes"`
	Emojis                 []string `yaml:"emojis"`
	MaxReactionsPerPostPerDay int    `yaml:"max_reactions_per_post_per_day"`
	UseAllowedFromPlatform bool     `yaml:"use_allowed_from_platform"`
	AllowedSampleLimit     int      `yaml:"allowed_sample_limit"`
	MinBotsPerPost         int      `yaml:"min_bots_per_post"`
	ModelDriven            bool     `yaml:"model_driven"`
	ModelNullRate          float64  `yaml:"model_null_rate"`
}

// AdminReactionsConfig configures the "admin eye" reaction budget,
// which is distinct config from both ReactionsConfig instances above —
// it must never share a counter with either bot-reaction budget.
type AdminReactionsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AccountName       string `yaml:"account_name"`
	TargetEmoji       string `yaml:"target_emoji"`
	FallbackEmoji     string `yaml:"fallback_emoji"`
	SkipIfUnavailable bool   `yaml:"skip_if_unavailable"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.AccountsFile == "" {
		c.AccountsFile = filepath.Join(c.DataDir, "accounts.json")
	}
	if c.PipelinesFile == "" {
		c.PipelinesFile = filepath.Join(c.DataDir, "pipelines.json")
	}
	if c.Bridge.Command == "" {
		c.Bridge.Command = "tg-bridge"
	}
	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.OpenAI.ImageModel == "" {
		c.OpenAI.ImageModel = "dall-e-3"
	}

	if c.Dedup.BM25Threshold == 0 {
		c.Dedup.BM25Threshold = 8.5
	}
	if c.Dedup.BM25WindowSize == 0 {
		c.Dedup.BM25WindowSize = 50
	}
	if c.Dedup.AdHeuristicThreshold == 0 {
		c.Dedup.AdHeuristicThreshold = 3
	}
	if c.Dedup.FingerprintRingSize == 0 {
		c.Dedup.FingerprintRingSize = 10
	}
	if c.Dedup.MinTextLength == 0 {
		c.Dedup.MinTextLength = 100
	}

	if c.Scheduler.SleepMinSec == 0 {
		c.Scheduler.SleepMinSec = 3
	}
	if c.Scheduler.SleepMaxSec == 0 {
		c.Scheduler.SleepMaxSec = 10
	}
	if c.Scheduler.SleepMaxSecWithDiscuss == 0 {
		c.Scheduler.SleepMaxSecWithDiscuss = 5
	}

	if c.Blackbox.MinWordLen == 0 {
		c.Blackbox.MinWordLen = 6
	}
	if c.Blackbox.Ratio == 0 {
		c.Blackbox.Ratio = 0.10
	}
	if c.Blackbox.DistortMin == 0 {
		c.Blackbox.DistortMin = 2
	}
	if c.Blackbox.DistortMax == 0 {
		c.Blackbox.DistortMax = 4
	}

	applyReactionDefaults(&c.Reactions)
	applyReactionDefaults(&c.ChatReactions)
	if c.AdminReactions.TargetEmoji == "" {
		c.AdminReactions.TargetEmoji = "👀"
	}
	if !c.AdminReactions.SkipIfUnavailable && c.AdminReactions.FallbackEmoji == "" {
		c.AdminReactions.FallbackEmoji = "👍"
	}
}

func applyReactionDefaults(r *ReactionsConfig) {
	if r.DailyLimitPerBot == 0 {
		r.DailyLimitPerBot = 10
	}
	if r.CooldownMinutes == 0 {
		r.CooldownMinutes = 30
	}
	if r.MaxReactionsPerPostPerDay == 0 {
		r.MaxReactionsPerPostPerDay = 3
	}
	if r.AllowedSampleLimit == 0 {
		r.AllowedSampleLimit = 8
	}
	if len(r.Emojis) == 0 {
		r.Emojis = []string{"👍", "🔥", "😂", "🤔", "👀", "✅", "⚡", "🥱", "😎"}
	}
	if r.ModelNullRate == 0 {
		r.ModelNullRate = 0.65
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Dedup.BM25Threshold <= 0 {
		return fmt.Errorf("dedup.bm25_threshold must be positive")
	}
	if c.Scheduler.SleepMinSec > c.Scheduler.SleepMaxSec {
		return fmt.Errorf("scheduler.sleep_min_sec (%d) must be <= sleep_max_sec (%d)", c.Scheduler.SleepMinSec, c.Scheduler.SleepMaxSec)
	}
	// Fatal config case (spec.md §7.5): missing provider credentials.
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	return nil
}
