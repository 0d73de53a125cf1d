// Package pipelined is the Pipeline-D Runner (C10): the central state
// machine spec.md §4.11 describes for a DISCUSSION pipeline. One
// Runner drives both halves — RunP1 plans and publishes bot-to-bot
// discussions and drains the due-reply queue, RunP2 scans for and
// replies to live human messages — mirroring how internal/pipelinep's
// Runner is the sole entry point for a STANDARD pipeline.
package pipelined

import (
	"log/slog"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/persona"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// dateLayout is the calendar-day granularity every daily-reset counter
// in this package compares against (DiscussionBotWeight.UsedTodayDate,
// ChatState.RepliesTodayDate, ReactionUsage.UsedTodayDate).
const dateLayout = "2006-01-02"

// Deps is the Pipeline-D Runner's capability bundle, the DISCUSSION
// counterpart of pipelinep.Deps plus the Persona Registry and the
// three independent reaction-budget configs spec.md §4.11.5 names.
type Deps struct {
	Store          *store.Store
	Messaging      messaging.Port
	LLM            llm.Port
	Personas       *persona.Registry
	Clock          *clock.Clock
	Logger         *slog.Logger
	Dedup          config.DedupConfig
	Reactions      config.ReactionsConfig // channel-post budget (P1)
	ChatReactions  config.ReactionsConfig // chat budget (P2)
	AdminReactions config.AdminReactionsConfig
}

// Runner drives one DISCUSSION pipeline's P1/P2 phases. The scheduler
// calls RunP1 only for the pipeline chosen as due this tick, and RunP2
// for every enabled DISCUSSION pipeline every tick (spec.md §4.12
// steps 2-3) — P2's own cadence is self-gated by ChatState.NextScanAt.
type Runner struct {
	deps Deps
}

// New builds a Runner from deps.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{deps: deps}
}

func todayStr(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// activityFactor implements the shared "scale by a percentage, clamped
// to [0.5, 1.5]" rule spec.md §4.11.2 uses for both reply delays
// (`discussionLevel`) and the next-question interval
// (`discussionActivity%`) — the same account-level percentage drives
// both, so one helper serves both call sites.
func activityFactor(percent float64) float64 {
	return clampFloat(1.5-percent/100, 0.5, 1.5)
}
