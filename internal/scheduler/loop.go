// Package scheduler implements the Scheduler Loop (C11): a
// single-threaded cooperative driver over every enabled pipeline,
// spec.md §4.12. This supersedes the teacher's internal/scheduler,
// which drove an open set of user-defined cron/webhook/HA-automation
// tasks with one time.Timer per task — a fan-out shape built for
// independent jobs that race each other. This system has the opposite
// requirement: one process fairly sharing its attention across a
// fixed, small set of accounts, publishing at most once per tick so no
// account starves another and platform pacing stays humane (spec.md
// §4.12 step 2, §5's "single-threaded cooperative event loop"). The
// teacher's task/schedule/execution persistence (internal/scheduler's
// former store.go) has no home here either: every piece of state this
// loop needs already lives in internal/store's Pipeline/PipelineState
// rows, and duplicating it behind a second SQLite table would just be
// two sources of truth for the same cursor. See DESIGN.md for the
// full justification.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/events"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/pipelined"
	"github.com/romanmihailow/tg-pipeline-engine/internal/pipelinep"
	"github.com/romanmihailow/tg-pipeline-engine/internal/ratelimit"
	"github.com/romanmihailow/tg-pipeline-engine/internal/status"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// NotifyFunc delivers the one-shot owner notification spec.md §4.12
// step 5 calls for when a new flood-wait suspension is recorded. The
// transport (DM to the operator, webhook, …) is out of this system's
// scope, so the loop only knows how to call it.
type NotifyFunc func(ratelimit.OwnerNotification)

// Deps are the Loop's collaborators. Status and Bus may be nil —
// *status.Board and *events.Bus are both safe to use nil (Bus.Publish
// is documented nil-safe; the loop itself skips Status calls when nil
// since status.Board isn't).
type Deps struct {
	Store     *store.Store
	PipelineP *pipelinep.Runner
	PipelineD *pipelined.Runner
	Broker    *ratelimit.Broker
	Status    *status.Board
	Bus       *events.Bus
	Clock     *clock.Clock
	Logger    *slog.Logger
	Config    config.SchedulerConfig
	Notify    NotifyFunc
}

// Loop drives ticks until its context is cancelled. Not safe for
// concurrent use of the same instance from multiple goroutines — that
// would defeat the point.
type Loop struct {
	deps          Deps
	hasDiscussion bool
}

// New builds a Loop from deps.
func New(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{deps: deps}
}

// Run drives ticks until ctx is cancelled, honoring cancellation
// between ticks and between sleeps (spec.md §5: a stop signal drains
// current I/O, then returns — it never interrupts an in-flight
// platform/LLM call, and since every store write below happens only
// in the success tail of a runner call, there is never a partial
// write needing rollback at this layer).
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := l.tick(ctx); err != nil {
			l.deps.Logger.Error("scheduler tick failed", "err", err)
		}

		if !l.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// tick implements spec.md §4.12 steps 1-3.
func (l *Loop) tick(ctx context.Context) error {
	pipelines, err := l.deps.Store.ListEnabledPipelines()
	if err != nil {
		return fmt.Errorf("list enabled pipelines: %w", err)
	}

	now := l.deps.Clock.NowUTC()
	due, err := l.duePipelines(pipelines, now)
	if err != nil {
		return err
	}

	l.deps.Bus.Publish(events.Event{
		Timestamp: now, Source: events.SourceScheduler, Kind: events.KindTickStart,
		Data: map[string]any{"due_count": len(due)},
	})

	for _, p := range due {
		attempted, err := l.runOne(ctx, p, now)
		if err != nil {
			l.deps.Logger.Error("pipeline run failed", "pipeline", p.Name, "err", err)
		}
		if attempted {
			break // fairness: at most one publish attempt per tick
		}
	}

	l.hasDiscussion = false
	for _, p := range pipelines {
		if p.Type != config.TypeDiscussion {
			continue
		}
		l.hasDiscussion = true
		if err := l.runP2(ctx, p); err != nil {
			l.deps.Logger.Error("pipeline P2 failed", "pipeline", p.Name, "err", err)
		}
	}

	l.deps.Bus.Publish(events.Event{
		Timestamp: l.deps.Clock.NowUTC(), Source: events.SourceScheduler, Kind: events.KindTickComplete,
	})
	return nil
}

// duePipelines implements step 1: enabled (ListEnabledPipelines
// already filters that) and (lastRunAt==nil or elapsed>=intervalSec).
// PipelineState.LastRunAt is the scheduler's own due-cadence clock,
// layered on top of whatever internal cursor state each runner keeps
// for its own purposes (round-robin index, NextDueAt, …) — see
// DESIGN.md for why it has to be set here rather than inside the
// runners themselves.
func (l *Loop) duePipelines(pipelines []store.Pipeline, now time.Time) ([]store.Pipeline, error) {
	var due []store.Pipeline
	for _, p := range pipelines {
		st, err := l.deps.Store.GetOrInitPipelineState(p.ID)
		if err != nil {
			return nil, fmt.Errorf("load pipeline state %s: %w", p.Name, err)
		}
		if st.LastRunAt == nil || now.Sub(*st.LastRunAt) >= time.Duration(p.IntervalSec)*time.Second {
			due = append(due, p)
		}
	}
	return due, nil
}

// runOne implements step 2 for a single due pipeline: resolve the
// account, skip (without counting as an attempt) if the Rate-limit
// Broker suspends it, otherwise dispatch to the matching runner.
// attempted reports whether this pipeline actually got a runner call
// this tick — a suspended account doesn't count, so the caller moves
// on to the next due pipeline instead of giving up the tick entirely.
func (l *Loop) runOne(ctx context.Context, p store.Pipeline, now time.Time) (attempted bool, err error) {
	account, err := l.deps.Store.GetAccount(p.AccountName)
	if err != nil {
		return false, fmt.Errorf("load account %s: %w", p.AccountName, err)
	}
	if l.deps.Broker.IsSuspended(account.Name, now) {
		return false, nil
	}

	var runErr error
	var published bool
	switch p.Type {
	case config.TypeStandard:
		behavior := config.BehaviorForLevel(account.BehaviorLevel)
		published, runErr = l.deps.PipelineP.Run(ctx, account, p, behavior)
	case config.TypeDiscussion:
		published, runErr = l.deps.PipelineD.RunP1(ctx, account, p)
	default:
		return true, fmt.Errorf("pipeline %s: unknown type %q", p.Name, p.Type)
	}

	if runErr != nil {
		var fw *messaging.FloodWaitError
		if errors.As(runErr, &fw) {
			l.recordFloodWait(account.Name, now, fw.Seconds)
			// State was left untouched by the runner; lastRunAt stays
			// put too so this pipeline is retried as soon as the
			// suspension (tracked separately by the Broker) clears.
			return true, runErr
		}
		// An ordinary error also leaves runner state untouched; still
		// advance lastRunAt so one failing pipeline can't monopolize
		// every tick.
		l.touchLastRunAt(p.ID, now)
		l.setStatus(p.ID, status.CategoryPipeline1, "error", runErr.Error())
		return true, runErr
	}

	l.touchLastRunAt(p.ID, now)
	if published {
		l.deps.Bus.Publish(events.Event{
			Timestamp: now, Source: events.SourceScheduler, Kind: events.KindPipelinePublished,
			Data: map[string]any{"pipeline_id": p.ID, "pipeline_name": p.Name, "account": account.Name},
		})
		l.setStatus(p.ID, status.CategoryPipeline1, "published", "")
	} else {
		l.deps.Bus.Publish(events.Event{
			Timestamp: now, Source: events.SourceScheduler, Kind: events.KindPipelineSkipped,
			Data: map[string]any{"pipeline_id": p.ID, "pipeline_name": p.Name, "reason": "no_candidate_or_precondition"},
		})
		l.setStatus(p.ID, status.CategoryPipeline1, "idle", "")
	}
	return true, nil
}

// runP2 implements step 3 for one enabled DISCUSSION pipeline,
// independent of whether it was this tick's due pipeline — P2's own
// cadence is self-gated by ChatState.NextScanAt inside the runner.
func (l *Loop) runP2(ctx context.Context, p store.Pipeline) error {
	account, err := l.deps.Store.GetAccount(p.AccountName)
	if err != nil {
		return fmt.Errorf("load account %s: %w", p.AccountName, err)
	}
	now := l.deps.Clock.NowUTC()
	if l.deps.Broker.IsSuspended(account.Name, now) {
		return nil
	}

	if err := l.deps.PipelineD.RunP2(ctx, account, p); err != nil {
		var fw *messaging.FloodWaitError
		if errors.As(err, &fw) {
			l.recordFloodWait(account.Name, now, fw.Seconds)
			return err
		}
		l.setStatus(p.ID, status.CategoryPipeline2, "error", err.Error())
		return err
	}
	l.setStatus(p.ID, status.CategoryPipeline2, "scanning", "")
	return nil
}

func (l *Loop) touchLastRunAt(pipelineID string, now time.Time) {
	st, err := l.deps.Store.GetOrInitPipelineState(pipelineID)
	if err != nil {
		l.deps.Logger.Error("reload pipeline state failed", "pipeline_id", pipelineID, "err", err)
		return
	}
	st.LastRunAt = &now
	if err := l.deps.Store.SavePipelineState(st); err != nil {
		l.deps.Logger.Error("save pipeline state failed", "pipeline_id", pipelineID, "err", err)
	}
}

// recordFloodWait implements step 5: register the suspension and send
// the one-shot owner notification Broker.Record reports on a new
// deadline.
func (l *Loop) recordFloodWait(account string, now time.Time, seconds int) {
	notice, ok := l.deps.Broker.Record(account, now, seconds)
	l.deps.Bus.Publish(events.Event{
		Timestamp: now, Source: events.SourceRatelimit, Kind: events.KindFloodWait,
		Data: map[string]any{"account": account, "seconds": seconds},
	})
	if ok && l.deps.Notify != nil {
		l.deps.Notify(notice)
	}
}

func (l *Loop) setStatus(pipelineID string, category status.Category, state, message string) {
	if l.deps.Status == nil {
		return
	}
	l.deps.Status.Set(pipelineID, category, state, nil, nil, message)
}

// sleep implements step 4: sleep U(sleepMin, sleepMax), with the
// DISCUSSION-shrunk upper bound whenever the tick that just ran saw an
// enabled DISCUSSION pipeline (Run calls sleep right after tick, so the
// shorter bound applies from the first tick that finds one). Returns
// false if ctx was cancelled during the sleep.
func (l *Loop) sleep(ctx context.Context) bool {
	maxSec := l.deps.Config.SleepMaxSec
	if l.hasDiscussion && l.deps.Config.SleepMaxSecWithDiscuss > 0 {
		maxSec = l.deps.Config.SleepMaxSecWithDiscuss
	}
	d := l.deps.Clock.RandDuration(
		time.Duration(l.deps.Config.SleepMinSec)*time.Second,
		time.Duration(maxSec)*time.Second,
	)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
