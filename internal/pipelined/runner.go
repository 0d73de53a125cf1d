package pipelined

import (
	"context"
	"fmt"

	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// RunP1 is the scheduler's only entry point for a DISCUSSION pipeline
// chosen as due this tick (spec.md §4.12 step 2): drain the reply
// queue, then attempt to open a new discussion if preconditions allow.
// It reports whether a new discussion was actually published, purely
// for the status board.
func (r *Runner) RunP1(ctx context.Context, account store.Account, pipeline store.Pipeline) (bool, error) {
	settings, err := r.deps.Store.GetDiscussionSettings(pipeline.ID)
	if err != nil {
		return false, fmt.Errorf("load discussion settings: %w", err)
	}

	now := r.deps.Clock.NowUTC()
	if err := r.sendDuePlannedReplies(ctx, pipeline, settings, now); err != nil {
		return false, fmt.Errorf("send due planned replies: %w", err)
	}

	before, err := r.deps.Store.GetOrInitDiscussionState(pipeline.ID)
	if err != nil {
		return false, err
	}

	withinWindow, _ := r.withinActivityWindow(settings)
	if err := r.planNewDiscussion(ctx, pipeline, settings, account, now, withinWindow); err != nil {
		return false, fmt.Errorf("plan new discussion: %w", err)
	}

	after, err := r.deps.Store.GetDiscussionState(pipeline.ID)
	if err != nil {
		return false, err
	}

	published := after.QuestionMessageID != nil &&
		(before.QuestionMessageID == nil || *after.QuestionMessageID != *before.QuestionMessageID)
	return published, nil
}

// RunP2 is called for every enabled DISCUSSION pipeline every tick
// (spec.md §4.12 step 3), regardless of due-ness — its own cadence is
// self-gated by ChatState.NextScanAt inside subphase B.
func (r *Runner) RunP2(ctx context.Context, account store.Account, pipeline store.Pipeline) error {
	settings, err := r.deps.Store.GetDiscussionSettings(pipeline.ID)
	if err != nil {
		return fmt.Errorf("load discussion settings: %w", err)
	}

	now := r.deps.Clock.NowUTC()
	withinWindow, _ := r.withinActivityWindow(settings)

	if err := r.sendDueUserReplies(ctx, pipeline, settings, account, now, withinWindow); err != nil {
		return fmt.Errorf("send due user replies: %w", err)
	}
	if err := r.scanAndPlanUserReplies(ctx, pipeline, settings, account, now, withinWindow); err != nil {
		return fmt.Errorf("scan and plan user replies: %w", err)
	}
	return nil
}
