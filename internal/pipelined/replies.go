package pipelined

import (
	"context"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// sendDuePlannedReplies implements spec.md §4.11.3: drain every
// DiscussionReply whose SendAt has arrived, choosing each one's
// reply-to target and updating the bot's usage counters as it goes.
func (r *Runner) sendDuePlannedReplies(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, now time.Time) error {
	due, err := r.deps.Store.DueReplies(pipeline.ID, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	state, err := r.deps.Store.GetOrInitDiscussionState(pipeline.ID)
	if err != nil {
		return err
	}

	if state.QuestionMessageID == nil {
		return r.cancelAll(due, "question_missing")
	}
	if state.ExpiresAt != nil && now.After(*state.ExpiresAt) {
		return r.cancelAll(due, "question_expired")
	}
	coherent, err := r.threadCoherent(ctx, pipeline, settings, state)
	if err != nil {
		return err
	}
	if !coherent {
		return r.cancelAll(due, "incoherent")
	}

	weights, err := r.deps.Store.ListDiscussionBotWeights(pipeline.ID)
	if err != nil {
		return err
	}
	weightByName := make(map[string]store.DiscussionBotWeight, len(weights))
	for _, w := range weights {
		weightByName[w.AccountName] = w
	}
	today := todayStr(now)

	for _, reply := range due {
		replyTo := *state.QuestionMessageID
		canReplyToLastBotReply := state.LastBotReplyMessageID != nil && state.LastReplyParentID != nil &&
			*state.LastReplyParentID == *state.QuestionMessageID
		if canReplyToLastBotReply && r.deps.Clock.Chance(settings.ReplyToReplyProbability/100) {
			replyTo = *state.LastBotReplyMessageID
		}

		sent, err := r.deps.Messaging.SendText(ctx, reply.AccountName, reply.ChatID, reply.ReplyText, replyTo)
		if err != nil {
			r.deps.Logger.Warn("send planned discussion reply failed", "pipeline", pipeline.Name, "account", reply.AccountName, "err", err)
			continue
		}
		if err := r.deps.Store.MarkReplySent(reply.ID, now); err != nil {
			return err
		}

		sentID := sent.ID
		state.LastBotReplyMessageID = &sentID
		state.LastReplyParentID = &replyTo
		state.LastBotReplyAt = &now
		state.RepliesSent++

		if w, ok := weightByName[reply.AccountName]; ok {
			if w.UsedTodayDate != today {
				w.UsedToday = 0
				w.UsedTodayDate = today
			}
			w.UsedToday++
			w.LastUsedAt = &now
			if err := r.deps.Store.UpsertDiscussionBotWeight(w); err != nil {
				return err
			}
			weightByName[reply.AccountName] = w
		}
	}

	return r.deps.Store.SaveDiscussionState(state)
}

func (r *Runner) cancelAll(due []store.DiscussionReply, reason string) error {
	for _, reply := range due {
		if err := r.deps.Store.CancelReply(reply.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// threadCoherent is a heuristic stand-in for spec.md §4.11.3's
// coherence check ("two consecutive bot messages since the question,
// or ≥3 unrelated human messages") — true relatedness detection is out
// of reach for a rule-based scan, so this only inspects message
// authorship runs since the question.
func (r *Runner) threadCoherent(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, state store.DiscussionState) (bool, error) {
	if state.QuestionMessageID == nil {
		return false, nil
	}
	msgs, err := r.deps.Messaging.FetchHistorySince(ctx, pipeline.AccountName, settings.TargetChat, *state.QuestionMessageID, 50)
	if err != nil {
		return false, err
	}

	consecutiveBot, humanCount := 0, 0
	for _, m := range msgs {
		if m.IsBot {
			consecutiveBot++
			if consecutiveBot >= 2 {
				return false, nil
			}
			continue
		}
		consecutiveBot = 0
		humanCount++
		if humanCount >= 3 {
			return false, nil
		}
	}
	return true, nil
}
