package pipelined

import (
	"context"
	"strings"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// maxUserRepliesPerCycle bounds subphase A's send batch (spec.md
// §4.11.4).
const maxUserRepliesPerCycle = 5

// userReplyContextSize is how many trailing chat messages are passed
// to llm.Port.UserReply as grounding context.
const userReplyContextSize = 8

// triggerPhrases are the live-reply candidate heuristics spec.md
// §4.11.4 names alongside the bare "contains a question mark" rule.
var triggerPhrases = []string{
	"как думаете",
	"что скажете",
	"есть инфа",
	"а это как работает",
}

func isLiveReplyCandidate(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "?") {
		return true
	}
	for _, p := range triggerPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// sendDueUserReplies is P2 subphase A: drain up to
// maxUserRepliesPerCycle pending USER replies, revalidating the
// activity window, chat inactivity, reply age, and bot availability
// that held when the reply was scheduled — any of those failing now
// cancels the reply instead of sending it stale.
func (r *Runner) sendDueUserReplies(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, account store.Account, now time.Time, withinWindow bool) error {
	due, err := r.deps.Store.DueReplies(pipeline.ID, now)
	if err != nil {
		return err
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

	sent := 0
	for _, reply := range due {
		if reply.Kind != store.ReplyKindUser {
			continue
		}
		if sent >= maxUserRepliesPerCycle {
			break
		}

		valid := withinWindow
		if valid && reply.SourceMessageAt != nil {
			maxAge := time.Duration(settings.UserReplyMaxAgeMinutes) * time.Minute
			if now.Sub(*reply.SourceMessageAt) > maxAge {
				valid = false
			}
		}
		w, hasBot := weightByName[reply.AccountName]
		if valid && hasBot {
			if w.UsedTodayDate == today && w.UsedToday >= w.DailyLimit {
				valid = false
			}
			if w.Weight <= 0 {
				valid = false
			}
			if w.LastUsedAt != nil && now.Sub(*w.LastUsedAt) < time.Duration(w.CooldownMin)*time.Minute {
				valid = false
			}
		}
		if !valid {
			if err := r.deps.Store.CancelReply(reply.ID, "stale_precondition"); err != nil {
				return err
			}
			continue
		}

		replyTo := int64(0)
		if reply.ReplyToMessageID != nil {
			replyTo = *reply.ReplyToMessageID
		}
		if _, err := r.deps.Messaging.SendText(ctx, reply.AccountName, reply.ChatID, reply.ReplyText, replyTo); err != nil {
			r.deps.Logger.Warn("send user reply failed", "pipeline", pipeline.Name, "account", reply.AccountName, "err", err)
			continue
		}
		if err := r.deps.Store.MarkReplySent(reply.ID, now); err != nil {
			return err
		}
		sent++

		if hasBot {
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
	return nil
}

// scanAndPlanUserReplies is P2 subphase B: walk new chat messages
// since ChatState.LastSeenMessageID, plan replies for the ones that
// look like live-reply candidates, and re-arm NextScanAt.
func (r *Runner) scanAndPlanUserReplies(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, account store.Account, now time.Time, withinWindow bool) error {
	cs, err := r.deps.Store.GetOrInitChatState(pipeline.ID, settings.TargetChat)
	if err != nil {
		return err
	}
	if cs.NextScanAt != nil && now.Before(*cs.NextScanAt) {
		return nil
	}

	minID := int64(0)
	if cs.LastSeenMessageID != nil {
		minID = *cs.LastSeenMessageID
	}
	msgs, err := r.deps.Messaging.FetchHistorySince(ctx, account.Name, settings.TargetChat, minID, 100)
	if err != nil {
		return err
	}

	nextScan := now.Add(r.deps.Clock.RandDuration(30*time.Second, 60*time.Second))
	if len(msgs) == 0 {
		cs.NextScanAt = &nextScan
		return r.deps.Store.SaveChatState(cs)
	}

	var newestID int64 = minID
	var anyHuman bool
	planned := 0
	today := todayStr(now)
	if cs.RepliesTodayDate != today {
		cs.RepliesToday = 0
		cs.RepliesTodayDate = today
	}

	recentTexts := make([]string, 0, userReplyContextSize)
	for _, m := range msgs {
		if m.ID > newestID {
			newestID = m.ID
		}
		recentTexts = append(recentTexts, m.Text)
		if len(recentTexts) > userReplyContextSize {
			recentTexts = recentTexts[len(recentTexts)-userReplyContextSize:]
		}
		if m.IsBot {
			continue
		}
		anyHuman = true

		if !withinWindow || !isLiveReplyCandidate(m.Text) {
			continue
		}
		if settings.MaxAutoRepliesPerChatPerDay > 0 && cs.RepliesToday >= settings.MaxAutoRepliesPerChatPerDay {
			continue
		}

		if r.planUserReply(ctx, pipeline, settings, account, m, recentTexts, now) {
			planned++
			cs.RepliesToday++
		}
	}

	if planned > 0 {
		// Only advance the watermark once something came of this
		// batch — a scan that found nothing worth replying to leaves
		// the messages eligible again next cycle, once more context
		// has accumulated around them.
		cs.LastSeenMessageID = &newestID
	}
	if anyHuman {
		cs.LastHumanMessageAt = &now
	}
	cs.NextScanAt = &nextScan
	return r.deps.Store.SaveChatState(cs)
}

// planUserReply generates and schedules one or two staggered replies
// to msg, reporting whether anything was actually planned.
func (r *Runner) planUserReply(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, account store.Account, msg messaging.Message, recentTexts []string, now time.Time) bool {
	bots, err := r.availableBots(pipeline, account, now)
	if err != nil || len(bots) == 0 {
		return false
	}

	count := clock.WeightedPick(r.deps.Clock, []int{1, 2}, []float64{80, 20})
	chosen := r.pickBotsWeighted(bots, nil, count)
	if len(chosen) == 0 {
		return false
	}

	cfg := r.deps.ChatReactions
	var allowed []string
	if cfg.UseAllowedFromPlatform {
		allowed, _ = r.deps.Messaging.AllowedReactions(ctx, chosen[0].account.Name, settings.TargetChat)
	}

	planned := 0
	var offsets = []time.Duration{
		r.deps.Clock.RandDuration(2*time.Minute, 10*time.Minute),
	}
	if len(chosen) > 1 {
		offsets = append(offsets, offsets[0]+r.deps.Clock.RandDuration(3*time.Minute, 15*time.Minute))
	}

	for i, bot := range chosen {
		reply, _, err := r.deps.LLM.UserReply(ctx, msg.Text, recentTexts, bot.roleLabel, bot.meta, allowed, cfg.ModelDriven, cfg.ModelNullRate)
		if err != nil || strings.TrimSpace(reply.ReplyText) == "" {
			continue
		}

		sourceAt := msg.SentAt
		msgID := msg.ID
		if _, err := r.deps.Store.EnqueueDiscussionReply(store.DiscussionReply{
			PipelineID:       pipeline.ID,
			Kind:             store.ReplyKindUser,
			ChatID:           settings.TargetChat,
			AccountName:      bot.account.Name,
			ReplyText:        reply.ReplyText,
			SendAt:           now.Add(offsets[i]),
			ReplyToMessageID: &msgID,
			SourceMessageAt:  &sourceAt,
		}); err != nil {
			r.deps.Logger.Warn("enqueue user reply failed", "pipeline", pipeline.Name, "account", bot.account.Name, "err", err)
			continue
		}
		planned++

		if cfg.ModelDriven && reply.ReactionEmoji != "" {
			if err := r.deps.Messaging.SetReaction(ctx, bot.account.Name, settings.TargetChat, msg.ID, reply.ReactionEmoji); err != nil {
				r.deps.Logger.Warn("model-driven chat reaction failed", "account", bot.account.Name, "err", err)
			}
		} else if !cfg.ModelDriven {
			r.applyChatReaction(ctx, pipeline, settings.TargetChat, bot.account.Name, msg, now)
		}
	}
	return planned > 0
}
