package pipelined

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
	"github.com/romanmihailow/tg-pipeline-engine/internal/topics"
)

// chooseReactionEmoji implements spec.md §4.11.5's rule-based emoji
// categories. politics/conflict/health content avoids celebratory
// emoji in favor of thoughtful ones; conflict alone reads as a
// "scandal" and gets its own set; sports gets celebratory emoji;
// weather-only (or tagless) content reads as boring. Anything else
// falls back to a random pick from cfg.Emojis.
func (r *Runner) chooseReactionEmoji(tags []string, cfg config.ReactionsConfig) string {
	has := func(tag string) bool {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}

	switch {
	case has("conflict"):
		return pickOne(r.deps.Clock, []string{"⚡", "👀", "🤔"})
	case has("politics") || has("health"):
		return pickOne(r.deps.Clock, []string{"🤔", "👀", "✅"})
	case has("sports"):
		return pickOne(r.deps.Clock, []string{"✅", "🔥", "😎"})
	case len(tags) == 0 || (len(tags) == 1 && has("weather")):
		return "🥱"
	default:
		if len(cfg.Emojis) == 0 {
			return "👍"
		}
		return pickOne(r.deps.Clock, cfg.Emojis)
	}
}

func pickOne(c *clock.Clock, options []string) string {
	if len(options) == 1 {
		return options[0]
	}
	return options[c.RandInt(0, len(options)-1)]
}

// resolveAllowedEmoji, when cfg requires it, swaps an emoji the platform
// does not allow for a random pick among the first
// cfg.AllowedSampleLimit allowed reactions. emoji is kept as is when it
// is allowed or when the allowed list cannot be fetched or is empty.
func (r *Runner) resolveAllowedEmoji(ctx context.Context, account, channel, emoji string, cfg config.ReactionsConfig) string {
	if !cfg.UseAllowedFromPlatform {
		return emoji
	}
	allowed, err := r.deps.Messaging.AllowedReactions(ctx, account, channel)
	if err != nil || len(allowed) == 0 {
		return emoji
	}
	for _, a := range allowed {
		if a == emoji {
			return emoji
		}
	}
	if cfg.AllowedSampleLimit > 0 && len(allowed) > cfg.AllowedSampleLimit {
		allowed = allowed[:cfg.AllowedSampleLimit]
	}
	return pickOne(r.deps.Clock, allowed)
}

// applyChannelPostReactions implements spec.md §4.11.5's channel-post
// reaction budget: a cross-account per-post daily cap
// (MaxReactionsPerPostPerDay) layered over per-bot checks of
// DailyLimitPerBot and CooldownMinutes. The per-bot usage row is keyed
// by the post as well as the account, so both checks count only this
// bot's reactions to this post; they do not limit a bot's reactions
// across different posts. Bots are tried in shuffled order and each
// has to clear its own probability roll; MinBotsPerPost is not read.
func (r *Runner) applyChannelPostReactions(ctx context.Context, pipeline, sourcePipeline store.Pipeline, msg messaging.Message, bots []botCandidate, now time.Time) {
	cfg := r.deps.Reactions
	if !cfg.Enabled || len(bots) == 0 {
		return
	}
	targetID := strconv.FormatInt(msg.ID, 10)
	today := todayStr(now)

	already, err := r.deps.Store.CountReactionsToday(store.ReactionScopeChannelPost, sourcePipeline.ID, targetID, today)
	if err != nil {
		r.deps.Logger.Warn("count channel reactions failed", "pipeline", pipeline.Name, "err", err)
		return
	}
	if already >= cfg.MaxReactionsPerPostPerDay {
		return
	}

	pool := append([]botCandidate(nil), bots...)
	clock.Shuffle(r.deps.Clock, pool)

	applied := 0
	for _, b := range pool {
		if already+applied >= cfg.MaxReactionsPerPostPerDay {
			break
		}
		if !r.deps.Clock.Chance(cfg.Probability) {
			continue
		}

		usage, err := r.deps.Store.GetReactionUsage(store.ReactionScopeChannelPost, sourcePipeline.ID, b.account.Name, targetID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			continue
		}
		if usage.UsedTodayDate != today {
			usage.UsedToday = 0
		}
		if usage.UsedToday >= cfg.DailyLimitPerBot {
			continue
		}
		if usage.LastUsedAt != nil && now.Sub(*usage.LastUsedAt) < time.Duration(cfg.CooldownMinutes)*time.Minute {
			continue
		}

		emoji := r.chooseReactionEmoji(topics.Topics(msg.Text), cfg)
		emoji = r.resolveAllowedEmoji(ctx, b.account.Name, sourcePipeline.Destination, emoji, cfg)
		if err := r.deps.Messaging.SetReaction(ctx, b.account.Name, sourcePipeline.Destination, msg.ID, emoji); err != nil {
			r.deps.Logger.Warn("set channel reaction failed", "account", b.account.Name, "err", err)
			continue
		}

		usage.Scope, usage.PipelineID, usage.AccountName, usage.TargetID = store.ReactionScopeChannelPost, sourcePipeline.ID, b.account.Name, targetID
		usage.UsedToday++
		usage.UsedTodayDate = today
		usage.LastUsedAt = &now
		if err := r.deps.Store.UpsertReactionUsage(usage); err != nil {
			r.deps.Logger.Warn("save channel reaction usage failed", "account", b.account.Name, "err", err)
		}
		applied++
	}
}

// applyAdminReaction implements spec.md §4.11.5's admin-eye reaction: a
// single optional reaction on the selected source post, always from
// the configured admin account, marking that a discussion was opened
// on it.
func (r *Runner) applyAdminReaction(ctx context.Context, sourcePipeline store.Pipeline, msg messaging.Message, now time.Time) {
	cfg := r.deps.AdminReactions
	if !cfg.Enabled || cfg.AccountName == "" {
		return
	}

	emoji := cfg.TargetEmoji
	allowed, err := r.deps.Messaging.AllowedReactions(ctx, cfg.AccountName, sourcePipeline.Destination)
	if err == nil && len(allowed) > 0 {
		found := false
		for _, a := range allowed {
			if a == emoji {
				found = true
				break
			}
		}
		if !found {
			if cfg.SkipIfUnavailable {
				return
			}
			emoji = cfg.FallbackEmoji
		}
	}

	if err := r.deps.Messaging.SetReaction(ctx, cfg.AccountName, sourcePipeline.Destination, msg.ID, emoji); err != nil {
		r.deps.Logger.Warn("admin reaction failed", "err", err)
	}
}

// applyChatReaction implements the chat reaction budget (spec.md
// §4.11.5's "Chat_" prefixed config) for P2's non-model-driven path —
// when UserReply's ReactionEmoji is empty because modelDriven is off,
// the heuristic picks its own emoji subject to the same per-bot daily
// cap and cooldown as channel posts, scoped separately under
// ReactionScopeChat so the two budgets never interact.
func (r *Runner) applyChatReaction(ctx context.Context, pipeline store.Pipeline, chatID, accountName string, msg messaging.Message, now time.Time) {
	cfg := r.deps.ChatReactions
	if !cfg.Enabled || cfg.ModelDriven {
		return
	}
	if !r.deps.Clock.Chance(cfg.Probability) {
		return
	}

	today := todayStr(now)
	usage, err := r.deps.Store.GetReactionUsage(store.ReactionScopeChat, pipeline.ID, accountName, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return
	}
	if usage.UsedTodayDate != today {
		usage.UsedToday = 0
	}
	if usage.UsedToday >= cfg.DailyLimitPerBot {
		return
	}
	if usage.LastUsedAt != nil && now.Sub(*usage.LastUsedAt) < time.Duration(cfg.CooldownMinutes)*time.Minute {
		return
	}

	emoji := r.chooseReactionEmoji(topics.Topics(msg.Text), cfg)
	emoji = r.resolveAllowedEmoji(ctx, accountName, chatID, emoji, cfg)
	if err := r.deps.Messaging.SetReaction(ctx, accountName, chatID, msg.ID, emoji); err != nil {
		r.deps.Logger.Warn("chat reaction failed", "account", accountName, "err", err)
		return
	}

	usage.Scope, usage.PipelineID, usage.AccountName, usage.TargetID = store.ReactionScopeChat, pipeline.ID, accountName, chatID
	usage.UsedToday++
	usage.UsedTodayDate = today
	usage.LastUsedAt = &now
	if err := r.deps.Store.UpsertReactionUsage(usage); err != nil {
		r.deps.Logger.Warn("save chat reaction usage failed", "account", accountName, "err", err)
	}
}
