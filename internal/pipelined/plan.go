package pipelined

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/dedup"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
	"github.com/romanmihailow/tg-pipeline-engine/internal/textproc"
	"github.com/romanmihailow/tg-pipeline-engine/internal/topics"
)

// seed pairs one fetched source-channel message with its derived
// discussion-seed metadata, kept together through the four-filter
// chain below.
type seed struct {
	msg    messaging.Message
	text   string
	topics []string
}

// planPreconditionsMet implements spec.md §4.11.2's precondition list,
// except "source pipeline exists" which the caller checks separately
// since it requires a store lookup whose result (the resolved
// sourcePipeline) the rest of planNewDiscussion also needs.
func (r *Runner) planPreconditionsMet(pipeline store.Pipeline, settings store.DiscussionSettings, state store.DiscussionState, now time.Time, withinWindow bool) (bool, error) {
	if !pipeline.Enabled || !withinWindow {
		return false, nil
	}
	if state.NextDueAt != nil && now.Before(*state.NextDueAt) {
		return false, nil
	}
	// An open question exists unless it has expired.
	if state.QuestionMessageID != nil && (state.ExpiresAt == nil || now.Before(*state.ExpiresAt)) {
		return false, nil
	}
	if settings.InactivityPauseMinutes > 0 {
		cs, err := r.deps.Store.GetOrInitChatState(pipeline.ID, settings.TargetChat)
		if err != nil {
			return false, fmt.Errorf("load chat state: %w", err)
		}
		if cs.LastHumanMessageAt == nil || now.Sub(*cs.LastHumanMessageAt) > time.Duration(settings.InactivityPauseMinutes)*time.Minute {
			return false, nil
		}
	}
	return true, nil
}

// planNewDiscussion implements spec.md §4.11.2 end to end: candidate
// collection, filtering, LLM selection, reply-plan generation, publish,
// and state update. A nil error with no side effects means a
// precondition wasn't met or the cycle had nothing worth discussing —
// both are expected outcomes, not failures.
func (r *Runner) planNewDiscussion(ctx context.Context, pipeline store.Pipeline, settings store.DiscussionSettings, account store.Account, now time.Time, withinWindow bool) error {
	state, err := r.deps.Store.GetOrInitDiscussionState(pipeline.ID)
	if err != nil {
		return fmt.Errorf("load discussion state: %w", err)
	}

	ok, err := r.planPreconditionsMet(pipeline, settings, state, now, withinWindow)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sourcePipeline, err := r.deps.Store.GetPipelineByName(settings.SourcePipelineName)
	if err != nil {
		r.deps.Logger.Warn("discussion source pipeline missing", "pipeline", pipeline.Name, "source", settings.SourcePipelineName)
		return nil
	}

	k := r.deps.Clock.RandInt(settings.KMin, settings.KMax)
	msgs, err := r.deps.Messaging.FetchHistorySince(ctx, sourcePipeline.AccountName, sourcePipeline.Destination, 0, k)
	if err != nil {
		return fmt.Errorf("fetch source history: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	seeds := make([]seed, len(msgs))
	for i, m := range msgs {
		seeds[i] = seed{msg: m, text: m.Text, topics: topics.Topics(m.Text)}
	}

	final, err := r.filterSeeds(pipeline, sourcePipeline, seeds, state)
	if err != nil {
		return err
	}
	if len(final) == 0 {
		r.deps.Logger.Info("discussion candidates empty after filtering", "pipeline", pipeline.Name, "reason", "all candidates already discussed")
		return nil
	}

	texts := make([]string, len(final))
	for i, s := range final {
		texts[i] = s.text
	}
	idx, _, err := r.deps.LLM.SelectFromList(ctx, texts, state.RecentTopics.Topics)
	if err != nil {
		return fmt.Errorf("select discussion candidate: %w", err)
	}
	if idx < 1 {
		idx = 1
	}
	if idx > len(final) {
		idx = len(final)
	}
	selected := final[idx-1]

	bots, err := r.availableBots(pipeline, account, now)
	if err != nil {
		return fmt.Errorf("load bot weights: %w", err)
	}
	if len(bots) == 0 {
		r.deps.Logger.Info("no available bots for discussion reply plan", "pipeline", pipeline.Name)
		return nil
	}

	repliesCount := r.pickRepliesCount(len(bots))
	chosen := r.pickBotsWeighted(bots, selected.topics, repliesCount)
	orderByToneRank(chosen)

	primaryLabel, _ := r.deps.Personas.RoleLabel(account.Name)
	roles := make([]string, 0, len(chosen)+1)
	roles = append(roles, primaryLabel)
	for _, b := range chosen {
		roles = append(roles, b.roleLabel)
	}

	qna, _, err := r.deps.LLM.DiscussionQnA(ctx, selected.text, len(chosen), roles, state.RecentTopics.Topics)
	if err != nil {
		return fmt.Errorf("generate discussion qna: %w", err)
	}
	if strings.TrimSpace(qna.Question) == "" {
		r.deps.Logger.Warn("discussion qna returned empty question", "pipeline", pipeline.Name)
		return nil
	}

	// qna.Replies is tied to chosen by RoleLabel, not position: the model
	// can skip a bot's turn by returning an empty reply for it, which
	// would otherwise shift every later reply onto the wrong bot if
	// replies were re-paired with chosen by index.
	textByRole := make(map[string]string, len(qna.Replies))
	for _, rep := range qna.Replies {
		if strings.TrimSpace(rep.Text) == "" {
			continue
		}
		textByRole[rep.RoleLabel] = rep.Text
	}

	sent, err := r.deps.Messaging.SendText(ctx, account.Name, settings.TargetChat, qna.Question, 0)
	if err != nil {
		return fmt.Errorf("send discussion question: %w", err)
	}

	delayFactor := activityFactor(account.DiscussionActivityPercent)
	replyIdx := 0
	for _, bot := range chosen {
		text, ok := textByRole[bot.roleLabel]
		if !ok {
			continue
		}
		if fixed, changed := textproc.FixGenderGrammar(text, bot.meta.Gender); changed {
			text = fixed
		}
		i := replyIdx
		replyIdx++

		lo, hi := delayForBounds(i + 1)
		delayMin := r.deps.Clock.RandFloat(lo, hi) * delayFactor
		sendAt := now.Add(time.Duration(delayMin * float64(time.Minute)))

		sourceAt := selected.msg.SentAt
		if _, err := r.deps.Store.EnqueueDiscussionReply(store.DiscussionReply{
			PipelineID:      pipeline.ID,
			Kind:            store.ReplyKindBot,
			ChatID:          settings.TargetChat,
			AccountName:     bot.account.Name,
			ReplyText:       text,
			SendAt:          sendAt,
			SourceMessageAt: &sourceAt,
		}); err != nil {
			return fmt.Errorf("enqueue discussion reply for %s: %w", bot.account.Name, err)
		}
	}

	r.applyChannelPostReactions(ctx, pipeline, sourcePipeline, selected.msg, bots, now)
	r.applyAdminReaction(ctx, sourcePipeline, selected.msg, now)

	factor := activityFactor(account.DiscussionActivityPercent)
	effMin := float64(settings.MinIntervalMinutes) * factor
	effMax := float64(settings.MaxIntervalMinutes) * factor
	if effMax < effMin {
		effMax = effMin
	}
	nextDue := now.Add(time.Duration(r.deps.Clock.RandFloat(effMin, effMax) * float64(time.Minute)))

	sentID := sent.ID
	expires := now.Add(60 * time.Minute)
	sourceAt := selected.msg.SentAt
	state.QuestionMessageID = &sentID
	state.QuestionCreatedAt = &now
	state.ExpiresAt = &expires
	state.RepliesPlanned = replyIdx
	state.RepliesSent = 0
	state.LastReplyParentID = &sentID
	state.LastBotReplyMessageID = nil
	state.LastBotReplyAt = nil
	state.LastSourcePostID = &selected.msg.ID
	state.LastSourcePostAt = &sourceAt
	state.RecentTopics.Topics = appendRecentTopics(state.RecentTopics.Topics, selected.topics, 3)

	ring := dedup.NewRing(r.deps.Dedup.FingerprintRingSize)
	ring.LoadSnapshot(state.RecentTopics.Fingerprints)
	ring.Add(dedup.Fingerprint(selected.text))
	state.RecentTopics.Fingerprints = ring.Snapshot()
	state.NextDueAt = &nextDue

	return r.deps.Store.SaveDiscussionState(state)
}

// filterSeeds applies spec.md §4.11.2's four candidate filters in
// order. lastSourcePostId is a hard exclusion — spec.md §9 never lets
// the post a pipeline just finished discussing come back as a
// candidate, even if it's the only one fetched — and runs first, ahead
// of the three newest-preserving filters (recent-topics overlap,
// fingerprint ring, BM25).
//
// FetchHistorySince returns messages newest-first (spec.md §4.3), but
// dedup.FilterPreservingNewest protects its *last* element, so seeds
// are sorted oldest-first before filtering; spec.md §4.11.2's "a
// freshly published post is always discussable" guarantee otherwise
// silently protects the oldest fetched post instead of the newest.
//
// dedup.Candidate's Text field is abused as an index token rather than
// real text so the chain can reuse dedup.FilterPreservingNewest's
// exact semantics while still letting the caller recover each
// surviving seed's full message.
func (r *Runner) filterSeeds(pipeline, sourcePipeline store.Pipeline, seeds []seed, state store.DiscussionState) ([]seed, error) {
	ordered := make([]seed, len(seeds))
	copy(ordered, seeds)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].msg.ID < ordered[j].msg.ID })

	kept := make([]seed, 0, len(ordered))
	for _, s := range ordered {
		if state.LastSourcePostID != nil && s.msg.ID == *state.LastSourcePostID {
			continue
		}
		kept = append(kept, s)
	}
	r.deps.Logger.Info("discussion candidate filter", "pipeline", pipeline.Name, "step", "lastSourcePostId", "remaining", len(kept))

	indices := make([]dedup.Candidate, len(kept))
	for i, s := range kept {
		indices[i] = dedup.Candidate{Text: strconv.Itoa(i), Topics: s.topics}
	}

	indices = dedup.FilterPreservingNewest(indices, func(c dedup.Candidate) bool {
		i, _ := strconv.Atoi(c.Text)
		return dedup.TopicsOverlap(kept[i].topics, state.RecentTopics.Topics)
	})
	r.deps.Logger.Info("discussion candidate filter", "pipeline", pipeline.Name, "step", "recentTopics", "remaining", len(indices))

	ring := dedup.NewRing(r.deps.Dedup.FingerprintRingSize)
	ring.LoadSnapshot(state.RecentTopics.Fingerprints)
	indices = dedup.FilterPreservingNewest(indices, func(c dedup.Candidate) bool {
		i, _ := strconv.Atoi(c.Text)
		return ring.Contains(dedup.Fingerprint(kept[i].text))
	})
	r.deps.Logger.Info("discussion candidate filter", "pipeline", pipeline.Name, "step", "fingerprintRing", "remaining", len(indices))

	history, err := r.deps.Store.RecentPosts(sourcePipeline.ID, r.deps.Dedup.BM25WindowSize)
	if err != nil {
		return nil, fmt.Errorf("recent posts for %s: %w", sourcePipeline.ID, err)
	}
	historyTexts := make([]string, len(history))
	for i, h := range history {
		historyTexts[i] = h.Text
	}
	indices = dedup.FilterPreservingNewest(indices, func(c dedup.Candidate) bool {
		i, _ := strconv.Atoi(c.Text)
		return dedup.Similar(kept[i].text, historyTexts, r.deps.Dedup.BM25Threshold)
	})
	r.deps.Logger.Info("discussion candidate filter", "pipeline", pipeline.Name, "step", "bm25", "remaining", len(indices))

	out := make([]seed, len(indices))
	for i, c := range indices {
		idx, _ := strconv.Atoi(c.Text)
		out[i] = kept[idx]
	}
	return out, nil
}

// pickRepliesCount draws the reply count from spec.md §4.11.2's fixed
// distribution (1/2/3 replies at 60/30/10%), capped by how many bots
// are actually available this cycle.
func (r *Runner) pickRepliesCount(availableBots int) int {
	picked := clock.WeightedPick(r.deps.Clock, []int{1, 2, 3}, []float64{60, 30, 10})
	if picked > availableBots {
		picked = availableBots
	}
	return picked
}

// appendRecentTopics appends newTopics (deduped against the existing
// list) and truncates to max, dropping the oldest entries first — the
// bounded ≤3 topic memory spec.md's glossary describes.
func appendRecentTopics(existing, newTopics []string, max int) []string {
	seen := make(map[string]bool, len(existing)+len(newTopics))
	out := make([]string, 0, len(existing)+len(newTopics))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range newTopics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// delayForBounds is spec.md §4.11.2's delayFor(index) table, in
// minutes.
func delayForBounds(index int) (float64, float64) {
	switch {
	case index <= 1:
		return 5, 15
	case index == 2:
		return 5, 30
	default:
		return 10, 45
	}
}
