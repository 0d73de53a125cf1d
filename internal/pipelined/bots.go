package pipelined

import (
	"fmt"
	"sort"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// botCandidate bundles one non-primary account with its participation
// weight row and resolved persona, the unit spec.md §4.11.2's reply
// plan selects from.
type botCandidate struct {
	account   store.Account
	weight    store.DiscussionBotWeight
	roleLabel string
	meta      llm.PersonaMeta
}

// availableBots returns every account except the pipeline's primary
// that currently passes the daily-cap, cooldown, and weight>0 filters
// (spec.md §4.11.2's "available = filter(byDailyCap, byCooldown,
// byWeight>0)"). It seeds a DiscussionBotWeight row for any account
// that doesn't have one yet, defaulting to weight 1.
func (r *Runner) availableBots(pipeline store.Pipeline, primary store.Account, now time.Time) ([]botCandidate, error) {
	accounts, err := r.deps.Store.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	existing, err := r.deps.Store.ListDiscussionBotWeights(pipeline.ID)
	if err != nil {
		return nil, fmt.Errorf("list bot weights for %s: %w", pipeline.ID, err)
	}
	byName := make(map[string]store.DiscussionBotWeight, len(existing))
	for _, w := range existing {
		byName[w.AccountName] = w
	}

	today := todayStr(now)
	var out []botCandidate
	for _, acc := range accounts {
		if acc.Name == primary.Name {
			continue
		}

		w, ok := byName[acc.Name]
		if !ok {
			w = store.DiscussionBotWeight{
				PipelineID: pipeline.ID, AccountName: acc.Name,
				Weight: 1, DailyLimit: 20, CooldownMin: 10, UsedTodayDate: today,
			}
			if err := r.deps.Store.UpsertDiscussionBotWeight(w); err != nil {
				return nil, fmt.Errorf("seed bot weight %s: %w", acc.Name, err)
			}
		}
		if w.UsedTodayDate != today {
			w.UsedToday = 0
			w.UsedTodayDate = today
		}

		if w.Weight <= 0 {
			continue
		}
		if w.UsedToday >= w.DailyLimit {
			continue
		}
		if w.LastUsedAt != nil && now.Sub(*w.LastUsedAt) < time.Duration(w.CooldownMin)*time.Minute {
			continue
		}

		label, meta := r.deps.Personas.RoleLabel(acc.Name)
		out = append(out, botCandidate{account: acc, weight: w, roleLabel: label, meta: meta})
	}
	return out, nil
}

// effectiveMultiplier implements spec.md §4.11.2's topic-bias formula.
// Both sides empty means there's nothing to bias on, so the bot is
// treated neutrally; any overlap rewards topicPriority; no overlap
// (but at least one side non-empty) applies offtopicTolerance as a
// soft penalty rather than excluding the bot outright.
func effectiveMultiplier(candidateTopics, personaTopics []string, topicPriority, offtopicTolerance float64) float64 {
	if len(candidateTopics) == 0 && len(personaTopics) == 0 {
		return 1
	}
	overlap := countOverlap(candidateTopics, personaTopics)
	if overlap > 0 {
		return 1 + float64(overlap)*(topicPriority/100)*0.25
	}
	return offtopicTolerance / 100
}

func countOverlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	n := 0
	for _, t := range a {
		if set[t] {
			n++
		}
	}
	return n
}

// pickBotsWeighted draws count bots from bots via successive weighted
// picks without replacement, weighting each candidate by
// weight.Weight × effectiveMultiplier (spec.md §4.11.2).
func (r *Runner) pickBotsWeighted(bots []botCandidate, candidateTopics []string, count int) []botCandidate {
	pool := append([]botCandidate(nil), bots...)
	chosen := make([]botCandidate, 0, count)

	for i := 0; i < count && len(pool) > 0; i++ {
		weights := make([]float64, len(pool))
		for j, b := range pool {
			weights[j] = b.weight.Weight * effectiveMultiplier(candidateTopics, b.meta.Topics, b.meta.TopicPriority, b.meta.OfftopicTolerance)
		}
		picked := clock.WeightedPick(r.deps.Clock, pool, weights)
		chosen = append(chosen, picked)

		for j, b := range pool {
			if b.account.Name == picked.account.Name {
				pool = append(pool[:j], pool[j+1:]...)
				break
			}
		}
	}
	return chosen
}

// toneRank is spec.md §4.11.2's fixed thread-order vocabulary
// (analytical, neutral, skeptical, ironic, emotional). Tones outside
// this vocabulary sort last, tied; persona.Registry only yields tones
// from its own list (neutral, sarcastic, friendly, formal, skeptical,
// enthusiastic, dry), so of these only neutral and skeptical rank ahead.
var toneRank = map[string]int{
	"analytical": 0,
	"neutral":    1,
	"skeptical":  2,
	"ironic":     3,
	"emotional":  4,
}

func toneRankOf(tone string) int {
	if rank, ok := toneRank[tone]; ok {
		return rank
	}
	return len(toneRank)
}

// orderByToneRank reorders chosen by persona tone rank to simulate a
// natural thread order; it never changes which bots were selected,
// only the order their replies are generated/scheduled in.
func orderByToneRank(chosen []botCandidate) {
	sort.SliceStable(chosen, func(i, j int) bool {
		return toneRankOf(chosen[i].meta.Tone) < toneRankOf(chosen[j].meta.Tone)
	})
}
