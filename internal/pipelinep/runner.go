// Package pipelinep implements the Pipeline-P Runner (C9): the
// STANDARD-type publish cycle that republishes from a rotating set of
// source channels into a pipeline's destination, per spec.md §4.10.
package pipelinep

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/dedup"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
	"github.com/romanmihailow/tg-pipeline-engine/internal/textproc"
)

// Deps are the Runner's collaborators. All fields are required except
// Logger, which defaults to slog.Default().
type Deps struct {
	Store           *store.Store
	Messaging       messaging.Port
	LLM             llm.Port
	Clock           *clock.Clock
	Logger          *slog.Logger
	Dedup           config.DedupConfig
	Blackbox        config.BlackboxConfig
	AdExtraKeywords []string
}

// Runner executes one Pipeline-P cycle per call to Run.
type Runner struct {
	deps     Deps
	adFilter *dedup.AdFilter
}

// New builds a Runner from deps.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{
		deps:     deps,
		adFilter: dedup.NewAdFilter(deps.AdExtraKeywords, deps.Dedup.AdHeuristicThreshold),
	}
}

// Run executes one publish cycle for pipeline, scoped to account and
// its resolved behavior profile. It reports whether a post was
// published. A FloodWaitError surfacing from any platform call is
// returned as-is (spec.md §4.10 step 9) with no pipeline state
// mutated by this call; any other error is likewise reported with
// state untouched, since every store write below happens only after
// every upstream call for this cycle has already succeeded.
func (r *Runner) Run(ctx context.Context, account store.Account, pipeline store.Pipeline, behavior config.BehaviorProfile) (bool, error) {
	logger := r.deps.Logger.With("pipeline", pipeline.Name, "account", account.Name)

	sources, err := r.deps.Store.ListPipelineSources(pipeline.ID)
	if err != nil {
		return false, err
	}
	if len(sources) == 0 {
		return false, nil
	}

	state, err := r.deps.Store.GetOrInitPipelineState(pipeline.ID)
	if err != nil {
		return false, err
	}

	idx := state.CurrentSourceIndex % len(sources)
	if behavior.SourceSelectionMode == config.SourceSelectionRandom {
		idx = r.deps.Clock.RandInt(0, len(sources)-1)
	}
	source := sources[idx]
	nextIndex := (idx + 1) % len(sources)

	ctx = messaging.WithFloodNotifyAfter(ctx, time.Duration(pipeline.IntervalSec)*time.Second)

	var minID int64
	if source.LastSeenMessageID != nil {
		minID = *source.LastSeenMessageID
	}

	msgs, err := r.deps.Messaging.FetchHistorySince(ctx, account.Name, source.Channel, minID, behavior.HistoryLimit)
	if err != nil {
		var fw *messaging.FloodWaitError
		if errors.As(err, &fw) {
			logger.Warn("flood wait fetching history, leaving pipeline state untouched", "seconds", fw.Seconds)
		} else {
			logger.Error("fetch history failed", "error", err)
		}
		return false, err
	}

	if len(msgs) == 0 {
		return false, r.advanceIndexOnly(state, nextIndex)
	}

	newest := newestMessage(msgs)
	content := resolveAlbumCaption(msgs, newest)

	if hit, err := r.filterHit(pipeline, behavior, content.Text); err != nil {
		return false, err
	} else if hit {
		return false, r.advanceAndSkip(pipeline.ID, source.Channel, newest.ID, state, nextIndex)
	}

	blackbox := pipeline.BlackboxEveryN > 0 && (state.TotalPosts+1)%int64(pipeline.BlackboxEveryN) == 0

	finalText, channelMsgID, err := r.publish(ctx, account, pipeline, msgs, newest, content, blackbox)
	if err != nil {
		var fw *messaging.FloodWaitError
		if errors.As(err, &fw) {
			logger.Warn("flood wait during publish, leaving pipeline state untouched", "seconds", fw.Seconds)
		} else {
			logger.Error("publish failed, leaving pipeline state untouched", "error", err)
		}
		return false, err
	}

	if err := r.deps.Store.SetSourceWatermark(pipeline.ID, source.Channel, newest.ID); err != nil {
		return false, err
	}
	now := r.deps.Clock.NowUTC()
	state.CurrentSourceIndex = nextIndex
	state.TotalPosts++
	state.LastRunAt = &now
	if err := r.deps.Store.SavePipelineState(state); err != nil {
		return false, err
	}

	if err := r.deps.Store.RecordPost(store.PostHistoryEntry{
		PipelineID:         pipeline.ID,
		Text:               finalText,
		CreatedAt:          now,
		DestinationChannel: pipeline.Destination,
		ChannelMessageID:   channelMsgID,
	}); err != nil {
		return false, err
	}
	if err := r.deps.Store.PruneHistory(pipeline.ID, r.deps.Dedup.BM25WindowSize); err != nil {
		return false, err
	}

	return true, nil
}

// filterHit runs the step-5 filter chain in order, short-circuiting on
// the first hit.
func (r *Runner) filterHit(pipeline store.Pipeline, behavior config.BehaviorProfile, text string) (bool, error) {
	minLen := r.deps.Dedup.MinTextLength
	if pipeline.Mode == config.ModeTextMedia || pipeline.Mode == config.ModePlagiat {
		minLen = 0
	}
	if utf8.RuneCountInString(text) < minLen {
		return true, nil
	}

	if r.adFilter.IsAd(text) {
		return true, nil
	}

	history, err := r.deps.Store.RecentPosts(pipeline.ID, r.deps.Dedup.BM25WindowSize)
	if err != nil {
		return false, err
	}
	texts := make([]string, len(history))
	for i, h := range history {
		texts[i] = h.Text
	}
	if dedup.Similar(text, texts, r.deps.Dedup.BM25Threshold) {
		return true, nil
	}

	if r.deps.Clock.Chance(behavior.SkipPostProbability) {
		return true, nil
	}

	return false, nil
}

// publish dispatches step 7's per-mode transform-and-send, returning
// the text recorded to PostHistory and the destination's message ID
// if the platform reported exactly one.
func (r *Runner) publish(ctx context.Context, account store.Account, pipeline store.Pipeline, all []messaging.Message, newest, content messaging.Message, blackbox bool) (string, *int64, error) {
	switch pipeline.Mode {
	case config.ModePlagiat:
		finalText := textproc.AppendFooter(content.Text, pipeline.Destination)
		sent, album, err := r.sendWithMedia(ctx, account.Name, pipeline.Destination, newest, all, finalText)
		if err != nil {
			return "", nil, err
		}
		return finalText, channelMessageID(sent, album), nil

	case config.ModeTextMedia:
		paraphrased, err := r.paraphraseBlackboxAware(ctx, content.Text, blackbox)
		if err != nil {
			return "", nil, err
		}
		finalText := textproc.AppendFooter(paraphrased, pipeline.Destination)
		sent, album, err := r.sendWithMedia(ctx, account.Name, pipeline.Destination, newest, all, finalText)
		if err != nil {
			return "", nil, err
		}
		return finalText, channelMessageID(sent, album), nil

	case config.ModeText:
		paraphrased, err := r.paraphraseBlackboxAware(ctx, content.Text, blackbox)
		if err != nil {
			return "", nil, err
		}
		finalText := textproc.AppendFooter(paraphrased, pipeline.Destination)
		sent, err := r.deps.Messaging.SendText(ctx, account.Name, pipeline.Destination, finalText, 0)
		if err != nil {
			return "", nil, err
		}
		return finalText, channelMessageID(sent, nil), nil

	case config.ModeTextImage:
		paraphrased, err := r.paraphraseBlackboxAware(ctx, content.Text, blackbox)
		if err != nil {
			return "", nil, err
		}
		finalText := textproc.AppendFooter(paraphrased, pipeline.Destination)

		if !newest.HasMedia {
			sent, err := r.deps.Messaging.SendText(ctx, account.Name, pipeline.Destination, finalText, 0)
			if err != nil {
				return "", nil, err
			}
			return finalText, channelMessageID(sent, nil), nil
		}

		photo, err := r.deps.Messaging.DownloadPhoto(ctx, account.Name, newest)
		if err != nil {
			return "", nil, err
		}
		description, _, err := r.deps.LLM.DescribeImage(ctx, photo)
		if err != nil {
			return "", nil, err
		}
		generated, _, err := r.deps.LLM.GenerateImage(ctx, description)
		if err != nil {
			return "", nil, err
		}
		sent, err := r.deps.Messaging.SendMedia(ctx, account.Name, pipeline.Destination, messaging.Media{Kind: messaging.MediaPhoto, Data: generated}, finalText)
		if err != nil {
			return "", nil, err
		}
		return finalText, channelMessageID(sent, nil), nil

	default:
		// config.LoadPipelines rejects unknown modes before a pipeline
		// ever reaches the runner.
		return "", nil, errors.New("pipelinep: unreachable pipeline mode " + pipeline.Mode)
	}
}

// paraphraseBlackboxAware wraps llm.Port.Paraphrase with the
// BlackboxTag prefix/strip dance spec.md §4.9 describes: the tag
// triggers Paraphrase's upstream handling, and once the clean
// paraphrase comes back the runner (not the LLM) applies the
// deterministic visual distortion.
func (r *Runner) paraphraseBlackboxAware(ctx context.Context, text string, blackbox bool) (string, error) {
	input := text
	if blackbox {
		input = textproc.BlackboxTag + input
	}
	out, _, err := r.deps.LLM.Paraphrase(ctx, input)
	if err != nil {
		return "", err
	}
	if blackbox {
		out = textproc.ApplyBlackboxDistortion(r.deps.Clock, out, textproc.BlackboxOptions{
			MinWordLen: r.deps.Blackbox.MinWordLen,
			Ratio:      r.deps.Blackbox.Ratio,
			DistortMin: r.deps.Blackbox.DistortMin,
			DistortMax: r.deps.Blackbox.DistortMax,
		})
	}
	return out, nil
}

// sendWithMedia sends caption as plain text if anchor carries no
// media, as a single media message if it does and isn't part of a
// multi-message album, or as an album otherwise (grouping every
// message in all sharing anchor's AlbumID).
func (r *Runner) sendWithMedia(ctx context.Context, account, destination string, anchor messaging.Message, all []messaging.Message, caption string) (*messaging.Message, []messaging.Message, error) {
	if !anchor.HasMedia {
		sent, err := r.deps.Messaging.SendText(ctx, account, destination, caption, 0)
		return &sent, nil, err
	}

	if anchor.AlbumID != "" {
		group := albumGroup(all, anchor.AlbumID)
		if len(group) > 1 {
			media := make([]messaging.Media, 0, len(group))
			for _, m := range group {
				data, err := r.deps.Messaging.DownloadPhoto(ctx, account, m)
				if err != nil {
					return nil, nil, err
				}
				media = append(media, messaging.Media{Kind: m.MediaKind, Data: data})
			}
			sent, err := r.deps.Messaging.SendAlbum(ctx, account, destination, media, caption)
			return nil, sent, err
		}
	}

	data, err := r.deps.Messaging.DownloadPhoto(ctx, account, anchor)
	if err != nil {
		return nil, nil, err
	}
	sent, err := r.deps.Messaging.SendMedia(ctx, account, destination, messaging.Media{Kind: anchor.MediaKind, Data: data}, caption)
	return &sent, nil, err
}

func albumGroup(all []messaging.Message, albumID string) []messaging.Message {
	var group []messaging.Message
	for _, m := range all {
		if m.AlbumID == albumID {
			group = append(group, m)
		}
	}
	return group
}

func channelMessageID(single *messaging.Message, album []messaging.Message) *int64 {
	if single != nil {
		id := single.ID
		return &id
	}
	if len(album) == 1 {
		id := album[0].ID
		return &id
	}
	return nil
}

// advanceIndexOnly is step 3's "history empty" outcome: rotate the
// round-robin cursor without touching any source's watermark.
func (r *Runner) advanceIndexOnly(state store.PipelineState, nextIndex int) error {
	state.CurrentSourceIndex = nextIndex
	return r.deps.Store.SavePipelineState(state)
}

// advanceAndSkip is step 5's "filter hit" outcome: advance the
// watermark past what was just inspected, rotate the cursor, and
// record no post.
func (r *Runner) advanceAndSkip(pipelineID, channel string, newestID int64, state store.PipelineState, nextIndex int) error {
	if err := r.deps.Store.SetSourceWatermark(pipelineID, channel, newestID); err != nil {
		return err
	}
	state.CurrentSourceIndex = nextIndex
	return r.deps.Store.SavePipelineState(state)
}

// newestMessage returns the highest-ID message in msgs — the fetch
// order isn't assumed, only msg.ID is taken as the platform's
// monotonic ordering within one channel.
func newestMessage(msgs []messaging.Message) messaging.Message {
	newest := msgs[0]
	for _, m := range msgs[1:] {
		if m.ID > newest.ID {
			newest = m
		}
	}
	return newest
}

// resolveAlbumCaption returns the album member carrying the caption
// when newest is part of an album and itself has no text (spec.md
// §4.10 step 4). newest's ID still anchors the watermark and the
// media group; only its text may be substituted.
func resolveAlbumCaption(msgs []messaging.Message, newest messaging.Message) messaging.Message {
	if newest.AlbumID == "" || newest.Text != "" {
		return newest
	}
	for _, m := range msgs {
		if m.AlbumID == newest.AlbumID && m.Text != "" {
			return m
		}
	}
	return newest
}
