package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
)

// PacingBudget is the outbound pacing spec.md §4.3 requires: a base
// delay plus uniform jitter before every call, a default threshold
// above which a flood wait escalates rather than being absorbed, and a
// cap on how long an absorbed flood wait sleeps before its single
// retry. BaseDelay/Jitter/AbsorbCap are fixed per PacedPort instance,
// not per account; NotifyAfter is a fallback only — the
// real threshold is spec.md §4.2's `pipeline.intervalSec`, which varies
// per call and is supplied via WithFloodNotifyAfter instead.
type PacingBudget struct {
	BaseDelay   time.Duration
	Jitter      time.Duration
	NotifyAfter time.Duration
	AbsorbCap   time.Duration
}

type floodNotifyAfterKey struct{}

// WithFloodNotifyAfter attaches the caller's flood-escalation threshold
// to ctx (spec.md §4.2: "platform backoff of ≥ pipeline.intervalSec
// raises FloodWaitBlocked"). PacedPort reads it per-call so the same
// port instance serves pipelines with different intervals.
func WithFloodNotifyAfter(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, floodNotifyAfterKey{}, d)
}

func floodNotifyAfterFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Value(floodNotifyAfterKey{}).(time.Duration); ok {
		return d
	}
	return fallback
}

// PacedPort wraps a Port, applying PacingBudget.BaseDelay+jitter before
// every call and absorbing small flood waits by sleeping and retrying
// once, per spec.md §4.3/§4.2. A flood wait of NotifyAfter seconds or
// more is left as a FloodWaitError for the caller (the pipeline runner)
// to turn into a FloodWaitBlocked escalation to the scheduler.
type PacedPort struct {
	inner  Port
	clock  *clock.Clock
	budget PacingBudget
	logger *slog.Logger
}

// NewPacedPort wraps inner with pacing and flood-wait absorption.
func NewPacedPort(inner Port, c *clock.Clock, budget PacingBudget, logger *slog.Logger) *PacedPort {
	if logger == nil {
		logger = slog.Default()
	}
	return &PacedPort{inner: inner, clock: c, budget: budget, logger: logger}
}

func (p *PacedPort) pace() {
	d := p.budget.BaseDelay
	if p.budget.Jitter > 0 {
		d += p.clock.RandDuration(0, p.budget.Jitter)
	}
	p.clock.Sleep(d)
}

// call runs fn once, pacing before it. On a FloodWaitError smaller than
// the context's flood-notify threshold (or PacingBudget.NotifyAfter if
// none is set), it sleeps min(seconds, AbsorbCap) and retries fn
// exactly once; a FloodWaitError at or above the threshold is returned
// as-is for the runner to escalate.
func call[T any](ctx context.Context, p *PacedPort, fn func() (T, error)) (T, error) {
	p.pace()

	result, err := fn()
	fw, ok := asFloodWait(err)
	if !ok {
		return result, err
	}

	notifyAfter := floodNotifyAfterFrom(ctx, p.budget.NotifyAfter)
	if time.Duration(fw.Seconds)*time.Second >= notifyAfter {
		return result, err
	}

	sleepFor := time.Duration(fw.Seconds) * time.Second
	if p.budget.AbsorbCap > 0 && sleepFor > p.budget.AbsorbCap {
		sleepFor = p.budget.AbsorbCap
	}
	p.logger.Warn("absorbing platform flood wait", "seconds", fw.Seconds, "sleeping", sleepFor)
	p.clock.Sleep(sleepFor)

	return fn()
}

func asFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	ok := errors.As(err, &fw)
	return fw, ok
}

func (p *PacedPort) FetchHistorySince(ctx context.Context, account, channel string, minID int64, limit int) ([]Message, error) {
	return call(ctx, p, func() ([]Message, error) {
		return p.inner.FetchHistorySince(ctx, account, channel, minID, limit)
	})
}

func (p *PacedPort) DownloadPhoto(ctx context.Context, account string, msg Message) ([]byte, error) {
	return call(ctx, p, func() ([]byte, error) {
		return p.inner.DownloadPhoto(ctx, account, msg)
	})
}

func (p *PacedPort) SendText(ctx context.Context, account, channel, text string, replyTo int64) (Message, error) {
	return call(ctx, p, func() (Message, error) {
		return p.inner.SendText(ctx, account, channel, text, replyTo)
	})
}

func (p *PacedPort) SendMedia(ctx context.Context, account, channel string, media Media, caption string) (Message, error) {
	return call(ctx, p, func() (Message, error) {
		return p.inner.SendMedia(ctx, account, channel, media, caption)
	})
}

func (p *PacedPort) SendAlbum(ctx context.Context, account, channel string, media []Media, caption string) ([]Message, error) {
	return call(ctx, p, func() ([]Message, error) {
		return p.inner.SendAlbum(ctx, account, channel, media, caption)
	})
}

func (p *PacedPort) SetReaction(ctx context.Context, account, channel string, msgID int64, emoji string) error {
	_, err := call(ctx, p, func() (struct{}, error) {
		return struct{}{}, p.inner.SetReaction(ctx, account, channel, msgID, emoji)
	})
	return err
}

func (p *PacedPort) AllowedReactions(ctx context.Context, account, channel string) ([]string, error) {
	return call(ctx, p, func() ([]string, error) {
		return p.inner.AllowedReactions(ctx, account, channel)
	})
}

func (p *PacedPort) Identify(ctx context.Context, account string) (Identity, error) {
	return call(ctx, p, func() (Identity, error) {
		return p.inner.Identify(ctx, account)
	})
}
