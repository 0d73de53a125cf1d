package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/usage"
)

// UsageEntry is the provider-neutral shape a Port adapter reports to a
// UsageSink after each call.
type UsageEntry struct {
	Timestamp    time.Time
	TextModel    string
	InputTokens  int
	OutputTokens int
	ImageModel   string
	ImageTokens  int
	ImageCount   int
	PostText     string
}

// UsageSink turns provider-reported token counts into priced,
// persisted usage.Record rows. It is the glue between an LLM adapter
// and the usage ledger: pricing lookups live here so adapters never
// need to know the cost table.
type UsageSink struct {
	store   *usage.Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewUsageSink wraps store with a pricing table for cost computation.
func NewUsageSink(store *usage.Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *UsageSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageSink{store: store, pricing: pricing, logger: logger}
}

// Record prices and persists an entry. Persistence errors are logged
// and swallowed: a dropped accounting row must never abort an LLM call
// that already completed.
func (s *UsageSink) Record(e UsageEntry) {
	if s == nil || s.store == nil {
		return
	}

	textCost := usage.ComputeCost(e.TextModel, e.InputTokens, e.OutputTokens, s.pricing)
	imageCost := 0.0
	if e.ImageModel != "" {
		if entry, ok := s.pricing[e.ImageModel]; ok {
			imageCost = float64(e.ImageCount) * entry.OutputPerMillion
		}
	}

	rec := usage.Record{
		Timestamp:    e.Timestamp,
		TextModel:    e.TextModel,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		TextCostUSD:  textCost,
		ImageModel:   e.ImageModel,
		ImageTokens:  e.ImageTokens,
		ImageCount:   e.ImageCount,
		ImageCostUSD: imageCost,
		PostText:     e.PostText,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Record(ctx, rec); err != nil {
		s.logger.Warn("usage record dropped", "error", err)
	}
}
