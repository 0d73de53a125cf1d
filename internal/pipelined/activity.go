package pipelined

import (
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// withinActivityWindow implements spec.md §4.11.1: resolve local time
// from settings.Timezone, select the weekend/weekday window list, and
// report whether local falls within one. An empty window list means
// unrestricted. local is also returned so callers needing "now" in the
// pipeline's own timezone don't resolve it twice.
func (r *Runner) withinActivityWindow(settings store.DiscussionSettings) (bool, time.Time) {
	local := r.deps.Clock.NowIn(settings.Timezone)

	windows := settings.ActivityWindowsWeekdays
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		windows = settings.ActivityWindowsWeekends
	}
	return config.WithinAny(windows, config.SinceLocalMidnight(local)), local
}
