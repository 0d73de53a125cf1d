package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/ratelimit"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLoop(t *testing.T, s *store.Store) *Loop {
	t.Helper()
	return New(Deps{
		Store:  s,
		Broker: ratelimit.New(nil),
		Clock:  clock.New(),
		Config: config.SchedulerConfig{SleepMinSec: 1, SleepMaxSec: 2, SleepMaxSecWithDiscuss: 1},
	})
}

func mustUpsertPipeline(t *testing.T, s *store.Store, p store.Pipeline) store.Pipeline {
	t.Helper()
	if err := s.UpsertPipeline(p); err != nil {
		t.Fatalf("UpsertPipeline: %v", err)
	}
	got, err := s.GetPipelineByName(p.Name)
	if err != nil {
		t.Fatalf("GetPipelineByName: %v", err)
	}
	return got
}

func TestDuePipelinesNeverRunIsDue(t *testing.T) {
	s := newTestStore(t)
	l := newTestLoop(t, s)

	p := mustUpsertPipeline(t, s, store.Pipeline{
		Name: "feed-a", AccountName: "acct-a", Enabled: true,
		Destination: "dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 3600,
	})

	due, err := l.duePipelines([]store.Pipeline{p}, time.Now())
	if err != nil {
		t.Fatalf("duePipelines: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1 for a pipeline with no prior run", len(due))
	}
}

func TestDuePipelinesRespectsInterval(t *testing.T) {
	s := newTestStore(t)
	l := newTestLoop(t, s)

	p := mustUpsertPipeline(t, s, store.Pipeline{
		Name: "feed-b", AccountName: "acct-b", Enabled: true,
		Destination: "dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 3600,
	})

	now := time.Now()
	st, err := s.GetOrInitPipelineState(p.ID)
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	recent := now.Add(-10 * time.Minute)
	st.LastRunAt = &recent
	if err := s.SavePipelineState(st); err != nil {
		t.Fatalf("SavePipelineState: %v", err)
	}

	due, err := l.duePipelines([]store.Pipeline{p}, now)
	if err != nil {
		t.Fatalf("duePipelines: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("len(due) = %d, want 0 within interval", len(due))
	}

	old := now.Add(-2 * time.Hour)
	st.LastRunAt = &old
	if err := s.SavePipelineState(st); err != nil {
		t.Fatalf("SavePipelineState: %v", err)
	}

	due, err = l.duePipelines([]store.Pipeline{p}, now)
	if err != nil {
		t.Fatalf("duePipelines: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1 once interval elapsed", len(due))
	}
}

func TestTouchLastRunAtPreservesOtherFields(t *testing.T) {
	s := newTestStore(t)
	l := newTestLoop(t, s)

	p := mustUpsertPipeline(t, s, store.Pipeline{
		Name: "feed-c", AccountName: "acct-c", Enabled: true,
		Destination: "dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 60,
	})

	st, err := s.GetOrInitPipelineState(p.ID)
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	st.CurrentSourceIndex = 7
	st.TotalPosts = 42
	if err := s.SavePipelineState(st); err != nil {
		t.Fatalf("SavePipelineState: %v", err)
	}

	now := time.Now()
	l.touchLastRunAt(p.ID, now)

	got, err := s.GetOrInitPipelineState(p.ID)
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	if got.CurrentSourceIndex != 7 || got.TotalPosts != 42 {
		t.Errorf("touchLastRunAt clobbered other fields: %+v", got)
	}
	if got.LastRunAt == nil {
		t.Fatal("expected LastRunAt to be set")
	}
}

func TestSleepReturnsFalseOnCancellation(t *testing.T) {
	s := newTestStore(t)
	l := New(Deps{
		Store:  s,
		Broker: ratelimit.New(nil),
		Clock:  clock.New(),
		Config: config.SchedulerConfig{SleepMinSec: 60, SleepMaxSec: 120},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if l.sleep(ctx) {
		t.Error("sleep on a cancelled context should return false")
	}
}

func TestSleepUsesShrunkBoundWithDiscussion(t *testing.T) {
	s := newTestStore(t)
	l := newTestLoop(t, s)
	l.hasDiscussion = true

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	if !l.sleep(ctx) {
		t.Fatal("expected sleep to complete before the timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("sleep took %v, want <= SleepMaxSecWithDiscuss bound", elapsed)
	}
}

func TestRecordFloodWaitNotifiesOnce(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	l := New(Deps{
		Store:  s,
		Broker: ratelimit.New(nil),
		Clock:  clock.New(),
		Config: config.SchedulerConfig{SleepMinSec: 1, SleepMaxSec: 2},
		Notify: func(ratelimit.OwnerNotification) { calls++ },
	})

	now := time.Now()
	l.recordFloodWait("acct-a", now, 120)
	l.recordFloodWait("acct-a", now.Add(time.Second), 5) // shorter, same deadline class

	if calls != 1 {
		t.Errorf("Notify called %d times, want 1 for a single suspension window", calls)
	}
}
