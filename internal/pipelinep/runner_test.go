package pipelinep

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// fakePort is a minimal messaging.Port stub recording send calls.
type fakePort struct {
	history    []messaging.Message
	historyErr error

	sentTexts  []string
	sentMedia  []string
	nextSentID int64

	photos map[int64][]byte
}

func newFakePort() *fakePort {
	return &fakePort{nextSentID: 1000, photos: make(map[int64][]byte)}
}

func (f *fakePort) FetchHistorySince(ctx context.Context, account, channel string, minID int64, limit int) ([]messaging.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakePort) DownloadPhoto(ctx context.Context, account string, msg messaging.Message) ([]byte, error) {
	if data, ok := f.photos[msg.ID]; ok {
		return data, nil
	}
	return []byte("photo-bytes"), nil
}

func (f *fakePort) SendText(ctx context.Context, account, channel, text string, replyTo int64) (messaging.Message, error) {
	f.sentTexts = append(f.sentTexts, text)
	f.nextSentID++
	return messaging.Message{ID: f.nextSentID, Channel: channel, Text: text}, nil
}

func (f *fakePort) SendMedia(ctx context.Context, account, channel string, media messaging.Media, caption string) (messaging.Message, error) {
	f.sentMedia = append(f.sentMedia, caption)
	f.nextSentID++
	return messaging.Message{ID: f.nextSentID, Channel: channel, Text: caption, HasMedia: true}, nil
}

func (f *fakePort) SendAlbum(ctx context.Context, account, channel string, media []messaging.Media, caption string) ([]messaging.Message, error) {
	f.sentMedia = append(f.sentMedia, caption)
	out := make([]messaging.Message, len(media))
	for i := range media {
		f.nextSentID++
		out[i] = messaging.Message{ID: f.nextSentID, Channel: channel, Text: caption, HasMedia: true}
	}
	return out, nil
}

func (f *fakePort) SetReaction(ctx context.Context, account, channel string, msgID int64, emoji string) error {
	return nil
}

func (f *fakePort) AllowedReactions(ctx context.Context, account, channel string) ([]string, error) {
	return nil, nil
}

func (f *fakePort) Identify(ctx context.Context, account string) (messaging.Identity, error) {
	return messaging.Identity{}, nil
}

// fakeLLM is a minimal llm.Port stub that echoes Paraphrase input so
// tests can assert on what the runner fed it.
type fakeLLM struct {
	paraphraseCalls []string
}

func (f *fakeLLM) Paraphrase(ctx context.Context, text string) (string, llm.Usage, error) {
	f.paraphraseCalls = append(f.paraphraseCalls, text)
	return strings.TrimPrefix(text, "[BLACKBOX]") + " [p]", llm.Usage{}, nil
}

func (f *fakeLLM) DescribeImage(ctx context.Context, photo []byte) (string, llm.Usage, error) {
	return "a description", llm.Usage{}, nil
}

func (f *fakeLLM) GenerateImage(ctx context.Context, description string) ([]byte, llm.Usage, error) {
	return []byte("generated-image"), llm.Usage{}, nil
}

func (f *fakeLLM) SelectFromList(ctx context.Context, candidates []string, recentTopics []string) (int, llm.Usage, error) {
	return 1, llm.Usage{}, nil
}

func (f *fakeLLM) DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (llm.DiscussionQnA, llm.Usage, error) {
	return llm.DiscussionQnA{}, llm.Usage{}, nil
}

func (f *fakeLLM) UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta llm.PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (llm.UserReply, llm.Usage, error) {
	return llm.UserReply{}, llm.Usage{}, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDeps(t *testing.T, s *store.Store, port *fakePort, llmPort *fakeLLM) Deps {
	t.Helper()
	return Deps{
		Store:     s,
		Messaging: port,
		LLM:       llmPort,
		Clock:     clock.New(),
		Dedup: config.DedupConfig{
			BM25Threshold:        8.5,
			BM25WindowSize:       50,
			AdHeuristicThreshold: 3,
			MinTextLength:        100,
		},
		Blackbox: config.BlackboxConfig{MinWordLen: 6, Ratio: 0.10, DistortMin: 2, DistortMax: 4},
	}
}

var behaviorForTests = config.BehaviorProfile{
	RequestDelaySec:     0,
	JitterSec:           0,
	HistoryLimit:        20,
	MaxPostsPerRun:      1,
	SourceSelectionMode: config.SourceSelectionRoundRobin,
	SkipPostProbability: 0,
}

const longText = "Это достаточно длинный текст новости, который точно проходит порог минимальной длины постов в этом пайплайне и не похож на рекламу."

func TestRunPublishesTextModeAndAdvancesState(t *testing.T) {
	s := testStore(t)
	if err := s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@source"}); err != nil {
		t.Fatalf("UpsertPipelineSource: %v", err)
	}

	port := newFakePort()
	port.history = []messaging.Message{{ID: 42, Channel: "@source", Text: longText}}
	llmPort := &fakeLLM{}

	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", AccountName: "acct", Destination: "@dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 300}
	account := store.Account{Name: "acct"}

	published, err := r.Run(context.Background(), account, pipeline, behaviorForTests)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !published {
		t.Fatal("expected Run to report a published post")
	}
	if len(port.sentTexts) != 1 {
		t.Fatalf("expected exactly one SendText call, got %d", len(port.sentTexts))
	}
	if !strings.Contains(port.sentTexts[0], "@dest") {
		t.Fatalf("expected footer with destination handle, got %q", port.sentTexts[0])
	}
	if len(llmPort.paraphraseCalls) != 1 {
		t.Fatalf("expected exactly one Paraphrase call, got %d", len(llmPort.paraphraseCalls))
	}

	sources, err := s.ListPipelineSources("p1")
	if err != nil {
		t.Fatalf("ListPipelineSources: %v", err)
	}
	if sources[0].LastSeenMessageID == nil || *sources[0].LastSeenMessageID != 42 {
		t.Fatalf("expected watermark advanced to 42, got %+v", sources[0].LastSeenMessageID)
	}

	state, err := s.GetOrInitPipelineState("p1")
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	if state.TotalPosts != 1 {
		t.Fatalf("TotalPosts = %d, want 1", state.TotalPosts)
	}

	posts, err := s.RecentPosts("p1", 10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected one recorded post, got %d", len(posts))
	}
}

func TestRunEmptyHistoryAdvancesIndexOnly(t *testing.T) {
	s := testStore(t)
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@a"})
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@b"})

	port := newFakePort() // history stays nil: empty fetch
	llmPort := &fakeLLM{}
	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", Destination: "@dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 300}

	published, err := r.Run(context.Background(), store.Account{Name: "acct"}, pipeline, behaviorForTests)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if published {
		t.Fatal("expected no post published on empty history")
	}

	state, err := s.GetOrInitPipelineState("p1")
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	if state.CurrentSourceIndex != 1 {
		t.Fatalf("CurrentSourceIndex = %d, want 1 (rotated past @a)", state.CurrentSourceIndex)
	}

	sources, _ := s.ListPipelineSources("p1")
	for _, src := range sources {
		if src.LastSeenMessageID != nil {
			t.Fatalf("expected watermark untouched on empty history, got %+v", src)
		}
	}
}

func TestRunFilterHitAdvancesWatermarkWithoutPublishing(t *testing.T) {
	s := testStore(t)
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@source"})

	port := newFakePort()
	port.history = []messaging.Message{{ID: 7, Channel: "@source", Text: "too short"}}
	llmPort := &fakeLLM{}
	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", Destination: "@dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 300}

	published, err := r.Run(context.Background(), store.Account{Name: "acct"}, pipeline, behaviorForTests)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if published {
		t.Fatal("expected min-text-length filter to block publishing")
	}
	if len(port.sentTexts) != 0 {
		t.Fatal("expected no SendText call on filter hit")
	}

	sources, _ := s.ListPipelineSources("p1")
	if sources[0].LastSeenMessageID == nil || *sources[0].LastSeenMessageID != 7 {
		t.Fatalf("expected watermark advanced past the filtered message, got %+v", sources[0].LastSeenMessageID)
	}
}

func TestRunPlagiatModeSkipsLLMCall(t *testing.T) {
	s := testStore(t)
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@source"})

	port := newFakePort()
	port.history = []messaging.Message{{ID: 1, Channel: "@source", Text: "short plagiat text"}}
	llmPort := &fakeLLM{}
	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", Destination: "@dest", Mode: config.ModePlagiat, Type: config.TypeStandard, IntervalSec: 300}

	published, err := r.Run(context.Background(), store.Account{Name: "acct"}, pipeline, behaviorForTests)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !published {
		t.Fatal("expected PLAGIAT publish to succeed despite short text (no min length filter)")
	}
	if len(llmPort.paraphraseCalls) != 0 {
		t.Fatal("expected PLAGIAT mode to never call Paraphrase")
	}
	if !strings.Contains(port.sentTexts[0], "short plagiat text") {
		t.Fatalf("expected original text sent verbatim, got %q", port.sentTexts[0])
	}
}

func TestRunFloodWaitLeavesPipelineStateUntouched(t *testing.T) {
	s := testStore(t)
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@source"})

	port := newFakePort()
	port.historyErr = &messaging.FloodWaitError{Seconds: 600}
	llmPort := &fakeLLM{}
	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", Destination: "@dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 300}

	_, err := r.Run(context.Background(), store.Account{Name: "acct"}, pipeline, behaviorForTests)
	var fw *messaging.FloodWaitError
	if !errors.As(err, &fw) {
		t.Fatalf("expected FloodWaitError, got %v", err)
	}
	if fw.Seconds != 600 {
		t.Fatalf("FloodWaitError.Seconds = %d, want 600", fw.Seconds)
	}

	state, _ := s.GetOrInitPipelineState("p1")
	if state.CurrentSourceIndex != 0 || state.TotalPosts != 0 {
		t.Fatalf("expected pipeline state untouched on flood wait, got %+v", state)
	}
	sources, _ := s.ListPipelineSources("p1")
	if sources[0].LastSeenMessageID != nil {
		t.Fatal("expected watermark untouched on flood wait")
	}
}

func TestRunBlackboxDecisionTagsParaphraseInput(t *testing.T) {
	s := testStore(t)
	s.UpsertPipelineSource(store.PipelineSource{PipelineID: "p1", Channel: "@source"})

	port := newFakePort()
	port.history = []messaging.Message{{ID: 1, Channel: "@source", Text: longText}}
	llmPort := &fakeLLM{}
	r := New(testDeps(t, s, port, llmPort))
	pipeline := store.Pipeline{ID: "p1", Name: "p1", Destination: "@dest", Mode: config.ModeText, Type: config.TypeStandard, IntervalSec: 300, BlackboxEveryN: 1}

	if _, err := r.Run(context.Background(), store.Account{Name: "acct"}, pipeline, behaviorForTests); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(llmPort.paraphraseCalls) != 1 {
		t.Fatalf("expected one Paraphrase call, got %d", len(llmPort.paraphraseCalls))
	}
	if !strings.HasPrefix(llmPort.paraphraseCalls[0], "[BLACKBOX]") {
		t.Fatalf("expected blackbox-tagged input on every-1st post, got %q", llmPort.paraphraseCalls[0])
	}
}
