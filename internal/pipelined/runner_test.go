package pipelined

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/persona"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
)

// fakePort is a minimal messaging.Port stub recording send/reaction
// calls, in the style of pipelinep's runner tests.
type fakePort struct {
	history    []messaging.Message
	sentTexts  []string
	reactions  []string
	allowed    []string
	nextSentID int64
}

func newFakePort() *fakePort { return &fakePort{nextSentID: 1000} }

func (f *fakePort) FetchHistorySince(ctx context.Context, account, channel string, minID int64, limit int) ([]messaging.Message, error) {
	return f.history, nil
}
func (f *fakePort) DownloadPhoto(ctx context.Context, account string, msg messaging.Message) ([]byte, error) {
	return nil, nil
}
func (f *fakePort) SendText(ctx context.Context, account, channel, text string, replyTo int64) (messaging.Message, error) {
	f.sentTexts = append(f.sentTexts, text)
	f.nextSentID++
	return messaging.Message{ID: f.nextSentID, Channel: channel, Text: text, SentAt: time.Now().UTC()}, nil
}
func (f *fakePort) SendMedia(ctx context.Context, account, channel string, media messaging.Media, caption string) (messaging.Message, error) {
	return messaging.Message{}, nil
}
func (f *fakePort) SendAlbum(ctx context.Context, account, channel string, media []messaging.Media, caption string) ([]messaging.Message, error) {
	return nil, nil
}
func (f *fakePort) SetReaction(ctx context.Context, account, channel string, msgID int64, emoji string) error {
	f.reactions = append(f.reactions, emoji)
	return nil
}
func (f *fakePort) AllowedReactions(ctx context.Context, account, channel string) ([]string, error) {
	return f.allowed, nil
}
func (f *fakePort) Identify(ctx context.Context, account string) (messaging.Identity, error) {
	return messaging.Identity{}, nil
}

// fakeLLM is a minimal llm.Port stub with canned discussion/reply
// responses.
type fakeLLM struct {
	selectIndex int
	qna         llm.DiscussionQnA
	userReply   llm.UserReply
}

func (f *fakeLLM) Paraphrase(ctx context.Context, text string) (string, llm.Usage, error) {
	return text, llm.Usage{}, nil
}
func (f *fakeLLM) DescribeImage(ctx context.Context, photo []byte) (string, llm.Usage, error) {
	return "", llm.Usage{}, nil
}
func (f *fakeLLM) GenerateImage(ctx context.Context, description string) ([]byte, llm.Usage, error) {
	return nil, llm.Usage{}, nil
}
func (f *fakeLLM) SelectFromList(ctx context.Context, candidates []string, recentTopics []string) (int, llm.Usage, error) {
	idx := f.selectIndex
	if idx < 1 {
		idx = 1
	}
	if idx > len(candidates) {
		idx = len(candidates)
	}
	return idx, llm.Usage{}, nil
}
func (f *fakeLLM) DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (llm.DiscussionQnA, llm.Usage, error) {
	return f.qna, llm.Usage{}, nil
}
func (f *fakeLLM) UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta llm.PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (llm.UserReply, llm.Usage, error) {
	return f.userReply, llm.Usage{}, nil
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

func testDeps(s *store.Store, port *fakePort, llmPort *fakeLLM) Deps {
	return Deps{
		Store:     s,
		Messaging: port,
		LLM:       llmPort,
		Personas:  persona.NewRegistry(),
		Clock:     clock.New(),
		Dedup: config.DedupConfig{
			BM25Threshold:       8.5,
			BM25WindowSize:      50,
			FingerprintRingSize: 10,
		},
		Reactions:      config.ReactionsConfig{Enabled: false},
		ChatReactions:  config.ReactionsConfig{Enabled: false},
		AdminReactions: config.AdminReactionsConfig{Enabled: false},
	}
}

func seedDiscussionPipeline(t *testing.T, s *store.Store) (store.Pipeline, store.Account, store.DiscussionSettings) {
	t.Helper()

	account := store.Account{Name: "primary"}
	if err := s.UpsertAccount(account); err != nil {
		t.Fatalf("UpsertAccount primary: %v", err)
	}
	for _, name := range []string{"bot1", "bot2"} {
		if err := s.UpsertAccount(store.Account{Name: name}); err != nil {
			t.Fatalf("UpsertAccount %s: %v", name, err)
		}
	}

	source := store.Pipeline{ID: "src", Name: "src", AccountName: "primary", Enabled: true, Destination: "@source", Mode: config.ModeText, Type: config.TypeStandard}
	if err := s.UpsertPipeline(source); err != nil {
		t.Fatalf("UpsertPipeline source: %v", err)
	}

	discussion := store.Pipeline{ID: "disc", Name: "disc", AccountName: "primary", Enabled: true, Destination: "@chat", Type: config.TypeDiscussion}
	if err := s.UpsertPipeline(discussion); err != nil {
		t.Fatalf("UpsertPipeline discussion: %v", err)
	}

	settings := store.DiscussionSettings{
		PipelineID:                  "disc",
		TargetChat:                  "@chat",
		SourcePipelineName:          "src",
		KMin:                        1,
		KMax:                        1,
		ReplyToReplyProbability:     0,
		Timezone:                    "",
		MinIntervalMinutes:          30,
		MaxIntervalMinutes:          30,
		InactivityPauseMinutes:      0,
		MaxAutoRepliesPerChatPerDay: 10,
		UserReplyMaxAgeMinutes:      60,
	}
	if err := s.UpsertDiscussionSettings(settings); err != nil {
		t.Fatalf("UpsertDiscussionSettings: %v", err)
	}

	return discussion, account, settings
}

func TestActivityFactorClampsToRange(t *testing.T) {
	cases := []struct {
		percent float64
		want    float64
	}{
		{percent: 0, want: 1.5},
		{percent: 100, want: 0.5},
		{percent: 50, want: 1.0},
		{percent: 1000, want: 0.5},
		{percent: -1000, want: 1.5},
	}
	for _, c := range cases {
		if got := activityFactor(c.percent); got != c.want {
			t.Errorf("activityFactor(%v) = %v, want %v", c.percent, got, c.want)
		}
	}
}

func TestWithinActivityWindowUnrestrictedWhenEmpty(t *testing.T) {
	r := New(Deps{Store: testStore(t), Clock: clock.New()})
	ok, _ := r.withinActivityWindow(store.DiscussionSettings{})
	if !ok {
		t.Fatal("expected empty window lists to be unrestricted")
	}
}

func TestPlanNewDiscussionPublishesQuestionAndSchedulesReplies(t *testing.T) {
	s := testStore(t)
	pipeline, account, _ := seedDiscussionPipeline(t, s)
	// Weight 0 takes bot2 out of the pool, so the one scripted reply
	// (bot1's) always belongs to the bot that gets picked.
	if err := s.UpsertDiscussionBotWeight(store.DiscussionBotWeight{PipelineID: pipeline.ID, AccountName: "bot2", Weight: 0, DailyLimit: 20, CooldownMin: 10}); err != nil {
		t.Fatalf("UpsertDiscussionBotWeight: %v", err)
	}

	port := newFakePort()
	port.history = []messaging.Message{{ID: 7, Channel: "@source", Text: "Цены на нефть снова выросли.", SentAt: time.Now().UTC()}}

	llmPort := &fakeLLM{
		selectIndex: 1,
		qna: llm.DiscussionQnA{
			Question: "Что думаете про нефть?",
			Replies:  []llm.DiscussionReply{{RoleLabel: "bot1", Text: "Похоже на рост."}},
		},
	}

	r := New(testDeps(s, port, llmPort))
	settings, err := s.GetDiscussionSettings(pipeline.ID)
	if err != nil {
		t.Fatalf("GetDiscussionSettings: %v", err)
	}

	now := time.Now().UTC()
	if err := r.planNewDiscussion(context.Background(), pipeline, settings, account, now, true); err != nil {
		t.Fatalf("planNewDiscussion: %v", err)
	}

	if len(port.sentTexts) != 1 || port.sentTexts[0] != "Что думаете про нефть?" {
		t.Fatalf("expected the question to be published, got %v", port.sentTexts)
	}

	state, err := s.GetDiscussionState(pipeline.ID)
	if err != nil {
		t.Fatalf("GetDiscussionState: %v", err)
	}
	if state.QuestionMessageID == nil {
		t.Fatal("expected QuestionMessageID to be set")
	}
	if state.RepliesPlanned != 1 {
		t.Fatalf("RepliesPlanned = %d, want 1", state.RepliesPlanned)
	}
	if state.NextDueAt == nil || !state.NextDueAt.After(now) {
		t.Fatal("expected NextDueAt to be scheduled in the future")
	}

	due, err := s.DueReplies(pipeline.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DueReplies: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one scheduled bot reply, got %d", len(due))
	}
}

func TestPlanNewDiscussionSkipsWhenOutsideActivityWindow(t *testing.T) {
	s := testStore(t)
	pipeline, account, _ := seedDiscussionPipeline(t, s)

	port := newFakePort()
	port.history = []messaging.Message{{ID: 1, Text: "irrelevant"}}
	r := New(testDeps(s, port, &fakeLLM{}))
	settings, _ := s.GetDiscussionSettings(pipeline.ID)

	if err := r.planNewDiscussion(context.Background(), pipeline, settings, account, time.Now().UTC(), false); err != nil {
		t.Fatalf("planNewDiscussion: %v", err)
	}
	if len(port.sentTexts) != 0 {
		t.Fatal("expected no publish while outside the activity window")
	}
}

func TestFilterSeedsHardExcludesLastSourcePost(t *testing.T) {
	s := testStore(t)
	r := New(testDeps(s, newFakePort(), &fakeLLM{}))
	pipeline := store.Pipeline{ID: "disc", Name: "disc"}
	source := store.Pipeline{ID: "src", Name: "src"}

	seeds := []seed{
		{msg: messaging.Message{ID: 1, Text: "a"}, text: "a"},
		{msg: messaging.Message{ID: 2, Text: "b"}, text: "b"},
	}
	state := store.DiscussionState{
		LastSourcePostID: int64Ptr(1),
		RecentTopics:     store.RecentTopics{Topics: []string{}, Fingerprints: []string{}},
	}

	out, err := r.filterSeeds(pipeline, source, seeds, state)
	if err != nil {
		t.Fatalf("filterSeeds: %v", err)
	}
	if len(out) != 1 || out[0].msg.ID != 2 {
		t.Fatalf("expected seed id 1 hard-excluded and id 2 to survive, got %+v", out)
	}
}

func TestFilterSeedsLastSourcePostExclusionCanEmptyResult(t *testing.T) {
	s := testStore(t)
	r := New(testDeps(s, newFakePort(), &fakeLLM{}))
	pipeline := store.Pipeline{ID: "disc", Name: "disc"}
	source := store.Pipeline{ID: "src", Name: "src"}

	seeds := []seed{{msg: messaging.Message{ID: 9, Text: "only"}, text: "only"}}
	state := store.DiscussionState{
		LastSourcePostID: int64Ptr(9),
		RecentTopics:     store.RecentTopics{Topics: []string{}, Fingerprints: []string{}},
	}

	out, err := r.filterSeeds(pipeline, source, seeds, state)
	if err != nil {
		t.Fatalf("filterSeeds: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected the only candidate to be hard-excluded (all candidates already discussed), got %d", len(out))
	}
}

func TestFilterSeedsPreservesNewestByIDNotFetchOrder(t *testing.T) {
	s := testStore(t)
	r := New(testDeps(s, newFakePort(), &fakeLLM{}))
	pipeline := store.Pipeline{ID: "disc", Name: "disc"}
	source := store.Pipeline{ID: "src", Name: "src"}

	// FetchHistorySince returns newest-first, so the newest message
	// (id 5) appears first in the slice even though it is the one the
	// topic-overlap filter must still protect.
	seeds := []seed{
		{msg: messaging.Message{ID: 5, Text: "newest"}, text: "newest", topics: []string{"politics"}},
		{msg: messaging.Message{ID: 3, Text: "older"}, text: "older", topics: []string{"politics"}},
	}
	state := store.DiscussionState{
		RecentTopics: store.RecentTopics{Topics: []string{"politics"}, Fingerprints: []string{}},
	}

	out, err := r.filterSeeds(pipeline, source, seeds, state)
	if err != nil {
		t.Fatalf("filterSeeds: %v", err)
	}
	if len(out) != 1 || out[0].msg.ID != 5 {
		t.Fatalf("expected the newest seed (id 5) to survive topic-overlap filtering, got %+v", out)
	}
}

func TestSendDuePlannedRepliesCancelsWhenQuestionMissing(t *testing.T) {
	s := testStore(t)
	pipeline, _, settings := seedDiscussionPipeline(t, s)

	id, err := s.EnqueueDiscussionReply(store.DiscussionReply{
		PipelineID: pipeline.ID, Kind: store.ReplyKindBot, ChatID: "@chat",
		AccountName: "bot1", ReplyText: "hi", SendAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("EnqueueDiscussionReply: %v", err)
	}

	r := New(testDeps(s, newFakePort(), &fakeLLM{}))
	if err := r.sendDuePlannedReplies(context.Background(), pipeline, settings, time.Now().UTC()); err != nil {
		t.Fatalf("sendDuePlannedReplies: %v", err)
	}

	due, err := s.DueReplies(pipeline.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueReplies: %v", err)
	}
	for _, d := range due {
		if d.ID == id {
			t.Fatal("expected the reply to be cancelled, not left pending")
		}
	}
}

func TestChooseReactionEmojiCategories(t *testing.T) {
	r := New(testDeps(testStore(t), newFakePort(), &fakeLLM{}))
	cfg := config.ReactionsConfig{Emojis: []string{"👍"}}

	if got := r.chooseReactionEmoji([]string{"conflict"}, cfg); got != "⚡" && got != "👀" && got != "🤔" {
		t.Fatalf("conflict tag produced unexpected emoji %q", got)
	}
	if got := r.chooseReactionEmoji([]string{"weather"}, cfg); got != "🥱" {
		t.Fatalf("weather-only tag should be boring, got %q", got)
	}
	if got := r.chooseReactionEmoji(nil, cfg); got != "🥱" {
		t.Fatalf("no tags should be boring, got %q", got)
	}
}

func TestAppendRecentTopicsCapsAtThree(t *testing.T) {
	got := appendRecentTopics([]string{"economy", "sports"}, []string{"politics", "technology"}, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 topics, got %v", got)
	}
	if got[len(got)-1] != "technology" {
		t.Fatalf("expected the newest topic retained last, got %v", got)
	}
}

func int64Ptr(v int64) *int64 { return &v }
