package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

func testStore(t *testing.T, key []byte) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTripWithoutEncryption(t *testing.T) {
	s := testStore(t, nil)
	a := Account{
		Name:   "acct1",
		Reader: config.Credentials{APIID: 7, APIHash: "hash", Session: "sess"},
	}
	if err := s.UpsertAccount(a); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	got, err := s.GetAccount("acct1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Reader != a.Reader {
		t.Fatalf("Reader = %+v, want %+v", got.Reader, a.Reader)
	}
	if got.Writer != nil {
		t.Fatal("expected nil Writer when none configured")
	}
}

func TestAccountCredentialsEncryptedAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s := testStore(t, key)
	a := Account{Name: "acct1", Reader: config.Credentials{APIID: 1, APIHash: "h", Session: "topsecret"}}
	if err := s.UpsertAccount(a); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	var blob []byte
	if err := s.db.QueryRow(`SELECT reader_blob FROM accounts WHERE name = ?`, "acct1").Scan(&blob); err != nil {
		t.Fatalf("query raw blob: %v", err)
	}
	if string(blob) == `{"apiId":1,"apiHash":"h","session":"topsecret"}` {
		t.Fatal("reader_blob stored in clear text despite encryption key")
	}

	got, err := s.GetAccount("acct1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Reader.Session != "topsecret" {
		t.Fatalf("decrypted session = %q, want topsecret", got.Reader.Session)
	}
}

func TestAccountFloodWaitUntil(t *testing.T) {
	s := testStore(t, nil)
	s.UpsertAccount(Account{Name: "a", Reader: config.Credentials{APIID: 1, Session: "s"}})

	until := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	if err := s.SetFloodWaitUntil("a", &until); err != nil {
		t.Fatalf("SetFloodWaitUntil: %v", err)
	}
	got, err := s.GetAccount("a")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.FloodWaitUntil == nil || !got.FloodWaitUntil.Equal(until.UTC()) {
		t.Fatalf("FloodWaitUntil = %v, want %v", got.FloodWaitUntil, until)
	}

	if err := s.SetFloodWaitUntil("a", nil); err != nil {
		t.Fatalf("clear FloodWaitUntil: %v", err)
	}
	got, _ = s.GetAccount("a")
	if got.FloodWaitUntil != nil {
		t.Fatal("expected FloodWaitUntil cleared")
	}
}

func TestPipelineUniqueNameUpsertUpdatesInPlace(t *testing.T) {
	s := testStore(t, nil)
	p := Pipeline{Name: "p1", AccountName: "a", Enabled: true, Destination: "@dest", Mode: "TEXT", Type: "STANDARD", IntervalSec: 300}
	if err := s.UpsertPipeline(p); err != nil {
		t.Fatalf("UpsertPipeline: %v", err)
	}
	p.Destination = "@dest2"
	if err := s.UpsertPipeline(p); err != nil {
		t.Fatalf("UpsertPipeline (update): %v", err)
	}

	got, err := s.GetPipelineByName("p1")
	if err != nil {
		t.Fatalf("GetPipelineByName: %v", err)
	}
	if got.Destination != "@dest2" {
		t.Fatalf("Destination = %q, want @dest2 (upsert should update in place, not duplicate)", got.Destination)
	}

	all, err := s.ListEnabledPipelines()
	if err != nil {
		t.Fatalf("ListEnabledPipelines: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(ListEnabledPipelines) = %d, want 1", len(all))
	}
}

func TestPipelineSourceUniqueChannelPreservesWatermarkOnReseed(t *testing.T) {
	s := testStore(t, nil)
	pipeline := Pipeline{Name: "p1", AccountName: "a", Enabled: true, Destination: "@d", Mode: "TEXT", Type: "STANDARD", IntervalSec: 60}
	s.UpsertPipeline(pipeline)
	p, _ := s.GetPipelineByName("p1")

	if err := s.UpsertPipelineSource(PipelineSource{PipelineID: p.ID, Channel: "@src"}); err != nil {
		t.Fatalf("UpsertPipelineSource: %v", err)
	}
	if err := s.SetSourceWatermark(p.ID, "@src", 42); err != nil {
		t.Fatalf("SetSourceWatermark: %v", err)
	}

	// Re-seeding from a config reload with no explicit watermark must not
	// clobber the one already observed.
	if err := s.UpsertPipelineSource(PipelineSource{PipelineID: p.ID, Channel: "@src"}); err != nil {
		t.Fatalf("UpsertPipelineSource (reseed): %v", err)
	}

	sources, err := s.ListPipelineSources(p.ID)
	if err != nil {
		t.Fatalf("ListPipelineSources: %v", err)
	}
	if len(sources) != 1 || sources[0].LastSeenMessageID == nil || *sources[0].LastSeenMessageID != 42 {
		t.Fatalf("sources = %+v, want watermark 42 preserved", sources)
	}
}

func TestPipelineStateDefaultsToZeroOnFirstAccess(t *testing.T) {
	s := testStore(t, nil)
	st, err := s.GetOrInitPipelineState("pipe-x")
	if err != nil {
		t.Fatalf("GetOrInitPipelineState: %v", err)
	}
	if st.CurrentSourceIndex != 0 || st.TotalPosts != 0 || st.LastRunAt != nil {
		t.Fatalf("fresh state = %+v, want zeroed", st)
	}
}

func TestRecentPostsOrderedNewestFirst(t *testing.T) {
	s := testStore(t, nil)
	base := time.Now().Add(-time.Hour)
	s.RecordPost(PostHistoryEntry{PipelineID: "p", Text: "first", CreatedAt: base})
	s.RecordPost(PostHistoryEntry{PipelineID: "p", Text: "second", CreatedAt: base.Add(time.Minute)})

	posts, err := s.RecentPosts("p", 10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 2 || posts[0].Text != "second" {
		t.Fatalf("posts = %+v, want [second, first]", posts)
	}
}

func TestPruneHistoryKeepsOnlyMostRecentWindow(t *testing.T) {
	s := testStore(t, nil)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		s.RecordPost(PostHistoryEntry{PipelineID: "p", Text: fmt.Sprintf("post-%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	if err := s.PruneHistory("p", 2); err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}

	posts, err := s.RecentPosts("p", 10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 2 || posts[0].Text != "post-4" || posts[1].Text != "post-3" {
		t.Fatalf("posts = %+v, want [post-4, post-3]", posts)
	}
}

func TestDiscussionReplyQueueOrdersBySendAtThenInsertion(t *testing.T) {
	s := testStore(t, nil)
	now := time.Now()
	s.EnqueueDiscussionReply(DiscussionReply{PipelineID: "p", Kind: ReplyKindBot, AccountName: "a", ReplyText: "later", SendAt: now.Add(time.Minute)})
	s.EnqueueDiscussionReply(DiscussionReply{PipelineID: "p", Kind: ReplyKindBot, AccountName: "a", ReplyText: "now1", SendAt: now})
	s.EnqueueDiscussionReply(DiscussionReply{PipelineID: "p", Kind: ReplyKindBot, AccountName: "a", ReplyText: "now2", SendAt: now})

	due, err := s.DueReplies("p", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("DueReplies: %v", err)
	}
	if len(due) != 2 || due[0].ReplyText != "now1" || due[1].ReplyText != "now2" {
		t.Fatalf("due = %+v, want [now1, now2] in insertion order", due)
	}
}

func TestCancelPendingRepliesTo(t *testing.T) {
	s := testStore(t, nil)
	now := time.Now()
	parent := int64(100)
	id, _ := s.EnqueueDiscussionReply(DiscussionReply{PipelineID: "p", Kind: ReplyKindUser, AccountName: "a", ReplyText: "stale", SendAt: now, ReplyToMessageID: &parent})

	n, err := s.CancelPendingRepliesTo("p", parent, "superseded by fresher reply")
	if err != nil {
		t.Fatalf("CancelPendingRepliesTo: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled count = %d, want 1", n)
	}

	due, _ := s.DueReplies("p", now)
	for _, r := range due {
		if r.ID == id {
			t.Fatal("cancelled reply should no longer be due")
		}
	}
}

func TestDiscussionStateRoundTripsRecentTopics(t *testing.T) {
	s := testStore(t, nil)
	st, err := s.GetOrInitDiscussionState("p")
	if err != nil {
		t.Fatalf("GetOrInitDiscussionState: %v", err)
	}
	st.RecentTopics.Topics = append(st.RecentTopics.Topics, "politics")
	st.RecentTopics.Fingerprints = append(st.RecentTopics.Fingerprints, "abcd1234")
	qid := int64(55)
	st.QuestionMessageID = &qid

	if err := s.SaveDiscussionState(st); err != nil {
		t.Fatalf("SaveDiscussionState: %v", err)
	}
	got, err := s.GetDiscussionState("p")
	if err != nil {
		t.Fatalf("GetDiscussionState: %v", err)
	}
	if len(got.RecentTopics.Topics) != 1 || got.RecentTopics.Topics[0] != "politics" {
		t.Fatalf("RecentTopics = %+v", got.RecentTopics)
	}
	if got.QuestionMessageID == nil || *got.QuestionMessageID != 55 {
		t.Fatalf("QuestionMessageID = %v, want 55", got.QuestionMessageID)
	}
}

func TestDiscussionSettingsRoundTripsActivityWindows(t *testing.T) {
	s := testStore(t, nil)
	d := DiscussionSettings{
		PipelineID:              "p",
		TargetChat:              "@chat",
		SourcePipelineName:      "source-pipe",
		KMin:                    1,
		KMax:                    3,
		ActivityWindowsWeekdays: []config.TimeWindow{{Start: 22 * time.Hour, End: 2 * time.Hour}},
		Timezone:                "Asia/Yekaterinburg",
		MinIntervalMinutes:      5,
		MaxIntervalMinutes:      15,
		UserReplyMaxAgeMinutes:  10,
	}
	if err := s.UpsertDiscussionSettings(d); err != nil {
		t.Fatalf("UpsertDiscussionSettings: %v", err)
	}
	got, err := s.GetDiscussionSettings("p")
	if err != nil {
		t.Fatalf("GetDiscussionSettings: %v", err)
	}
	if len(got.ActivityWindowsWeekdays) != 1 || got.ActivityWindowsWeekdays[0].Start != 22*time.Hour {
		t.Fatalf("ActivityWindowsWeekdays = %+v", got.ActivityWindowsWeekdays)
	}
}

func TestPersonaRoundTrip(t *testing.T) {
	s := testStore(t, nil)
	p := Persona{AccountName: "a", Tone: "sarcastic", Verbosity: "short", Topics: []string{"sports", "memes"}, OfftopicTolerance: 70}
	if err := s.UpsertPersona(p); err != nil {
		t.Fatalf("UpsertPersona: %v", err)
	}
	got, err := s.GetPersona("a")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got.Tone != "sarcastic" || len(got.Topics) != 2 {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s := testStore(t, nil)
	if _, err := s.GetAccount("missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
