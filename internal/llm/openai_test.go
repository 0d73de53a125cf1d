package llm

import (
	"context"
	"strings"
	"testing"
)

func TestUnmarshalStrictJSONPlain(t *testing.T) {
	var v selectFromListResult
	if err := unmarshalStrictJSON(`{"index": 3}`, &v); err != nil {
		t.Fatalf("unmarshalStrictJSON: %v", err)
	}
	if v.Index != 3 {
		t.Fatalf("Index = %d, want 3", v.Index)
	}
}

func TestUnmarshalStrictJSONStripsCodeFence(t *testing.T) {
	var v selectFromListResult
	raw := "```json\n{\"index\": 2}\n```"
	if err := unmarshalStrictJSON(raw, &v); err != nil {
		t.Fatalf("unmarshalStrictJSON with fence: %v", err)
	}
	if v.Index != 2 {
		t.Fatalf("Index = %d, want 2", v.Index)
	}
}

func TestUnmarshalStrictJSONRejectsUnknownFields(t *testing.T) {
	var v selectFromListResult
	err := unmarshalStrictJSON(`{"index": 1, "extra": true}`, &v)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestUnmarshalStrictJSONRejectsGarbage(t *testing.T) {
	var v selectFromListResult
	if err := unmarshalStrictJSON("not json at all", &v); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}

func TestAllowedContains(t *testing.T) {
	allowed := []string{"👍", "🔥", "🤔"}
	if !allowedContains(allowed, "🔥") {
		t.Fatal("expected 🔥 to be allowed")
	}
	if allowedContains(allowed, "😂") {
		t.Fatal("expected 😂 to not be allowed")
	}
}

// fakePort is a minimal Port used to test the ForAccount decorator
// without any network dependency.
type fakePort struct {
	gotNewsText  string
	gotSourceCtx []string
}

func (f *fakePort) Paraphrase(ctx context.Context, text string) (string, Usage, error) {
	return text, Usage{}, nil
}
func (f *fakePort) DescribeImage(ctx context.Context, photo []byte) (string, Usage, error) {
	return "", Usage{}, nil
}
func (f *fakePort) GenerateImage(ctx context.Context, description string) ([]byte, Usage, error) {
	return nil, Usage{}, nil
}
func (f *fakePort) SelectFromList(ctx context.Context, candidates []string, recentTopics []string) (int, Usage, error) {
	return 1, Usage{}, nil
}
func (f *fakePort) DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (DiscussionQnA, Usage, error) {
	f.gotNewsText = newsText
	return DiscussionQnA{}, Usage{}, nil
}
func (f *fakePort) UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (UserReply, Usage, error) {
	f.gotSourceCtx = contextMessages
	return UserReply{}, Usage{}, nil
}

func TestForAccountInjectsSystemPromptChat(t *testing.T) {
	fake := &fakePort{}
	scoped := ForAccount(fake, "Ты ведёшь канал про котиков.")

	if _, _, err := scoped.DiscussionQnA(context.Background(), "свежая новость", 1, []string{"primary", "bot1"}, nil); err != nil {
		t.Fatalf("DiscussionQnA: %v", err)
	}
	if !strings.Contains(fake.gotNewsText, "котиков") || !strings.Contains(fake.gotNewsText, "свежая новость") {
		t.Fatalf("expected systemPromptChat fragment folded into newsText, got %q", fake.gotNewsText)
	}

	if _, _, err := scoped.UserReply(context.Background(), "привет", []string{"ctx1"}, "role", PersonaMeta{}, nil, false, 0); err != nil {
		t.Fatalf("UserReply: %v", err)
	}
	if len(fake.gotSourceCtx) != 2 || !strings.Contains(fake.gotSourceCtx[0], "котиков") {
		t.Fatalf("expected systemPromptChat prepended to context, got %v", fake.gotSourceCtx)
	}
}

func TestForAccountNoopWhenEmpty(t *testing.T) {
	fake := &fakePort{}
	scoped := ForAccount(fake, "")
	if scoped != Port(fake) {
		t.Fatal("ForAccount with empty prompt should return the base Port unchanged")
	}
}
