package llm

import "context"

// accountScopedPort decorates a Port with an account's
// systemPromptChat, threading it as an additional persona fragment
// into every call that targets that account's persona. Paraphrase,
// DescribeImage, GenerateImage and SelectFromList are untouched — they
// are not persona-voiced operations.
type accountScopedPort struct {
	Port
	systemPromptChat string
}

// ForAccount returns a Port that threads the account's systemPromptChat
// fragment into persona-voiced calls: DiscussionQnA gets it prefixed to
// newsText, UserReply gets it as the first context message. An empty
// fragment returns base unchanged.
func ForAccount(base Port, systemPromptChat string) Port {
	if systemPromptChat == "" {
		return base
	}
	return &accountScopedPort{Port: base, systemPromptChat: systemPromptChat}
}

func (a *accountScopedPort) DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (DiscussionQnA, Usage, error) {
	return a.Port.DiscussionQnA(ctx, a.systemPromptChat+"\n\n"+newsText, repliesCount, roles, lastQuestions)
}

func (a *accountScopedPort) UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (UserReply, Usage, error) {
	framed := append([]string{a.systemPromptChat}, contextMessages...)
	return a.Port.UserReply(ctx, sourceText, framed, roleLabel, personaMeta, allowedReactions, modelDriven, nullRate)
}
