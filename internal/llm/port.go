// Package llm provides the LLM Port: a small, provider-neutral surface
// over text/image generation used by the pipeline runners. Every call
// returns token-usage counters alongside its result so the caller can
// account for cost regardless of which concrete provider answered.
//
// Retries, strict JSON validation, and cost accounting live here so
// runners never talk to a provider SDK directly — mirroring the
// Port-layer inversion called out for the scheduler/DB/LLM cycle.
package llm

import "context"

// DiscussionReply is one generated chained reply, tied to the role it
// was generated for.
type DiscussionReply struct {
	RoleLabel string
	Text      string
}

// DiscussionQnA is the result of generating a question-and-replies
// thread for a selected published post.
type DiscussionQnA struct {
	Question string
	Replies  []DiscussionReply
}

// UserReply is the result of generating a live reply to a human
// message, optionally carrying a model-chosen reaction emoji.
type UserReply struct {
	ReplyText     string
	ReactionEmoji string // empty means no reaction
}

// Usage carries token accounting for a single call, in the
// provider-neutral shape the usage ledger persists.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ImageTokens  int
	ImageCount   int
}

// Port is the capability surface every pipeline runner depends on.
// Concrete adapters (OpenAIPort) implement retries and validation;
// callers treat any returned error as "this micro-task failed, skip
// it" — never as grounds to abort the runner.
type Port interface {
	// Paraphrase rewrites text in the fixed system-prompt voice. If
	// text carries a "[BLACKBOX]" prefix the caller is responsible for
	// applying visual distortion afterward (see internal/textproc);
	// Paraphrase itself only strips the tag before sending it upstream.
	Paraphrase(ctx context.Context, text string) (string, Usage, error)

	// DescribeImage produces a short Russian description of an image,
	// used to drive image-mode republishing.
	DescribeImage(ctx context.Context, photo []byte) (string, Usage, error)

	// GenerateImage renders a new image from a text description.
	GenerateImage(ctx context.Context, description string) ([]byte, Usage, error)

	// SelectFromList asks the model to pick one candidate index
	// (1-based) out of candidates, optionally biased away from
	// recentTopics. The returned index is already clamped to
	// [1, len(candidates)].
	SelectFromList(ctx context.Context, candidates []string, recentTopics []string) (int, Usage, error)

	// DiscussionQnA generates a restatement-plus-question about
	// newsText and repliesCount chained replies, one per role in
	// roles (roles[0] is the question-asker's own voice; the
	// remainder are the chained bot replies). lastQuestions biases the
	// model away from repeating recent phrasing.
	DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (DiscussionQnA, Usage, error)

	// UserReply generates a live reply to a human message.
	// contextMessages are the last few chat messages for grounding.
	// roleLabel/personaMeta describe the speaking persona. When
	// modelDriven is true and allowedReactions is non-empty, the
	// model may additionally pick one reaction emoji (or none, at
	// roughly nullRate); when modelDriven is false ReactionEmoji is
	// always empty.
	UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (UserReply, Usage, error)
}

// PersonaMeta is the structural description of a persona passed into
// prompts. It is never rendered as a "META:"-prefixed string inline —
// the Persona Registry forbids that marker leaking into role labels —
// it is passed as data and the adapter embeds it into prompt fields.
type PersonaMeta struct {
	DisplayName       string
	Gender            string
	Tone              string
	Verbosity         string
	Topics            []string
	TopicPriority     float64
	OfftopicTolerance float64
}
