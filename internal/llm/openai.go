package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/romanmihailow/tg-pipeline-engine/internal/httpkit"
)

// OpenAIConfig configures the concrete OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // empty uses the provider default
	ChatModel    string
	ImageModel   string
	MaxRetries   int           // default 2, per spec.md §4.4
	RetryBaseDur time.Duration // default 500ms, doubled per attempt
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBaseDur <= 0 {
		c.RetryBaseDur = 500 * time.Millisecond
	}
	if c.ChatModel == "" {
		c.ChatModel = openai.GPT4oMini
	}
	if c.ImageModel == "" {
		c.ImageModel = openai.CreateImageModelDallE3
	}
	return c
}

// OpenAIPort is the concrete LLM Port backed by an OpenAI-compatible
// API. It owns retry-with-exponential-backoff and strict JSON
// validation so runners never see a malformed response.
type OpenAIPort struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
	sink   *UsageSink
	tok    *tiktoken.Tiktoken
}

// NewOpenAIPort constructs an OpenAIPort. sink may be nil to disable
// usage accounting (useful in tests).
func NewOpenAIPort(cfg OpenAIConfig, sink *UsageSink, logger *slog.Logger) *OpenAIPort {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(60*time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	// cl100k_base covers every GPT-3.5/4-family model; a missing
	// encoding only disables local token estimation, never the call
	// itself, so the error is swallowed here.
	enc, _ := tiktoken.GetEncoding("cl100k_base")

	return &OpenAIPort{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		tok:    enc,
	}
}

// estimateTokens counts tokens locally when a response omits usage
// data (some OpenAI-compatible providers don't echo it back).
func (p *OpenAIPort) estimateTokens(s string) int {
	if p.tok == nil {
		return len(s) / 4
	}
	return len(p.tok.Encode(s, nil, nil))
}

// chatCompletion runs req with retry-twice-exponential-backoff,
// returning the first choice's content and token usage.
func (p *OpenAIPort) chatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage) (string, Usage, error) {
	var lastErr error
	delay := p.cfg.RetryBaseDur

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    p.cfg.ChatModel,
			Messages: messages,
		})
		if err != nil {
			lastErr = err
			p.logger.Warn("llm chat completion failed, retrying",
				"attempt", attempt, "error", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm: empty choices in response")
			continue
		}

		content := resp.Choices[0].Message.Content
		usage := Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			for _, m := range messages {
				usage.InputTokens += p.estimateTokens(m.Content)
			}
			usage.OutputTokens = p.estimateTokens(content)
		}
		return content, usage, nil
	}

	return "", Usage{}, fmt.Errorf("llm chat completion: exhausted %d retries: %w", p.cfg.MaxRetries, lastErr)
}

func sys(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: content}
}

func usr(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
}

// Paraphrase implements Port.
func (p *OpenAIPort) Paraphrase(ctx context.Context, text string) (string, Usage, error) {
	text = strings.TrimPrefix(text, "[BLACKBOX]")
	out, usage, err := p.chatCompletion(ctx, []openai.ChatCompletionMessage{
		sys(systemPromptParaphrase),
		usr(text),
	})
	if err != nil {
		return "", Usage{}, err
	}
	p.recordUsage(usage, "", "")
	return strings.TrimSpace(out), usage, nil
}

// DescribeImage implements Port.
func (p *OpenAIPort) DescribeImage(ctx context.Context, photo []byte) (string, Usage, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(photo)

	var lastErr error
	delay := p.cfg.RetryBaseDur
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: p.cfg.ChatModel,
			Messages: []openai.ChatCompletionMessage{
				sys(systemPromptDescribeImage),
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
					},
				},
			},
		})
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm: empty choices describing image")
			continue
		}
		usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		p.recordUsage(usage, "", "")
		return strings.TrimSpace(resp.Choices[0].Message.Content), usage, nil
	}
	return "", Usage{}, fmt.Errorf("llm describeImage: exhausted retries: %w", lastErr)
}

// GenerateImage implements Port.
func (p *OpenAIPort) GenerateImage(ctx context.Context, description string) ([]byte, Usage, error) {
	var lastErr error
	delay := p.cfg.RetryBaseDur
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, Usage{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
			Model:          p.cfg.ImageModel,
			Prompt:         description,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Data) == 0 {
			lastErr = fmt.Errorf("llm: empty image data")
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			lastErr = fmt.Errorf("decode generated image: %w", err)
			continue
		}
		usage := Usage{ImageCount: 1, ImageTokens: p.estimateTokens(description)}
		p.recordUsage(usage, p.cfg.ImageModel, "")
		return raw, usage, nil
	}
	return nil, Usage{}, fmt.Errorf("llm generateImage: exhausted retries: %w", lastErr)
}

type selectFromListResult struct {
	Index int `json:"index"`
}

// SelectFromList implements Port.
func (p *OpenAIPort) SelectFromList(ctx context.Context, candidates []string, recentTopics []string) (int, Usage, error) {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	if len(recentTopics) > 0 {
		fmt.Fprintf(&b, "\nНедавние темы (избегай повтора): %s\n", strings.Join(recentTopics, ", "))
	}

	out, usage, err := p.chatCompletion(ctx, []openai.ChatCompletionMessage{
		sys(systemPromptSelectFromList),
		usr(b.String()),
	})
	if err != nil {
		return 0, Usage{}, err
	}

	var result selectFromListResult
	if err := unmarshalStrictJSON(out, &result); err != nil {
		return 0, usage, fmt.Errorf("selectFromList: %w", err)
	}

	idx := result.Index
	if idx < 1 {
		idx = 1
	}
	if idx > len(candidates) {
		idx = len(candidates)
	}
	p.recordUsage(usage, "", "")
	return idx, usage, nil
}

type discussionQnAResult struct {
	Question string   `json:"question"`
	Replies  []string `json:"replies"`
}

// DiscussionQnA implements Port.
func (p *OpenAIPort) DiscussionQnA(ctx context.Context, newsText string, repliesCount int, roles []string, lastQuestions []string) (DiscussionQnA, Usage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Новость:\n%s\n\n", newsText)
	fmt.Fprintf(&b, "Роли для ответов (в порядке): %s\n", strings.Join(roles, "; "))
	fmt.Fprintf(&b, "Количество ответов: %d\n", repliesCount)
	if len(lastQuestions) > 0 {
		fmt.Fprintf(&b, "Недавние вопросы (не повторяй формулировку): %s\n", strings.Join(lastQuestions, " | "))
	}
	fmt.Fprintf(&b, "Примеры разнообразных начал фраз (не копируй дословно): %s\n", strings.Join(variedOpenings, "; "))

	out, usage, err := p.chatCompletion(ctx, []openai.ChatCompletionMessage{
		sys(systemPromptDiscussionQnA),
		usr(b.String()),
	})
	if err != nil {
		return DiscussionQnA{}, Usage{}, err
	}

	var result discussionQnAResult
	if err := unmarshalStrictJSON(out, &result); err != nil {
		return DiscussionQnA{}, usage, fmt.Errorf("discussionQnA: %w", err)
	}
	if strings.TrimSpace(result.Question) == "" {
		return DiscussionQnA{}, usage, fmt.Errorf("discussionQnA: empty question")
	}

	n := repliesCount
	if n > len(roles)-1 {
		n = len(roles) - 1
	}
	if n > len(result.Replies) {
		n = len(result.Replies)
	}

	replies := make([]DiscussionReply, 0, n)
	for i := 0; i < n; i++ {
		text := strings.TrimSpace(result.Replies[i])
		if text == "" {
			continue
		}
		replies = append(replies, DiscussionReply{RoleLabel: roles[i+1], Text: text})
	}

	p.recordUsage(usage, "", newsText)
	return DiscussionQnA{Question: strings.TrimSpace(result.Question), Replies: replies}, usage, nil
}

type userReplyModelResult struct {
	ReplyText     string  `json:"reply_text"`
	ReactionEmoji *string `json:"reaction_emoji"`
}

// UserReply implements Port.
func (p *OpenAIPort) UserReply(ctx context.Context, sourceText string, contextMessages []string, roleLabel string, personaMeta PersonaMeta, allowedReactions []string, modelDriven bool, nullRate float64) (UserReply, Usage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Роль: %s (тон: %s, многословность: %s)\n", roleLabel, personaMeta.Tone, personaMeta.Verbosity)
	if len(contextMessages) > 0 {
		fmt.Fprintf(&b, "Контекст последних сообщений:\n%s\n", strings.Join(contextMessages, "\n"))
	}
	fmt.Fprintf(&b, "Сообщение собеседника: %s\n", sourceText)

	if modelDriven && len(allowedReactions) > 0 {
		fmt.Fprintf(&b, "Разрешённые реакции: %s. Используй reaction_emoji≈%.0f%% случаев, иначе null.\n",
			strings.Join(allowedReactions, " "), math.Round((1-nullRate)*100))

		out, usage, err := p.chatCompletion(ctx, []openai.ChatCompletionMessage{
			sys(systemPromptUserReplyModelDriven),
			usr(b.String()),
		})
		if err != nil {
			return UserReply{}, Usage{}, err
		}

		var result userReplyModelResult
		if err := unmarshalStrictJSON(out, &result); err != nil {
			return UserReply{}, usage, fmt.Errorf("userReply: %w", err)
		}

		emoji := ""
		if result.ReactionEmoji != nil && allowedContains(allowedReactions, *result.ReactionEmoji) {
			emoji = *result.ReactionEmoji
		}
		p.recordUsage(usage, "", "")
		return UserReply{ReplyText: strings.TrimSpace(result.ReplyText), ReactionEmoji: emoji}, usage, nil
	}

	out, usage, err := p.chatCompletion(ctx, []openai.ChatCompletionMessage{
		sys(systemPromptUserReply),
		usr(b.String()),
	})
	if err != nil {
		return UserReply{}, Usage{}, err
	}
	p.recordUsage(usage, "", "")
	return UserReply{ReplyText: strings.TrimSpace(out)}, usage, nil
}

func allowedContains(allowed []string, emoji string) bool {
	for _, a := range allowed {
		if a == emoji {
			return true
		}
	}
	return false
}

// unmarshalStrictJSON parses a model response that is expected to be a
// single JSON object, tolerating a surrounding markdown code fence
// (some OpenAI-compatible providers wrap JSON answers in ```json).
// Any other deviation from strict JSON is a validation error.
func unmarshalStrictJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict JSON decode: %w (raw=%q)", err, raw)
	}
	return nil
}

func (p *OpenAIPort) recordUsage(u Usage, imageModel, postText string) {
	if p.sink == nil {
		return
	}
	p.sink.Record(UsageEntry{
		Timestamp:    time.Now().UTC(),
		TextModel:    p.cfg.ChatModel,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		ImageModel:   imageModel,
		ImageTokens:  u.ImageTokens,
		ImageCount:   u.ImageCount,
		PostText:     postText,
	})
}
