package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"github.com/rolechat/internal/providers"
)

// Client is a Completer bound to one provider account. It issues exactly one
// request per Complete call; failures surface as *ProviderError and are not
// retried here.
type Client struct {
	alias        string
	model        llms.Model
	defaultModel string
	limiter      *rate.Limiter
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRateLimit caps outgoing calls at rps requests per second.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewClient builds the transport connector for an account. The account kind
// selects the backend; openai covers any OpenAI-compatible endpoint and is
// the default.
func NewClient(ctx context.Context, account providers.Account, opts ...ClientOption) (*Client, error) {
	model, err := buildModel(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector for %q: %w", account.Alias, err)
	}

	c := &Client{
		alias:        account.Alias,
		model:        model,
		defaultModel: account.DefaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func buildModel(ctx context.Context, account providers.Account) (llms.Model, error) {
	switch account.Kind {
	case providers.KindOllama:
		return ollama.New(
			ollama.WithServerURL(account.BaseURL),
			ollama.WithModel(account.DefaultModel),
		)
	case providers.KindGoogleAI:
		return googleai.New(ctx,
			googleai.WithAPIKey(account.APIKey),
			googleai.WithDefaultModel(account.DefaultModel),
		)
	case providers.KindAnthropic:
		return anthropic.New(
			anthropic.WithToken(account.APIKey),
			anthropic.WithModel(account.DefaultModel),
		)
	default:
		// Local OpenAI-compatible servers often need no key, but the
		// client constructor insists on one.
		token := account.APIKey
		if token == "" {
			token = "unused"
		}
		options := []openai.Option{
			openai.WithToken(token),
			openai.WithModel(account.DefaultModel),
		}
		if account.BaseURL != "" {
			options = append(options, openai.WithBaseURL(account.BaseURL+"/v1"))
		}
		return openai.New(options...)
	}
}

// Complete performs one chat-completion call.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ProviderError{Provider: c.alias, Err: err}
		}
	}

	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	options := []llms.CallOption{}
	if req.Model != "" {
		options = append(options, llms.WithModel(req.Model))
	}
	if req.Temperature != nil {
		options = append(options, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		options = append(options, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, content, options...)
	if err != nil {
		log.Warn().Err(err).Str("provider", c.alias).Msg("completion call failed")
		return nil, &ProviderError{Provider: c.alias, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.alias, Err: fmt.Errorf("empty response")}
	}

	choice := resp.Choices[0]
	finish := choice.StopReason
	if finish == "" {
		finish = "stop"
	}

	return &CompletionResponse{
		Content:      choice.Content,
		FinishReason: finish,
		Usage:        usageFrom(choice),
	}, nil
}

func chatMessageType(role Role) schema.ChatMessageType {
	switch role {
	case RoleSystem:
		return schema.ChatMessageTypeSystem
	case RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// usageFrom pulls token counts out of the provider's generation info when
// present, estimating otherwise.
func usageFrom(choice *llms.ContentChoice) Usage {
	u := Usage{CompletionTokens: EstimateTokens(choice.Content)}
	for key, value := range choice.GenerationInfo {
		n, ok := asInt(value)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "prompttokens", "prompt_tokens", "inputtokens", "input_tokens":
			u.PromptTokens = n
		case "completiontokens", "completion_tokens", "outputtokens", "output_tokens":
			u.CompletionTokens = n
		}
	}
	return u
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// EstimateTokens is the rough 4-chars-per-token heuristic used when a
// provider reports no counts. Counted in runes so multi-byte text is not
// inflated.
func EstimateTokens(text string) int {
	return len([]rune(text)) / 4
}
