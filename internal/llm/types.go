// Package llm performs single request/response calls against language-model
// backends and exposes a re-chunking streaming adapter on top of them.
package llm

import "context"

// Role labels one side of a chat exchange.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a chat-completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one chat-completion call. Model overrides the
// account's default model when non-empty.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Usage reports token accounting for a completion. Providers that do not
// report counts get an estimate of len(content)/4 completion tokens.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// CompletionResponse is the full (non-streamed) result of one call.
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Completer performs a single chat-completion call. Implementations never
// retry internally; retry policy belongs to the caller.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
