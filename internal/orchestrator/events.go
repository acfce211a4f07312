package orchestrator

import "github.com/rolechat/internal/llm"

// Event names on the turn stream, in the order a successful turn emits them.
const (
	EventStatusStart      = "status.start"
	EventJudgeStart       = "judge.start"
	EventJudgeFeedback    = "judge.feedback"
	EventJudgeDecision    = "judge.decision"
	EventMessageCreated   = "agent.message.created"
	EventMessageDelta     = "agent.message.delta"
	EventMessageCompleted = "agent.message.completed"
	EventStatusPaused     = "status.paused"
	EventError            = "error"
)

// Error codes carried by the terminal error event.
const (
	CodeNotFound       = "not_found"
	CodeNoParticipants = "no_participants"
	CodeChosenNotFound = "chosen_not_found"
	CodeRoleNotFound   = "role_not_found"
	CodeProviderError  = "provider_error"
	CodeInternalError  = "internal_error"
)

// EventSink receives turn lifecycle events. A Send error means the consumer
// is gone; the orchestrator stops forwarding but finishes the turn.
type EventSink interface {
	Send(event string, data any) error
}

// AgentSummary describes one participant in the status.start event.
type AgentSummary struct {
	AgentID       string `json:"agentId"`
	RoleCardID    string `json:"roleCardId"`
	Name          string `json:"name"`
	Model         string `json:"model"`
	ProviderAlias string `json:"providerAlias"`
}

type StatusStartPayload struct {
	ConversationID string         `json:"conversationId"`
	Agents         []AgentSummary `json:"agents"`
}

type JudgeStartPayload struct {
	Candidates    []string `json:"candidates"`
	AllowRepeated bool     `json:"allowRepeated"`
	Attempts      int      `json:"attempts"`
}

type JudgeFeedbackPayload struct {
	Text string `json:"text"`
}

type JudgeDecisionPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

type MessageCreatedPayload struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

type MessageDeltaPayload struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

type MessageCompletedPayload struct {
	AgentID      string    `json:"agentId"`
	MessageID    string    `json:"messageId"`
	Usage        llm.Usage `json:"usage"`
	FinishReason string    `json:"finishReason"`
	Turn         int       `json:"turn"`
}

type StatusPausedPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// turnSink wraps the caller's sink. After the first Send failure the sink is
// considered disconnected and further events are dropped silently; the turn
// itself keeps running so generated content is never lost.
type turnSink struct {
	inner EventSink
	down  bool
}

func (s *turnSink) send(event string, data any) {
	if s.down {
		return
	}
	if err := s.inner.Send(event, data); err != nil {
		s.down = true
	}
}
