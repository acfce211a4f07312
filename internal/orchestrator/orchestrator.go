// Package orchestrator runs one group-chat turn: pick the next speaker,
// stream that participant's reply and persist the result.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/logging"
	"github.com/rolechat/internal/providers"
	"github.com/rolechat/internal/roles"
)

// ClientFactory builds a completion client for a resolved provider account.
type ClientFactory func(ctx context.Context, account providers.Account) (llm.Completer, error)

// Options tune turn execution.
type Options struct {
	JudgeMaxTokens   int     // cap on selection output; it must be terse
	JudgeTemperature float64
	ChunkSize        int // streamed fragment size in characters
	ReplyMaxTokens   int
	ReplyTemperature float64
}

// DefaultOptions mirror the original deployment's generation parameters.
func DefaultOptions() Options {
	return Options{
		JudgeMaxTokens:   16,
		JudgeTemperature: 0.0,
		ChunkSize:        llm.DefaultChunkSize,
		ReplyMaxTokens:   300,
		ReplyTemperature: 0.7,
	}
}

// Orchestrator owns the per-turn state machine. It talks to its
// collaborators through narrow interfaces only: the conversation store, the
// role catalog, the provider registry, completion clients and the judge
// audit log.
type Orchestrator struct {
	store    *group.Store
	roles    *roles.Registry
	registry *providers.Registry
	judge    llm.Completer
	clients  ClientFactory
	judgeLog *logging.JudgeLogger

	judgeMaxTokens   int
	judgeTemperature float64
	chunkSize        int
	replyMaxTokens   int
	replyTemperature float64
}

// New wires an orchestrator. judge is the client used for selection calls
// (the environment-default provider); clients resolves per-participant
// accounts for generation.
func New(store *group.Store, catalog *roles.Registry, registry *providers.Registry,
	judge llm.Completer, clients ClientFactory, judgeLog *logging.JudgeLogger, opts Options) *Orchestrator {
	if opts.JudgeMaxTokens <= 0 {
		opts.JudgeMaxTokens = DefaultOptions().JudgeMaxTokens
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = llm.DefaultChunkSize
	}
	if opts.ReplyMaxTokens <= 0 {
		opts.ReplyMaxTokens = DefaultOptions().ReplyMaxTokens
	}
	return &Orchestrator{
		store:            store,
		roles:            catalog,
		registry:         registry,
		judge:            judge,
		clients:          clients,
		judgeLog:         judgeLog,
		judgeMaxTokens:   opts.JudgeMaxTokens,
		judgeTemperature: opts.JudgeTemperature,
		chunkSize:        opts.ChunkSize,
		replyMaxTokens:   opts.ReplyMaxTokens,
		replyTemperature: opts.ReplyTemperature,
	}
}

// RunTurn executes one turn of conversationID, optionally appending userText
// first, and emits the turn's lifecycle events to sink. A failed turn ends
// with a terminal error event; an already-appended user message stays
// persisted regardless.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userText string, rawSink EventSink) {
	sink := &turnSink{inner: rawSink}

	conv, err := o.store.Get(conversationID)
	if err != nil {
		sink.send(EventError, ErrorPayload{Code: CodeNotFound, Message: "group conversation not found"})
		return
	}

	if strings.TrimSpace(userText) != "" {
		// Durable even if the rest of the turn fails.
		conv, err = o.store.AppendUser(conversationID, userText)
		if err != nil {
			sink.send(EventError, ErrorPayload{Code: CodeInternalError, Message: err.Error()})
			return
		}
	}

	if len(conv.Participants) == 0 {
		sink.send(EventError, ErrorPayload{Code: CodeNoParticipants, Message: "no participants"})
		return
	}

	agents := make([]AgentSummary, len(conv.Participants))
	for i, p := range conv.Participants {
		agents[i] = AgentSummary{
			AgentID:       p.AgentID,
			RoleCardID:    p.RoleCardID,
			Name:          p.Name,
			Model:         p.Model,
			ProviderAlias: p.ProviderAlias,
		}
	}
	sink.send(EventStatusStart, StatusStartPayload{ConversationID: conversationID, Agents: agents})

	selection := o.selectSpeaker(ctx, conv, sink)
	sink.send(EventJudgeDecision, JudgeDecisionPayload{AgentID: selection.AgentID, Reason: selection.Reason})
	log.Info().
		Str("conversation_id", conversationID).
		Str("agent_id", selection.AgentID).
		Str("reason", selection.Reason).
		Msg("speaker selected")

	chosen, ok := conv.Participant(selection.AgentID)
	if !ok {
		sink.send(EventError, ErrorPayload{Code: CodeChosenNotFound, Message: "chosen agent not found"})
		return
	}
	card, ok := o.roles.Get(chosen.RoleCardID)
	if !ok {
		sink.send(EventError, ErrorPayload{Code: CodeRoleNotFound, Message: fmt.Sprintf("role card %q not found", chosen.RoleCardID)})
		return
	}
	account, ok := o.registry.Get(chosen.ProviderAlias)
	if !ok {
		sink.send(EventError, ErrorPayload{Code: CodeProviderError, Message: "no provider available"})
		return
	}
	client, err := o.clients(ctx, account)
	if err != nil {
		sink.send(EventError, ErrorPayload{Code: CodeProviderError, Message: err.Error()})
		return
	}

	history := buildHistory(card, conv.Messages)
	messageID := fmt.Sprintf("%s-%d", chosen.AgentID, time.Now().UnixMilli())
	sink.send(EventMessageCreated, MessageCreatedPayload{AgentID: chosen.AgentID, MessageID: messageID})

	temp := o.replyTemperature
	resp, err := llm.StreamReply(ctx, client, llm.CompletionRequest{
		Messages:    history,
		Model:       chosen.Model,
		Temperature: &temp,
		MaxTokens:   o.replyMaxTokens,
	}, o.chunkSize, func(delta string) error {
		if sink.down {
			return fmt.Errorf("sink closed")
		}
		if err := sink.inner.Send(EventMessageDelta, MessageDeltaPayload{
			AgentID: chosen.AgentID, MessageID: messageID, Delta: delta,
		}); err != nil {
			sink.down = true
			return err
		}
		return nil
	})
	if err != nil {
		// Generation failure is terminal for the turn; the caller may
		// have already seen agent.message.created.
		sink.send(EventError, ErrorPayload{Code: CodeProviderError, Message: err.Error()})
		return
	}

	if _, err := o.store.AppendAssistant(conversationID, chosen.AgentID, resp.Content); err != nil {
		sink.send(EventError, ErrorPayload{Code: CodeInternalError, Message: err.Error()})
		return
	}
	if _, err := o.store.SetLastSpeaker(conversationID, chosen.AgentID); err != nil {
		sink.send(EventError, ErrorPayload{Code: CodeInternalError, Message: err.Error()})
		return
	}
	turn, err := o.store.BumpTurn(conversationID)
	if err != nil {
		sink.send(EventError, ErrorPayload{Code: CodeInternalError, Message: err.Error()})
		return
	}

	sink.send(EventMessageCompleted, MessageCompletedPayload{
		AgentID:      chosen.AgentID,
		MessageID:    messageID,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		Turn:         turn,
	})

	// Re-read for the trailing pause signal; the flag may have been set
	// by a control action while the turn ran.
	if after, err := o.store.Get(conversationID); err == nil && after.Paused {
		sink.send(EventStatusPaused, StatusPausedPayload{ConversationID: conversationID})
	}
}

// buildHistory maps the transcript into the chosen participant's model
// context: persona system prompt first, then role/content pairs. Agent
// attribution is dropped; the model sees only role labels.
func buildHistory(card roles.RoleCard, messages []group.TurnMessage) []llm.Message {
	system := card.SystemPrompt
	if card.StyleHints != "" {
		system += "\nStyle: " + card.StyleHints
	}
	history := make([]llm.Message, 0, len(messages)+1)
	history = append(history, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range messages {
		history = append(history, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return history
}
