package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/chat"
	"github.com/rolechat/internal/llm"
)

type createChatRequest struct {
	Title  string `json:"title"`
	System string `json:"system"`
	Role   string `json:"role"`
}

func (s *Server) createChat(c echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	system := req.System
	greeting := ""
	if req.Role != "" {
		// A role slug binds the persona: its prompt replaces any inline
		// system text and its greeting opens the transcript.
		if rc, ok := s.deps.Roles.Get(req.Role); ok {
			system = rc.SystemPrompt
			greeting = rc.Greeting
		}
	}

	meta, err := s.deps.Chat.Create(strings.TrimSpace(req.Title), system)
	if err != nil {
		log.Error().Err(err).Msg("chat create failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to create conversation")
	}
	if greeting != "" {
		if _, err := s.deps.Chat.Append(meta.ID, chat.Message{Role: "assistant", Content: greeting}); err != nil {
			log.Warn().Err(err).Str("conversation_id", meta.ID).Msg("could not append greeting")
		}
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) listChats(c echo.Context) error {
	metas, err := s.deps.Chat.List()
	if err != nil {
		log.Error().Err(err).Msg("chat list failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to list conversations")
	}
	return c.JSON(http.StatusOK, metas)
}

type renameChatRequest struct {
	Title string `json:"title"`
}

func (s *Server) renameChat(c echo.Context) error {
	var req renameChatRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errorJSON(c, http.StatusBadRequest, "title is required")
	}
	meta, err := s.deps.Chat.Rename(c.Param("id"), req.Title)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to rename conversation")
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) deleteChat(c echo.Context) error {
	if err := s.deps.Chat.Delete(c.Param("id")); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to delete conversation")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getChatMessages(c echo.Context) error {
	conv, err := s.deps.Chat.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to read conversation")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": conv.ID, "messages": conv.Messages})
}

type sendMessageRequest struct {
	Content     string   `json:"content"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"maxTokens"`
}

// sendMessage runs one non-streamed chat round: append the user message,
// send the full transcript to the default provider, append and return the
// assistant reply.
func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return errorJSON(c, http.StatusBadRequest, "content is required")
	}

	id := c.Param("id")
	conv, err := s.deps.Chat.Append(id, chat.Message{Role: "user", Content: req.Content})
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to append message")
	}

	history := make([]llm.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		history[i] = llm.Message{Role: llm.Role(m.Role), Content: m.Content}
	}

	resp, err := s.deps.LLM.Complete(c.Request().Context(), llm.CompletionRequest{
		Messages:    history,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		// The user message stays persisted; only the round failed.
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}

	after, err := s.deps.Chat.Append(id, chat.Message{Role: "assistant", Content: resp.Content})
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to persist reply")
	}
	reply := after.Messages[len(after.Messages)-1]
	return c.JSON(http.StatusOK, map[string]any{"assistant": reply})
}
