package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/group"
)

type createGroupRequest struct {
	Title        string              `json:"title"`
	Participants []group.Participant `json:"participants"`
}

func (s *Server) createGroup(c echo.Context) error {
	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Participants) == 0 {
		return errorJSON(c, http.StatusBadRequest, "participants is required")
	}
	if len(req.Participants) > group.MaxParticipants {
		return errorJSON(c, http.StatusBadRequest, "at most 3 participants are allowed")
	}
	for _, p := range req.Participants {
		if _, ok := s.deps.Roles.Get(p.RoleCardID); !ok {
			return errorJSON(c, http.StatusBadRequest, "invalid roleCardId: "+p.RoleCardID)
		}
	}

	// Participants without an explicit provider get file-defined accounts
	// round-robin; the env default stays reserved for the judge.
	accounts := s.deps.Providers.NonDefault()
	for i := range req.Participants {
		if req.Participants[i].ProviderAlias == "" && len(accounts) > 0 {
			req.Participants[i].ProviderAlias = accounts[i%len(accounts)].Alias
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = s.autoTitle(req.Participants)
	}

	conv, err := s.deps.Store.Create(title, req.Participants)
	if err != nil {
		if errors.Is(err, group.ErrInvalidInput) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		log.Error().Err(err).Msg("group create failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to create conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

// autoTitle derives "Chat with A, B and C" from participant display names.
func (s *Server) autoTitle(participants []group.Participant) string {
	var names []string
	for _, p := range participants {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			if rc, ok := s.deps.Roles.Get(p.RoleCardID); ok {
				name = rc.Name
			} else {
				name = p.RoleCardID
			}
		}
		if name != "" {
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return "Group chat"
	case 1:
		return "Chat with " + names[0]
	default:
		return "Chat with " + strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

func (s *Server) listGroups(c echo.Context) error {
	metas, err := s.deps.Store.List()
	if err != nil {
		log.Error().Err(err).Msg("group list failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to list conversations")
	}
	return c.JSON(http.StatusOK, metas)
}

func (s *Server) getGroup(c echo.Context) error {
	conv, err := s.deps.Store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "group conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to read conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

type userInsertRequest struct {
	Text string `json:"text"`
}

func (s *Server) insertUser(c echo.Context) error {
	var req userInsertRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return errorJSON(c, http.StatusBadRequest, "text is required")
	}
	if _, err := s.deps.Store.AppendUser(c.Param("id"), req.Text); err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "group conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to append message")
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) pauseGroup(c echo.Context) error {
	return s.setPaused(c, true)
}

func (s *Server) resumeGroup(c echo.Context) error {
	return s.setPaused(c, false)
}

func (s *Server) setPaused(c echo.Context, paused bool) error {
	conv, err := s.deps.Store.SetPaused(c.Param("id"), paused)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "group conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to update conversation")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": conv.ID, "paused": conv.Paused})
}

type overrideNextRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) overrideNext(c echo.Context) error {
	var req overrideNextRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return errorJSON(c, http.StatusBadRequest, "agentId is required")
	}

	conv, err := s.deps.Store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "group conversation not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to read conversation")
	}
	if _, ok := conv.Participant(req.AgentID); !ok {
		return errorJSON(c, http.StatusBadRequest, "agentId not in participants")
	}

	if _, err := s.deps.Store.PatchOrchestrator(conv.ID, group.OrchestratorPatch{OverrideNext: &req.AgentID}); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to store override")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "agentId": req.AgentID})
}

type streamTurnRequest struct {
	Text string `json:"text"`
}

func (s *Server) streamTurn(c echo.Context) error {
	var req streamTurnRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	sink, err := newSSESink(c)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	// A dropped client must not cancel generation: the assistant message is
	// persisted even when nobody is listening anymore.
	ctx := context.WithoutCancel(c.Request().Context())
	s.deps.Orch.RunTurn(ctx, c.Param("id"), req.Text, sink)
	sink.Done()
	return nil
}
