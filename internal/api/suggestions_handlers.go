package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/suggestions"
)

type suggestRequest struct {
	K            int      `json:"k"`
	MaxSentences int      `json:"maxSentences"`
	Angles       []string `json:"angles"`
	Diversify    bool     `json:"diversify"`
}

func (s *Server) suggest(c echo.Context) error {
	var req suggestRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	result, err := s.deps.Suggestions.Generate(c.Request().Context(), suggestions.Request{
		ConversationID: c.Param("id"),
		K:              req.K,
		MaxSentences:   req.MaxSentences,
		Angles:         req.Angles,
		Diversify:      req.Diversify,
	})
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "group conversation not found")
		}
		var perr *llm.ProviderError
		if errors.As(err, &perr) {
			return errorJSON(c, http.StatusBadGateway, perr.Error())
		}
		log.Error().Err(err).Msg("suggestion generation failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to generate suggestions")
	}
	return c.JSON(http.StatusOK, result)
}
