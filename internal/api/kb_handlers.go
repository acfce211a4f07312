package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/kb"
)

type createKBRequest struct {
	Title      string `json:"title"`
	RoleCardID string `json:"roleCardId"`
}

func (s *Server) createKB(c echo.Context) error {
	var req createKBRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.RoleCardID != "" {
		if _, ok := s.deps.Roles.Get(req.RoleCardID); !ok {
			return errorJSON(c, http.StatusBadRequest, "invalid roleCardId: "+req.RoleCardID)
		}
	}
	meta, err := s.deps.KB.Create(req.Title, req.RoleCardID)
	if err != nil {
		log.Error().Err(err).Msg("kb create failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to create knowledge base")
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) listKB(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.KB.List())
}

func (s *Server) getKB(c echo.Context) error {
	meta, err := s.deps.KB.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "knowledge base not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to read knowledge base")
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) listRoleKB(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.KB.ListForRole(c.Param("slug")))
}

type ingestRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (s *Server) ingestDoc(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return errorJSON(c, http.StatusBadRequest, "text is required")
	}
	doc, err := s.deps.KB.IngestText(c.Param("id"), req.Title, req.Text)
	if err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "knowledge base not found")
		}
		log.Error().Err(err).Msg("kb ingest failed")
		return errorJSON(c, http.StatusInternalServerError, "failed to ingest document")
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) listDocs(c echo.Context) error {
	docs, err := s.deps.KB.ListDocs(c.Param("id"))
	if err != nil {
		if errors.Is(err, kb.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "knowledge base not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "failed to list documents")
	}
	return c.JSON(http.StatusOK, docs)
}
