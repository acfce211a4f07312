// Package api exposes the HTTP surface: group-conversation CRUD and control
// endpoints, the SSE turn stream, the role catalog, provider listing,
// suggestions and knowledge bases.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/chat"
	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/kb"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/orchestrator"
	"github.com/rolechat/internal/providers"
	"github.com/rolechat/internal/roles"
	"github.com/rolechat/internal/suggestions"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store       *group.Store
	Chat        *chat.Store
	Roles       *roles.Registry
	Providers   *providers.Registry
	Orch        *orchestrator.Orchestrator
	LLM         llm.Completer // default provider, for single-user chat rounds
	Suggestions *suggestions.Generator
	KB          *kb.Manager
}

// Server is the API server.
type Server struct {
	echo *echo.Echo
	host string
	port int
	deps Deps
}

// NewServer creates the server with routes and middleware configured.
func NewServer(host string, port int, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, host: host, port: port, deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	api := s.echo.Group("/api")

	api.GET("/role-cards", s.listRoles)
	api.GET("/role-cards/:slug", s.getRole)
	api.GET("/role-cards/:slug/kb", s.listRoleKB)

	api.GET("/providers", s.listProviders)

	api.GET("/conversations", s.listChats)
	api.POST("/conversations", s.createChat)
	api.PATCH("/conversations/:id", s.renameChat)
	api.DELETE("/conversations/:id", s.deleteChat)
	api.GET("/conversations/:id/messages", s.getChatMessages)
	api.POST("/conversations/:id/messages", s.sendMessage)

	api.GET("/group-conversations", s.listGroups)
	api.POST("/group-conversations", s.createGroup)
	api.GET("/group-conversations/:id", s.getGroup)
	api.POST("/group-conversations/:id/user", s.insertUser)
	api.POST("/group-conversations/:id/pause", s.pauseGroup)
	api.POST("/group-conversations/:id/resume", s.resumeGroup)
	api.POST("/group-conversations/:id/override-next", s.overrideNext)
	api.POST("/group-conversations/:id/assistant/stream", s.streamTurn)
	api.POST("/group-conversations/:id/suggestions", s.suggest)

	api.POST("/kb", s.createKB)
	api.GET("/kb", s.listKB)
	api.GET("/kb/:id", s.getKB)
	api.POST("/kb/:id/docs", s.ingestDoc)
	api.GET("/kb/:id/docs", s.listDocs)
}

// Start runs the server until an interrupt, then shuts down gracefully.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
