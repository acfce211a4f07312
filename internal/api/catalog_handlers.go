package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) listRoles(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Roles.List())
}

func (s *Server) getRole(c echo.Context) error {
	rc, ok := s.deps.Roles.Get(c.Param("slug"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "role card not found")
	}
	return c.JSON(http.StatusOK, rc)
}

// providerView is an Account with the credential stripped.
type providerView struct {
	Alias        string `json:"alias"`
	BaseURL      string `json:"baseUrl"`
	DefaultModel string `json:"defaultModel,omitempty"`
	Kind         string `json:"kind"`
	Priority     int    `json:"priority"`
	HasKey       bool   `json:"hasKey"`
}

func (s *Server) listProviders(c echo.Context) error {
	accounts := s.deps.Providers.List()
	views := make([]providerView, len(accounts))
	for i, acc := range accounts {
		views[i] = providerView{
			Alias:        acc.Alias,
			BaseURL:      acc.BaseURL,
			DefaultModel: acc.DefaultModel,
			Kind:         string(acc.Kind),
			Priority:     acc.Priority,
			HasKey:       acc.APIKey != "",
		}
	}
	return c.JSON(http.StatusOK, views)
}
