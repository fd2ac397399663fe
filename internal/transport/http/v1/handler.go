// Package v1 provides the version 1 HTTP handlers.
package v1

import (
	"context"
	"iter"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Service is the part of the session runner the handlers need.
type Service interface {
	SubmitTurn(ctx context.Context, sessionID, userID, text string) (runner.TurnResult, error)
	GetHistory(ctx context.Context, sessionID string) ([]session.Message, error)
	Latest(ctx context.Context, sessionID string) (session.Snapshot, error)
	Checkpoints(ctx context.Context, sessionID string) iter.Seq2[session.Snapshot, error]
	GetCostSummary(ctx context.Context, lookbackDays int) ([]session.CostAggregate, error)
}

// Ensure the runner satisfies Service
var _ Service = (*runner.Runner)(nil)

// HealthInfo is reported by GET /health.
type HealthInfo struct {
	Backend     string `json:"backend"`
	BackendKind string `json:"backend_kind"`
	Model       string `json:"model"`
	Version     string `json:"version"`
}

// Handler handles HTTP requests.
type Handler struct {
	service Service
	health  HealthInfo
}

// NewHandler creates a new handler.
func NewHandler(service Service, health HealthInfo) *Handler {
	return &Handler{
		service: service,
		health:  health,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Conversation API
	e.POST("/v1/sessions/:session_id/turns", h.SubmitTurn)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/v1/sessions/:session_id/checkpoints", h.ListCheckpoints)
	e.GET("/v1/sessions/:session_id/checkpoints/latest", h.GetLatestCheckpoint)

	// Reporting API
	e.GET("/v1/costs", h.GetCosts)

	e.GET("/health", h.Health)
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	status := "healthy"
	if h.health.BackendKind == "fallback" {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       status,
		"backend":      h.health.Backend,
		"backend_kind": h.health.BackendKind,
		"model":        h.health.Model,
		"version":      h.health.Version,
	})
}
