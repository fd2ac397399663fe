package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/leofalp/chatcheckpoint/core/session"
)

// TurnRequest is the body of a turn submission.
type TurnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// SubmitTurn runs one conversation turn.
// POST /v1/sessions/:session_id/turns
func (h *Handler) SubmitTurn(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	result, err := h.service.SubmitTurn(ctx, sessionID, req.UserID, req.Text)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetSessionMessages returns the conversation history log of a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	messages, err := h.service.GetHistory(ctx, sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	if messages == nil {
		messages = []session.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// ListCheckpoints returns every snapshot of a session, oldest first.
// GET /v1/sessions/:session_id/checkpoints
func (h *Handler) ListCheckpoints(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	snapshots := []session.Snapshot{}
	for snap, err := range h.service.Checkpoints(ctx, sessionID) {
		if err != nil {
			return errorJSON(c, err)
		}
		snapshots = append(snapshots, snap)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"checkpoints": snapshots,
	})
}

// GetLatestCheckpoint returns the current snapshot of a session.
// GET /v1/sessions/:session_id/checkpoints/latest
func (h *Handler) GetLatestCheckpoint(c echo.Context) error {
	snap, err := h.service.Latest(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}
