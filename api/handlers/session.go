package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/node-registration/relay/internal/hub"
	"github.com/node-registration/relay/internal/model"
)

// SessionDirectory is the part of the hub the REST API reads.
type SessionDirectory interface {
	Sessions(ctx context.Context, userID string) ([]hub.SessionInfo, error)
	Terminate(ctx context.Context, userID, sessionID string) error
}

// SessionHandler handles HTTP requests for the caller's live shell sessions.
type SessionHandler struct {
	sessions SessionDirectory
	now      func() time.Time
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionDirectory) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		now:      time.Now,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	NodeID    string `json:"nodeId"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"createdAt"`
}

// SessionListResponse represents the response for listing sessions.
type SessionListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

func (h *SessionHandler) toSessionResponse(s hub.SessionInfo) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		NodeID:    s.NodeID,
		Username:  s.Username,
		Status:    s.State.String(),
		Duration:  formatDuration(h.now().Sub(s.CreatedAt)),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessions.Sessions(c.Request.Context(), getUserID(c))
	if err != nil {
		sendError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = h.toSessionResponse(s)
	}
	c.JSON(http.StatusOK, SessionListResponse{
		Sessions: response,
		Total:    len(response),
	})
}

// Delete handles DELETE /api/sessions/:id and ends the session on both legs.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	err := h.sessions.Terminate(c.Request.Context(), getUserID(c), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "NOT_FOUND", "Session not found")
			return
		}
		sendError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Failed to terminate session: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session routes on a group that already
// requires a browser session.
func (h *SessionHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/sessions", h.List)
	r.DELETE("/sessions/:id", h.Delete)
}
