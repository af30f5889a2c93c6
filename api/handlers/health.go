package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/node-registration/relay/internal/hub"
)

// StatsSource reports the relay's table sizes.
type StatsSource interface {
	Stats(ctx context.Context) (hub.Stats, error)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Agents   int    `json:"agents"`
	Sessions int    `json:"sessions"`
}

// HealthHandler reports liveness.
type HealthHandler struct {
	stats StatsSource
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(stats StatsSource) *HealthHandler {
	return &HealthHandler{stats: stats}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	st, err := h.stats.Stats(ctx)
	if err != nil {
		sendError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "Relay is not running")
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Agents:   st.Agents,
		Sessions: st.Sessions,
	})
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
