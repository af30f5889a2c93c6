package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/hub"
	"github.com/node-registration/relay/internal/logging"
	"github.com/node-registration/relay/internal/model"
	"github.com/node-registration/relay/internal/protocol"
)

// BrowserAuthenticator resolves an upgrade request to a user id.
type BrowserAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// RelayHandler serves the two WebSocket endpoints.
type RelayHandler struct {
	hub      *hub.Hub
	browsers BrowserAuthenticator
	log      zerolog.Logger
}

// NewRelayHandler creates a new RelayHandler.
func NewRelayHandler(h *hub.Hub, browsers BrowserAuthenticator, log zerolog.Logger) *RelayHandler {
	return &RelayHandler{
		hub:      h,
		browsers: browsers,
		log:      logging.Component(log, "relay-http"),
	}
}

// RequireBrowserSession rejects upgrade requests without a valid session
// cookie before the WebSocket handshake.
func (h *RelayHandler) RequireBrowserSession(c *gin.Context) {
	userID, err := h.browsers.Authenticate(c.Request)
	if err != nil {
		if !isAuthFailure(err) {
			h.log.Error().Err(err).Msg("session lookup failed")
		}
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	c.Set("userID", userID)
	c.Next()
}

func isAuthFailure(err error) bool {
	return errors.Is(err, model.ErrInvalidCookie) ||
		errors.Is(err, model.ErrSessionNotFound) ||
		errors.Is(err, model.ErrMissingUserClaim)
}

// Browser handles GET /ws/ssh.
func (h *RelayHandler) Browser(c *gin.Context) {
	if err := h.hub.ServeBrowser(c.Writer, c.Request, getUserID(c)); err != nil {
		// the upgrader has already written the HTTP error
		h.log.Debug().Err(err).Msg("browser upgrade failed")
	}
}

// Agent handles GET /ws/agent.
func (h *RelayHandler) Agent(c *gin.Context) {
	if err := h.hub.ServeAgent(c.Writer, c.Request); err != nil {
		h.log.Debug().Err(err).Msg("agent upgrade failed")
	}
}

// RegisterRoutes registers the WebSocket endpoints.
func (h *RelayHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET(protocol.BrowserPath, h.RequireBrowserSession, h.Browser)
	r.GET(protocol.AgentPath, h.Agent)
}
