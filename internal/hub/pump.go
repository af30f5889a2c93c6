package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/node-registration/relay/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 70 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

func newUpgrader(origins []string) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(origins) == 0 {
		// gorilla's default: same host only
		return u
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	_, wildcard := allowed["*"]
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return u
}

// ServeBrowser upgrades an authenticated browser request and starts its
// pumps.
func (h *Hub) ServeBrowser(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := h.browserUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := NewBrowserConn(ws, userID)
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// ServeAgent upgrades an agent request. Authentication happens in-band on
// the first frame.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) error {
	ws, err := h.agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := NewAgentConn(ws)
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// readPump pumps frames from the WebSocket connection to the hub loop.
func (h *Hub) readPump(c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)

	if c.kind == KindAgent && !h.authenticate(c) {
		return
	}
	if !h.post(event{kind: evRegister, conn: c}) {
		c.CloseWithCode(websocket.CloseGoingAway, reasonShutdown)
		return
	}
	defer h.post(event{kind: evUnregister, conn: c})

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug().Err(err).Str("kind", string(c.kind)).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			h.log.Debug().Err(err).Str("kind", string(c.kind)).Msg("dropping frame")
			continue
		}
		if !h.post(event{kind: evFrame, conn: c, msg: msg}) {
			return
		}
	}
}

// authenticate waits for the agent's auth frame. Frames that are not JSON
// at all are skipped; anything else must be a valid auth.
func (h *Hub) authenticate(c *Conn) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.authTimeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.log.Warn().Str("remote", c.ws.RemoteAddr().String()).Msg("agent auth timeout")
				c.CloseWithCode(protocol.CloseAuthTimeout, protocol.ReasonAuthTimeout)
			} else {
				c.Close()
			}
			return false
		}

		msg, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrMalformed) {
			continue
		}

		ctx, cancel := context.WithTimeout(h.ctx, authLookupTimeout)
		nodeID, rej := h.authenticateAgent(ctx, msg, err)
		cancel()
		if rej != nil {
			h.log.Warn().
				Str("remote", c.ws.RemoteAddr().String()).
				Int("code", rej.code).
				Str("reason", rej.reason).
				Msg("agent rejected")
			if rej.notify {
				c.SendMessage(protocol.AuthFail{})
			}
			c.CloseWithCode(rej.code, rej.reason)
			return false
		}

		c.nodeID = nodeID
		return true
	}
}

// writePump pumps frames from the send channel to the WebSocket connection.
func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, text := c.CloseStatus()
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}

			// one frame per message, the peers parse each frame as JSON
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
