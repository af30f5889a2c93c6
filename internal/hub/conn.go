package hub

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/node-registration/relay/internal/protocol"
)

// Kind tells browser legs from agent legs.
type Kind string

const (
	KindBrowser Kind = "browser"
	KindAgent   Kind = "agent"
)

const sendBufferSize = 256

// Conn is one WebSocket leg. Outbound frames go through a buffered channel
// drained by the write pump; closing the channel makes the pump send a close
// frame and hang up.
type Conn struct {
	kind Kind
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	userID string // browsers, fixed at upgrade
	nodeID string // agents, fixed once authenticated

	// owned by the hub loop
	sessionID  string
	registered bool
}

func newConn(kind Kind, ws *websocket.Conn) *Conn {
	return &Conn{
		kind:      kind,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		closeCode: websocket.CloseNormalClosure,
	}
}

// NewBrowserConn creates a browser leg for an authenticated user.
func NewBrowserConn(ws *websocket.Conn, userID string) *Conn {
	c := newConn(KindBrowser, ws)
	c.userID = userID
	return c
}

// NewAgentConn creates an agent leg that has not authenticated yet.
func NewAgentConn(ws *websocket.Conn) *Conn {
	return newConn(KindAgent, ws)
}

// Kind returns the leg kind.
func (c *Conn) Kind() Kind { return c.kind }

// UserID returns the authenticated user of a browser leg.
func (c *Conn) UserID() string { return c.userID }

// NodeID returns the node id of an authenticated agent leg.
func (c *Conn) NodeID() string { return c.nodeID }

// Send queues data for the peer. A peer that lets the buffer fill up is
// disconnected.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

// SendMessage encodes m and queues it.
func (c *Conn) SendMessage(m protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		return false
	}
	return c.Send(data)
}

// Close hangs up with a normal closure.
func (c *Conn) Close() {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode hangs up with the given close code and reason. Frames
// already queued are still delivered first. Only the first close counts.
func (c *Conn) CloseWithCode(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, text)
}

func (c *Conn) closeLocked(code int, text string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// IsClosed returns true if the leg has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseStatus returns the close code and reason the leg was closed with.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// SendChan returns the send channel for the leg.
func (c *Conn) SendChan() <-chan []byte {
	return c.send
}
