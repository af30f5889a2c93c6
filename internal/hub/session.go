package hub

import (
	"time"

	"github.com/node-registration/relay/internal/protocol"
)

// SessionState is where a session is in its lifecycle.
type SessionState int

const (
	// SessionPending means ssh-start has been (or is about to be) sent and
	// the agent has not confirmed the shell yet.
	SessionPending SessionState = iota
	// SessionActive means the shell is open.
	SessionActive
	// SessionClosed is terminal; closed sessions are removed from the table.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one browser leg to one agent leg.
type Session struct {
	ID        string
	NodeID    string
	UserID    string
	Username  string
	State     SessionState
	CreatedAt time.Time

	browser *Conn
	agent   *Conn
	// started is set once ssh-start reached the agent's queue
	started bool
	// frames from the browser that arrived before ssh-start went out
	backlog []protocol.Message
}
