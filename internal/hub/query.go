package hub

import (
	"context"
	"sort"
	"time"

	"github.com/node-registration/relay/internal/model"
	"github.com/node-registration/relay/internal/protocol"
)

// MsgSessionTerminated is sent to a browser whose session was ended from
// the REST API.
const MsgSessionTerminated = "Session terminated"

// Stats is a snapshot of the hub's tables.
type Stats struct {
	Agents   int `json:"agents"`
	Browsers int `json:"browsers"`
	Sessions int `json:"sessions"`
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID        string
	NodeID    string
	UserID    string
	Username  string
	State     SessionState
	CreatedAt time.Time
}

// query runs fn on the loop goroutine and waits for it to finish.
func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !h.postContext(ctx, event{kind: evQuery, query: func() {
		fn()
		close(finished)
	}}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		// the loop may have picked the event up just before stopping
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Stats returns the current table sizes.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.query(ctx, func() {
		st = Stats{
			Agents:   len(h.agents),
			Browsers: len(h.browsers),
			Sessions: len(h.sessions),
		}
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Sessions lists userID's live sessions, oldest first.
func (h *Hub) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	var out []SessionInfo
	err := h.query(ctx, func() {
		for _, s := range h.sessions {
			if s.UserID != userID {
				continue
			}
			out = append(out, SessionInfo{
				ID:        s.ID,
				NodeID:    s.NodeID,
				UserID:    s.UserID,
				Username:  s.Username,
				State:     s.State,
				CreatedAt: s.CreatedAt,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Terminate ends one of userID's sessions as if its browser had left, and
// closes that browser. Sessions owned by other users are reported as not
// found.
func (h *Hub) Terminate(ctx context.Context, userID, sessionID string) error {
	found := false
	err := h.query(ctx, func() {
		s := h.sessions[sessionID]
		if s == nil || s.UserID != userID {
			return
		}
		found = true
		if s.started {
			s.agent.SendMessage(protocol.SSHClose{SessionID: s.ID})
		}
		s.browser.SendMessage(protocol.Error{Message: MsgSessionTerminated})
		s.browser.Close()
		h.removeSession(s)
		h.log.Info().Str("session", sessionID).Str("user", userID).Msg("session terminated")
	})
	if err != nil {
		return err
	}
	if !found {
		return model.ErrSessionNotFound
	}
	return nil
}
