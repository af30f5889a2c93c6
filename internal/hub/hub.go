package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/audit"
	"github.com/node-registration/relay/internal/auth"
	"github.com/node-registration/relay/internal/logging"
	"github.com/node-registration/relay/internal/model"
	"github.com/node-registration/relay/internal/protocol"
)

// Messages shown to the browser.
const (
	MsgNodeNotConnected  = "Node agent is not connected"
	MsgKeyNotFound       = "SSH key not found on server"
	MsgNotAuthorized     = "Not authorized for this node"
	MsgAgentDisconnected = "Agent disconnected"
	MsgShellError        = "SSH error on agent"
)

const (
	// DefaultAuthTimeout is how long an agent has to send its auth frame.
	DefaultAuthTimeout = 10 * time.Second

	eventQueueSize    = 256
	prepareTimeout    = 10 * time.Second
	authLookupTimeout = 5 * time.Second
	maxBacklog        = 64
	reasonShutdown    = "Server shutting down"
)

// ErrClosed is returned by queries made after the hub loop has stopped.
var ErrClosed = errors.New("hub closed")

// AgentAuthenticator checks the API key an agent presents.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, apiKey string) error
}

// Auditor receives one event per opened session. Record must not block.
type Auditor interface {
	Record(ev audit.Event)
}

// Options configures a Hub.
type Options struct {
	Log            zerolog.Logger
	Agents         AgentAuthenticator
	Authorizer     auth.Authorizer // defaults to auth.AllowAuthenticated
	Keys           KeySource
	Audit          Auditor // optional
	AllowedOrigins []string
	AuthTimeout    time.Duration
}

type eventKind int

const (
	evRegister eventKind = iota
	evFrame
	evUnregister
	evStart
	evQuery
)

// event is everything the loop reacts to. Connection goroutines and
// background work all post into one channel, so frames from a single leg
// are handled in the order they were read.
type event struct {
	kind  eventKind
	conn  *Conn
	msg   protocol.Message
	start startResult
	query func()
}

type startResult struct {
	sessionID string
	key       []byte
	err       error
}

// Hub routes shell sessions between browser and agent legs.
type Hub struct {
	log         zerolog.Logger
	agentAuth   AgentAuthenticator
	authorizer  auth.Authorizer
	keys        KeySource
	audit       Auditor
	authTimeout time.Duration

	browserUpgrader websocket.Upgrader
	agentUpgrader   websocket.Upgrader

	// owned by the loop
	agents   map[string]*Conn
	browsers map[*Conn]struct{}
	sessions map[string]*Session

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Hub. Call Run to start it.
func New(opts Options) *Hub {
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAuthenticated
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:             logging.Component(opts.Log, "hub"),
		agentAuth:       opts.Agents,
		authorizer:      opts.Authorizer,
		keys:            opts.Keys,
		audit:           opts.Audit,
		authTimeout:     opts.AuthTimeout,
		browserUpgrader: newUpgrader(opts.AllowedOrigins),
		agentUpgrader:   newUpgrader([]string{"*"}),
		agents:          make(map[string]*Conn),
		browsers:        make(map[*Conn]struct{}),
		sessions:        make(map[string]*Session),
		events:          make(chan event, eventQueueSize),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

// Run processes events until ctx is done, then closes every leg.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("hub shutting down")
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) post(ev event) bool {
	return h.postContext(context.Background(), ev)
}

func (h *Hub) postContext(ctx context.Context, ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) shutdown() {
	h.cancel()
	close(h.done)

	for _, c := range h.agents {
		c.CloseWithCode(websocket.CloseGoingAway, reasonShutdown)
	}
	for c := range h.browsers {
		c.CloseWithCode(websocket.CloseGoingAway, reasonShutdown)
	}
	h.agents = make(map[string]*Conn)
	h.browsers = make(map[*Conn]struct{})
	h.sessions = make(map[string]*Session)
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evRegister:
		h.handleRegister(ev.conn)
	case evUnregister:
		h.handleUnregister(ev.conn)
	case evFrame:
		if !ev.conn.registered {
			return
		}
		if ev.conn.kind == KindBrowser {
			h.handleBrowserFrame(ev.conn, ev.msg)
		} else {
			h.handleAgentFrame(ev.conn, ev.msg)
		}
	case evStart:
		h.handleStart(ev.start)
	case evQuery:
		ev.query()
	}
}

func (h *Hub) handleRegister(c *Conn) {
	c.registered = true

	switch c.kind {
	case KindBrowser:
		h.browsers[c] = struct{}{}
		h.log.Debug().Str("user", c.userID).Msg("browser connected")

	case KindAgent:
		if old, ok := h.agents[c.nodeID]; ok && old != c {
			// the old leg's sessions are torn down when its unregister arrives
			old.CloseWithCode(protocol.CloseReplaced, protocol.ReasonReplaced)
			h.log.Info().Str("node", c.nodeID).Msg("agent connection replaced")
		}
		h.agents[c.nodeID] = c
		c.SendMessage(protocol.AuthOK{})
		h.log.Info().Str("node", c.nodeID).Msg("agent connected")
	}
}

func (h *Hub) handleUnregister(c *Conn) {
	if !c.registered {
		c.Close()
		return
	}
	c.registered = false

	switch c.kind {
	case KindBrowser:
		delete(h.browsers, c)
		if s := h.sessions[c.sessionID]; s != nil {
			if s.started {
				s.agent.SendMessage(protocol.SSHClose{SessionID: s.ID})
			}
			h.removeSession(s)
		}

	case KindAgent:
		if h.agents[c.nodeID] == c {
			delete(h.agents, c.nodeID)
			h.log.Info().Str("node", c.nodeID).Msg("agent disconnected")
		}
		for _, s := range h.sessions {
			if s.agent != c {
				continue
			}
			s.browser.SendMessage(protocol.Error{Message: MsgAgentDisconnected})
			s.browser.Close()
			h.removeSession(s)
		}
	}

	c.Close()
}

func (h *Hub) handleBrowserFrame(c *Conn, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Connect:
		h.handleConnect(c, m)

	case protocol.Input:
		if s := h.sessions[c.sessionID]; s != nil {
			h.toAgent(s, protocol.SSHData{SessionID: s.ID, Data: protocol.EncodeData([]byte(m.Data))})
		}

	case protocol.Resize:
		if s := h.sessions[c.sessionID]; s != nil {
			h.toAgent(s, protocol.SSHResize{SessionID: s.ID, Cols: m.Cols, Rows: m.Rows})
		}

	default:
		h.log.Debug().Str("type", string(msg.MessageType())).Msg("ignoring browser frame")
	}
}

// toAgent forwards m, holding it back until ssh-start has been sent so the
// agent never sees a session id before the session exists.
func (h *Hub) toAgent(s *Session, m protocol.Message) {
	if s.started {
		s.agent.SendMessage(m)
		return
	}
	if len(s.backlog) < maxBacklog {
		s.backlog = append(s.backlog, m)
	}
}

func (h *Hub) handleConnect(c *Conn, m protocol.Connect) {
	if c.sessionID != "" || c.IsClosed() {
		return
	}

	nodeID := protocol.CanonicalNodeID(m.MAC)
	agent, ok := h.agents[nodeID]
	if !ok || agent.IsClosed() {
		c.SendMessage(protocol.Error{Message: MsgNodeNotConnected})
		c.Close()
		return
	}

	s := &Session{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		UserID:    c.userID,
		Username:  m.Username,
		State:     SessionPending,
		CreatedAt: time.Now(),
		browser:   c,
		agent:     agent,
	}
	h.sessions[s.ID] = s
	c.sessionID = s.ID

	h.log.Info().
		Str("session", s.ID).
		Str("node", nodeID).
		Str("user", c.userID).
		Str("username", m.Username).
		Msg("session requested")

	go h.prepare(s.ID, c.userID, nodeID)
}

// prepare runs the authorization check and the key read off the loop.
func (h *Hub) prepare(sessionID, userID, nodeID string) {
	ctx, cancel := context.WithTimeout(h.ctx, prepareTimeout)
	defer cancel()

	res := startResult{sessionID: sessionID}
	if err := h.authorizer.Authorize(ctx, userID, nodeID); err != nil {
		res.err = fmt.Errorf("%w: %v", model.ErrForbidden, err)
	} else if h.keys == nil {
		res.err = model.ErrNoPrivateKey
	} else {
		res.key, res.err = h.keys.PrivateKey(ctx)
	}

	h.post(event{kind: evStart, start: res})
}

func (h *Hub) handleStart(res startResult) {
	s := h.sessions[res.sessionID]
	if s == nil {
		// a leg dropped while the key was loading
		return
	}

	if res.err != nil {
		text := MsgKeyNotFound
		if errors.Is(res.err, model.ErrForbidden) {
			text = MsgNotAuthorized
		}
		h.log.Warn().Err(res.err).Str("session", s.ID).Str("node", s.NodeID).Msg("session aborted")
		s.browser.SendMessage(protocol.Error{Message: text})
		s.browser.Close()
		h.removeSession(s)
		return
	}

	if !s.agent.SendMessage(protocol.SSHStart{SessionID: s.ID, Username: s.Username, PrivateKey: string(res.key)}) {
		// the agent's unregister will clean up
		return
	}
	s.started = true
	for _, m := range s.backlog {
		s.agent.SendMessage(m)
	}
	s.backlog = nil

	if h.audit != nil {
		h.audit.Record(audit.Event{
			Actor:         s.UserID,
			NodeID:        s.NodeID,
			ShellUsername: s.Username,
			At:            s.CreatedAt,
		})
	}
}

func (h *Hub) handleAgentFrame(c *Conn, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.SSHReady:
		if h.sessions[m.SessionID] == nil {
			// the session ended while the shell was opening
			c.SendMessage(protocol.SSHClose{SessionID: m.SessionID})
			return
		}
		s := h.agentSession(c, m.SessionID)
		if s == nil || s.State != SessionPending {
			return
		}
		s.State = SessionActive
		s.browser.SendMessage(protocol.Connected{})
		h.log.Info().Str("session", s.ID).Str("node", s.NodeID).Msg("session active")

	case protocol.SSHData:
		s := h.agentSession(c, m.SessionID)
		if s == nil {
			return
		}
		data, err := protocol.DecodeData(m.Data)
		if err != nil {
			h.log.Debug().Err(err).Str("session", s.ID).Msg("dropping shell output")
			return
		}
		// invalid UTF-8 is replaced with U+FFFD by the encoder
		s.browser.SendMessage(protocol.Output{Data: string(data)})

	case protocol.SSHError:
		s := h.agentSession(c, m.SessionID)
		if s == nil {
			return
		}
		text := m.Message
		if text == "" {
			text = MsgShellError
		}
		h.log.Warn().Str("session", s.ID).Str("node", s.NodeID).Str("error", text).Msg("shell error")
		s.browser.SendMessage(protocol.Error{Message: text})
		s.browser.Close()
		h.removeSession(s)

	case protocol.SSHClose:
		s := h.agentSession(c, m.SessionID)
		if s == nil {
			return
		}
		s.browser.SendMessage(protocol.Disconnected{Message: m.Message})
		s.browser.Close()
		h.removeSession(s)

	default:
		h.log.Debug().Str("node", c.nodeID).Str("type", string(msg.MessageType())).Msg("ignoring agent frame")
	}
}

// agentSession returns the session only if c is the leg it is bound to.
func (h *Hub) agentSession(c *Conn, sessionID string) *Session {
	s := h.sessions[sessionID]
	if s == nil || s.agent != c {
		return nil
	}
	return s
}

func (h *Hub) removeSession(s *Session) {
	s.State = SessionClosed
	delete(h.sessions, s.ID)
	if s.browser.sessionID == s.ID {
		s.browser.sessionID = ""
	}
	h.log.Debug().Str("session", s.ID).Msg("session removed")
}

// authRejection is why an agent's first frame was refused.
type authRejection struct {
	code   int
	reason string
	notify bool // send auth-fail before closing
}

// authenticateAgent checks an agent's first frame and returns its canonical
// node id.
func (h *Hub) authenticateAgent(ctx context.Context, msg protocol.Message, decodeErr error) (string, *authRejection) {
	invalid := &authRejection{code: protocol.CloseInvalidAuth, reason: protocol.ReasonInvalidAuth}
	if decodeErr != nil {
		return "", invalid
	}
	a, ok := msg.(protocol.Auth)
	if !ok {
		return "", invalid
	}
	nodeID := protocol.CanonicalNodeID(a.MAC)
	if nodeID == "" {
		return "", invalid
	}

	if err := h.agentAuth.Authenticate(ctx, a.APIKey); err != nil {
		if errors.Is(err, model.ErrAPIKeyNotFound) {
			return "", &authRejection{code: protocol.CloseInvalidAPIKey, reason: protocol.ReasonInvalidAPIKey, notify: true}
		}
		h.log.Error().Err(err).Str("node", nodeID).Msg("api key lookup failed")
		return "", &authRejection{code: protocol.CloseInvalidAPIKey, reason: protocol.ReasonAuthError, notify: true}
	}
	return nodeID, nil
}
