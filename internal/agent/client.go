package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/logging"
	"github.com/node-registration/relay/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
	handshakeTimeout = 15 * time.Second
	shellOpenTimeout = 20 * time.Second
	readChunk        = 32 * 1024

	msgNoPrivateKey = "No private key provided"
)

// State is the link's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// RelayURL derives the agent endpoint from the relay's HTTP origin:
// http becomes ws, https becomes wss, and the path is always /ws/agent.
func RelayURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid api url %q: missing host", apiURL)
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: protocol.AgentPath}).String(), nil
}

// Options configures a LinkClient.
type Options struct {
	APIURL string
	APIKey string
	// NodeID is called before every connection attempt.
	NodeID  func() (string, error)
	Shells  ShellDialer
	Log     zerolog.Logger
	Backoff *Backoff
	Dialer  *websocket.Dialer
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// LinkClient keeps the agent's link to the relay alive.
type LinkClient struct {
	url     string
	apiKey  string
	nodeID  func() (string, error)
	shells  ShellDialer
	log     zerolog.Logger
	backoff *Backoff
	dialer  *websocket.Dialer
	sleep   func(ctx context.Context, d time.Duration) error

	state atomic.Int32
}

// NewLinkClient validates opts and creates a LinkClient.
func NewLinkClient(opts Options) (*LinkClient, error) {
	relayURL, err := RelayURL(opts.APIURL)
	if err != nil {
		return nil, err
	}
	if opts.NodeID == nil {
		return nil, errors.New("node id source is required")
	}
	if opts.Shells == nil {
		return nil, errors.New("shell dialer is required")
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &LinkClient{
		url:     relayURL,
		apiKey:  opts.APIKey,
		nodeID:  opts.NodeID,
		shells:  opts.Shells,
		log:     logging.Component(opts.Log, "tunnel"),
		backoff: opts.Backoff,
		dialer:  opts.Dialer,
		sleep:   opts.Sleep,
	}, nil
}

// URL returns the relay endpoint the client dials.
func (c *LinkClient) URL() string { return c.url }

// State returns the current connection state.
func (c *LinkClient) State() State { return State(c.state.Load()) }

func (c *LinkClient) setState(s State) { c.state.Store(int32(s)) }

// Run connects and reconnects until ctx is done.
func (c *LinkClient) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("link lost")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff.Next()
		c.log.Info().Dur("delay", delay).Msg("reconnecting")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOnce holds one connection until it drops.
func (c *LinkClient) runOnce(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	nodeID, err := c.nodeID()
	if err != nil {
		return fmt.Errorf("failed to determine node id: %w", err)
	}

	c.setState(StateConnecting)
	c.log.Info().Str("url", c.url).Msg("connecting")
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	l := newLink(ctx, ws, c.log)
	defer l.shutdown()

	c.setState(StateAuthenticating)
	if err := l.send(protocol.Auth{APIKey: c.apiKey, MAC: nodeID}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	go l.pingLoop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("closed by relay: %d %s", ce.Code, ce.Text)
			}
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping frame")
			continue
		}
		c.dispatch(l, msg)
	}
}

func (c *LinkClient) dispatch(l *link, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.AuthOK:
		c.backoff.Reset()
		c.setState(StateReady)
		c.log.Info().Msg("authenticated")

	case protocol.AuthFail:
		c.log.Error().Msg("authentication failed")

	case protocol.SSHStart:
		// registered before the goroutine starts so a following ssh-close
		// always finds it
		ctx, ok := l.begin(m.SessionID)
		if !ok {
			return
		}
		go c.serveShell(ctx, l, m)

	case protocol.SSHData:
		sh := l.shell(m.SessionID)
		if sh == nil {
			return
		}
		data, err := protocol.DecodeData(m.Data)
		if err != nil {
			c.log.Debug().Err(err).Str("session", m.SessionID).Msg("dropping input")
			return
		}
		if _, err := sh.Write(data); err != nil {
			c.log.Debug().Err(err).Str("session", m.SessionID).Msg("shell write failed")
		}

	case protocol.SSHResize:
		if sh := l.shell(m.SessionID); sh != nil {
			if err := sh.Resize(m.Cols, m.Rows); err != nil {
				c.log.Debug().Err(err).Str("session", m.SessionID).Msg("resize failed")
			}
		}

	case protocol.SSHClose:
		if sh := l.take(m.SessionID); sh != nil {
			sh.Close()
			c.log.Info().Str("session", m.SessionID).Msg("session closed by relay")
		} else if l.abort(m.SessionID) {
			c.log.Info().Str("session", m.SessionID).Msg("session closed while the shell was opening")
		}
	}
}

// serveShell opens the shell for one session and pumps its output until
// it ends.
func (c *LinkClient) serveShell(ctx context.Context, l *link, m protocol.SSHStart) {
	log := c.log.With().Str("session", m.SessionID).Str("username", m.Username).Logger()

	if m.PrivateKey == "" {
		if l.finish(m.SessionID, nil) {
			_ = l.send(protocol.SSHError{SessionID: m.SessionID, Message: msgNoPrivateKey})
		}
		return
	}

	sh, err := c.shells.Open(ctx, m.Username, []byte(m.PrivateKey))
	if err != nil {
		if !l.finish(m.SessionID, nil) {
			log.Debug().Err(err).Msg("shell open abandoned")
			return
		}
		log.Warn().Err(err).Msg("failed to open shell")
		_ = l.send(protocol.SSHError{SessionID: m.SessionID, Message: err.Error()})
		return
	}

	if !l.finish(m.SessionID, sh) {
		sh.Close()
		log.Info().Msg("shell closed, session ended before it was ready")
		return
	}
	log.Info().Msg("shell opened")
	_ = l.send(protocol.SSHReady{SessionID: m.SessionID})

	var wg sync.WaitGroup
	wg.Add(2)
	go l.pump(&wg, m.SessionID, sh.Stdout())
	go l.pump(&wg, m.SessionID, sh.Stderr())
	wg.Wait()

	// still registered means the shell ended on its own
	if l.take(m.SessionID) != nil {
		_ = l.send(protocol.SSHClose{SessionID: m.SessionID})
		log.Info().Msg("shell exited")
	}
	sh.Close()
}
