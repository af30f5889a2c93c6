package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/protocol"
)

// link is one live connection to the relay and the shells opened over it.
// Shells never outlive their link.
type link struct {
	ws     *websocket.Conn
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	shells map[string]Shell
	// shells still being opened, by session id
	pending map[string]context.CancelFunc
}

func newLink(parent context.Context, ws *websocket.Conn, log zerolog.Logger) *link {
	ctx, cancel := context.WithCancel(parent)
	l := &link{
		ws:      ws,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		shells:  make(map[string]Shell),
		pending: make(map[string]context.CancelFunc),
	}
	// unblocks the reader when the agent is stopped
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	return l
}

func (l *link) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

func (l *link) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (l *link) pump(wg *sync.WaitGroup, sessionID string, r io.Reader) {
	defer wg.Done()

	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := l.send(protocol.SSHData{SessionID: sessionID, Data: protocol.EncodeData(buf[:n])}); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// begin marks sessionID as opening and returns the context its open runs
// under. It fails once the link is shutting down or when the session is
// already known.
func (l *link) begin(sessionID string) (context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	if _, ok := l.pending[sessionID]; ok {
		return nil, false
	}
	if _, ok := l.shells[sessionID]; ok {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(l.ctx, shellOpenTimeout)
	l.pending[sessionID] = cancel
	return ctx, true
}

// abort cancels an open still in progress and reports whether there was one.
func (l *link) abort(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cancel, ok := l.pending[sessionID]
	if !ok {
		return false
	}
	delete(l.pending, sessionID)
	cancel()
	return true
}

// finish ends the open for sessionID and registers sh when it is non-nil.
// It returns false if the session was closed or the link went away in the
// meantime; the caller then owns sh and must close it.
func (l *link) finish(sessionID string, sh Shell) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cancel, ok := l.pending[sessionID]
	if !ok || l.closed {
		return false
	}
	delete(l.pending, sessionID)
	cancel()
	if sh != nil {
		l.shells[sessionID] = sh
	}
	return true
}

func (l *link) shell(sessionID string) Shell {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shells[sessionID]
}

// take removes and returns the shell for sessionID.
func (l *link) take(sessionID string) Shell {
	l.mu.Lock()
	defer l.mu.Unlock()
	sh := l.shells[sessionID]
	delete(l.shells, sessionID)
	return sh
}

// shutdown closes every shell and the connection.
func (l *link) shutdown() {
	l.mu.Lock()
	l.closed = true
	shells := l.shells
	l.shells = make(map[string]Shell)
	for id, cancel := range l.pending {
		cancel()
		delete(l.pending, id)
	}
	l.mu.Unlock()

	for id, sh := range shells {
		sh.Close()
		l.log.Debug().Str("session", id).Msg("shell closed with link")
	}
	l.cancel()
	l.ws.Close()
}
