package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/protocol"
)

func TestRelayURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:3002", "ws://localhost:3002/ws/agent", false},
		{"https://fleet.example.com", "wss://fleet.example.com/ws/agent", false},
		{"https://fleet.example.com:8443/api", "wss://fleet.example.com:8443/ws/agent", false},
		{"not a url", "", true},
		{"://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := RelayURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RelayURL(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("RelayURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("delay %d = %v, want %v", i, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after Reset delay = %v, want 1s", got)
	}
}

// Property: delays never exceed the cap and never shrink without a Reset.
func TestBackoffProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("delays are monotonic and capped", prop.ForAll(
		func(n int) bool {
			b := NewBackoff()
			prev := time.Duration(0)
			for i := 0; i < n; i++ {
				d := b.Next()
				if d < prev || d > DefaultMaxBackoff || d < DefaultMinBackoff {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

func TestSelectNodeID(t *testing.T) {
	mac := func(s string) net.HardwareAddr {
		hw, err := net.ParseMAC(s)
		if err != nil {
			t.Fatalf("ParseMAC(%q): %v", s, err)
		}
		return hw
	}

	ifaces := []ifaceInfo{
		{name: "lo", mac: nil, loopback: true, hasIPv4: true},
		{name: "docker0", mac: mac("02:42:ac:11:00:01"), hasIPv4: true},
		{name: "veth12ab", mac: mac("02:42:ac:11:00:02"), hasIPv4: true},
		{name: "br-5f2c", mac: mac("02:42:ac:11:00:03"), hasIPv4: true},
		{name: "virbr0", mac: mac("52:54:00:00:00:01"), hasIPv4: true},
		{name: "tun0", mac: mac("00:00:00:00:00:00"), hasIPv4: true},
		{name: "wlan0", mac: mac("aa:aa:aa:aa:aa:aa"), hasIPv4: false},
		{name: "eth0", mac: mac("0c:c4:7a:12:34:56"), hasIPv4: true},
		{name: "eth1", mac: mac("0c:c4:7a:ff:ff:ff"), hasIPv4: true},
	}

	got, err := selectNodeID(ifaces)
	if err != nil {
		t.Fatalf("selectNodeID() error = %v", err)
	}
	if got != "0C:C4:7A:12:34:56" {
		t.Errorf("selectNodeID() = %q, want 0C:C4:7A:12:34:56", got)
	}

	if _, err := selectNodeID(ifaces[:7]); !errors.Is(err, ErrNoInterface) {
		t.Errorf("expected ErrNoInterface, got %v", err)
	}
}

func TestDiscoverNodeIDOverride(t *testing.T) {
	got, err := DiscoverNodeID(" aa:bb:cc:dd:ee:ff ")
	if err != nil || got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DiscoverNodeID(override) = %q, %v", got, err)
	}
}

// fakeShell echoes "a\n" for every "ls\n" written to it.
type fakeShell struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	mu      sync.Mutex
	resizes [][2]int
	closed  chan struct{}
	once    sync.Once
}

func newFakeShell() *fakeShell {
	or, ow := io.Pipe()
	er, ew := io.Pipe()
	return &fakeShell{stdoutR: or, stdoutW: ow, stderrR: er, stderrW: ew, closed: make(chan struct{})}
}

func (s *fakeShell) Write(p []byte) (int, error) {
	if string(p) == "ls\n" {
		go s.stdoutW.Write([]byte("a\n"))
	}
	return len(p), nil
}

func (s *fakeShell) Stdout() io.Reader { return s.stdoutR }
func (s *fakeShell) Stderr() io.Reader { return s.stderrR }

func (s *fakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.once.Do(func() {
		s.stdoutW.Close()
		s.stderrW.Close()
		close(s.closed)
	})
	return nil
}

// exit simulates the user typing "exit".
func (s *fakeShell) exit() { s.Close() }

type fakeDialer struct {
	mu        sync.Mutex
	shells    []*fakeShell
	usernames []string
	err       error
}

func (d *fakeDialer) Open(_ context.Context, username string, _ []byte) (Shell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	sh := newFakeShell()
	d.shells = append(d.shells, sh)
	d.usernames = append(d.usernames, username)
	return sh, nil
}

func (d *fakeDialer) last() *fakeShell {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.shells) == 0 {
		return nil
	}
	return d.shells[len(d.shells)-1]
}

// relayStub hands every accepted agent connection to the test.
func relayStub(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.AgentPath {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(server.Close)
	return server, conns
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func newTestClient(t *testing.T, serverURL string, shells ShellDialer, sleep func(context.Context, time.Duration) error) *LinkClient {
	t.Helper()
	c, err := NewLinkClient(Options{
		APIURL: serverURL,
		APIKey: "test-key",
		NodeID: func() (string, error) { return "AA:BB:CC:DD:EE:FF", nil },
		Shells: shells,
		Log:    zerolog.Nop(),
		Sleep:  sleep,
	})
	if err != nil {
		t.Fatalf("NewLinkClient() error = %v", err)
	}
	return c
}

// connectAndAuth starts the client and completes the handshake.
func connectAndAuth(t *testing.T, shells ShellDialer) (*LinkClient, *websocket.Conn) {
	t.Helper()
	server, conns := relayStub(t)
	c := newTestClient(t, server.URL, shells, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ws := accept(t, conns)
	authMsg, ok := readFrame(t, ws).(protocol.Auth)
	if !ok || authMsg.APIKey != "test-key" || authMsg.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("expected auth frame, got %#v", authMsg)
	}
	sendFrame(t, ws, protocol.AuthOK{})

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("client state = %s, want ready", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, ws
}

func TestShellSessionLifecycle(t *testing.T) {
	dialer := &fakeDialer{}
	_, ws := connectAndAuth(t, dialer)

	sendFrame(t, ws, protocol.SSHStart{SessionID: "s1", Username: "root", PrivateKey: "KEY"})
	if ready, ok := readFrame(t, ws).(protocol.SSHReady); !ok || ready.SessionID != "s1" {
		t.Fatalf("expected ssh-ready, got %#v", ready)
	}

	sendFrame(t, ws, protocol.SSHData{SessionID: "s1", Data: protocol.EncodeData([]byte("ls\n"))})
	data, ok := readFrame(t, ws).(protocol.SSHData)
	if !ok || data.SessionID != "s1" || data.Data != "YQo=" {
		t.Fatalf("expected ssh-data YQo=, got %#v", data)
	}

	sh := dialer.last()
	sendFrame(t, ws, protocol.SSHResize{SessionID: "s1", Cols: 132, Rows: 43})
	sendFrame(t, ws, protocol.SSHResize{SessionID: "unknown", Cols: 1, Rows: 1})
	sendFrame(t, ws, protocol.SSHClose{SessionID: "s1"})

	select {
	case <-sh.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("shell should close on ssh-close")
	}
	sh.mu.Lock()
	resizes := sh.resizes
	sh.mu.Unlock()
	if len(resizes) != 1 || resizes[0] != [2]int{132, 43} {
		t.Errorf("unexpected resizes %v", resizes)
	}

	// closed by the relay: nothing is echoed back
	expectNoFrame(t, ws)
}

func TestShellExitSendsClose(t *testing.T) {
	dialer := &fakeDialer{}
	_, ws := connectAndAuth(t, dialer)

	sendFrame(t, ws, protocol.SSHStart{SessionID: "s2", Username: "admin", PrivateKey: "KEY"})
	readFrame(t, ws) // ssh-ready

	dialer.last().exit()
	if msg, ok := readFrame(t, ws).(protocol.SSHClose); !ok || msg.SessionID != "s2" {
		t.Fatalf("expected ssh-close, got %#v", msg)
	}
}

func TestShellStartErrors(t *testing.T) {
	t.Run("no private key", func(t *testing.T) {
		_, ws := connectAndAuth(t, &fakeDialer{})
		sendFrame(t, ws, protocol.SSHStart{SessionID: "s3", Username: "root"})
		msg, ok := readFrame(t, ws).(protocol.SSHError)
		if !ok || msg.SessionID != "s3" || msg.Message != "No private key provided" {
			t.Fatalf("expected ssh-error, got %#v", msg)
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		_, ws := connectAndAuth(t, &fakeDialer{err: errors.New("connection refused")})
		sendFrame(t, ws, protocol.SSHStart{SessionID: "s4", Username: "root", PrivateKey: "KEY"})
		msg, ok := readFrame(t, ws).(protocol.SSHError)
		if !ok || msg.SessionID != "s4" || msg.Message != "connection refused" {
			t.Fatalf("expected ssh-error, got %#v", msg)
		}
	})
}

func TestTransportDropClosesShells(t *testing.T) {
	dialer := &fakeDialer{}
	c, ws := connectAndAuth(t, dialer)

	sendFrame(t, ws, protocol.SSHStart{SessionID: "s5", Username: "root", PrivateKey: "KEY"})
	readFrame(t, ws)

	ws.Close()
	select {
	case <-dialer.last().closed:
	case <-time.After(2 * time.Second):
		t.Fatal("shell should be closed when the link drops")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() == StateReady {
		if time.Now().After(deadline) {
			t.Fatal("client should leave the ready state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// slowDialer blocks every Open until release is closed. With honorCtx set
// it gives up as soon as its context is cancelled, like a real dial.
type slowDialer struct {
	entered  chan context.Context
	release  chan struct{}
	honorCtx bool

	mu    sync.Mutex
	shell *fakeShell
}

func newSlowDialer(honorCtx bool) *slowDialer {
	return &slowDialer{
		entered:  make(chan context.Context, 1),
		release:  make(chan struct{}),
		honorCtx: honorCtx,
	}
}

func (d *slowDialer) Open(ctx context.Context, _ string, _ []byte) (Shell, error) {
	d.entered <- ctx

	var cancelled <-chan struct{}
	if d.honorCtx {
		cancelled = ctx.Done()
	}
	select {
	case <-d.release:
	case <-cancelled:
		return nil, ctx.Err()
	}

	sh := newFakeShell()
	d.mu.Lock()
	d.shell = sh
	d.mu.Unlock()
	return sh, nil
}

func (d *slowDialer) opened() *fakeShell {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shell
}

func waitOpening(t *testing.T, d *slowDialer) context.Context {
	t.Helper()
	select {
	case ctx := <-d.entered:
		return ctx
	case <-time.After(2 * time.Second):
		t.Fatal("shell open never started")
		return nil
	}
}

func TestCloseWhileShellOpening(t *testing.T) {
	dialer := newSlowDialer(false)
	_, ws := connectAndAuth(t, dialer)

	sendFrame(t, ws, protocol.SSHStart{SessionID: "s1", Username: "root", PrivateKey: "KEY"})
	openCtx := waitOpening(t, dialer)
	sendFrame(t, ws, protocol.SSHClose{SessionID: "s1"})

	select {
	case <-openCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ssh-close should cancel the open in progress")
	}

	// the dial completes anyway; the late shell must not survive
	close(dialer.release)
	expectNoFrame(t, ws)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sh := dialer.opened(); sh != nil {
			select {
			case <-sh.closed:
				return
			case <-time.After(time.Until(deadline)):
				t.Fatal("shell for a closed session is still open")
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("dialer never returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseWhileShellOpeningSendsNoError(t *testing.T) {
	dialer := newSlowDialer(true)
	_, ws := connectAndAuth(t, dialer)

	sendFrame(t, ws, protocol.SSHStart{SessionID: "s1", Username: "root", PrivateKey: "KEY"})
	waitOpening(t, dialer)
	sendFrame(t, ws, protocol.SSHClose{SessionID: "s1"})
	time.Sleep(50 * time.Millisecond)

	// the link keeps serving new sessions, and the first frame it sends is
	// for s2: the cancelled dial produced neither ssh-ready nor ssh-error
	sendFrame(t, ws, protocol.SSHStart{SessionID: "s2", Username: "root", PrivateKey: "KEY"})
	waitOpening(t, dialer)
	close(dialer.release)
	msg := readFrame(t, ws)
	if ready, ok := msg.(protocol.SSHReady); !ok || ready.SessionID != "s2" {
		t.Fatalf("expected ssh-ready for s2, got %#v", msg)
	}
}

// recordSleeps stops Run after n waits and reports the delays it asked for.
func recordSleeps(n int, cancel context.CancelFunc) (func(context.Context, time.Duration) error, func() []time.Duration) {
	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		full := len(delays) >= n
		mu.Unlock()
		if full {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	get := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), delays...)
	}
	return sleep, get
}

func TestReconnectBackoff(t *testing.T) {
	// the relay accepts and immediately hangs up, never sending auth-ok
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep, delays := recordSleeps(7, cancel)
	c := newTestClient(t, server.URL, &fakeDialer{}, sleep)

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	got := delays()
	if len(got) != len(want) {
		t.Fatalf("got %d delays, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i]*time.Second)
		}
	}
}

func TestAuthOKResetsBackoff(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		data, _ := protocol.Encode(protocol.AuthOK{})
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep, delays := recordSleeps(5, cancel)
	c := newTestClient(t, server.URL, &fakeDialer{}, sleep)
	_ = c.Run(ctx)

	for i, d := range delays() {
		if d != time.Second {
			t.Errorf("delay %d = %v, want 1s after every auth-ok", i, d)
		}
	}
}

func TestDialFailureBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep, delays := recordSleeps(3, cancel)

	// nothing listens on port 1
	c := newTestClient(t, "http://127.0.0.1:1", &fakeDialer{}, sleep)
	_ = c.Run(ctx)

	got := delays()
	if len(got) != 3 || got[0] != time.Second || got[1] != 2*time.Second || got[2] != 4*time.Second {
		t.Errorf("unexpected delays %v", got)
	}
}

func TestNodeIDFailureSchedulesReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep, delays := recordSleeps(2, cancel)

	c, err := NewLinkClient(Options{
		APIURL: "http://localhost:3002",
		NodeID: func() (string, error) { return "", ErrNoInterface },
		Shells: &fakeDialer{},
		Log:    zerolog.Nop(),
		Sleep:  sleep,
	})
	if err != nil {
		t.Fatalf("NewLinkClient() error = %v", err)
	}
	_ = c.Run(ctx)

	if got := delays(); len(got) != 2 {
		t.Errorf("expected 2 reconnect waits, got %v", got)
	}
}

func TestNewLinkClientValidation(t *testing.T) {
	_, err := NewLinkClient(Options{APIURL: "http://x", Shells: &fakeDialer{}})
	if err == nil || !strings.Contains(err.Error(), "node id") {
		t.Errorf("expected node id error, got %v", err)
	}
	_, err = NewLinkClient(Options{APIURL: "", NodeID: func() (string, error) { return "A", nil }, Shells: &fakeDialer{}})
	if err == nil {
		t.Error("expected url error")
	}
}

func TestStateString(t *testing.T) {
	if StateReady.String() != "ready" || StateDisconnected.String() != "disconnected" {
		t.Error("unexpected state names")
	}
}
