package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultShellAddr = "localhost:22"
	DefaultTerm      = "xterm-256color"
	DefaultCols      = 80
	DefaultRows      = 24
)

// SSHShellDialer opens shells by logging in to the node's own SSH daemon.
type SSHShellDialer struct {
	Addr string
	Term string
	Cols int
	Rows int
}

// NewSSHShellDialer returns a dialer for addr with an 80x24 xterm-256color
// terminal.
func NewSSHShellDialer(addr string) *SSHShellDialer {
	if addr == "" {
		addr = DefaultShellAddr
	}
	return &SSHShellDialer{Addr: addr, Term: DefaultTerm, Cols: DefaultCols, Rows: DefaultRows}
}

// Open implements ShellDialer.
func (d *SSHShellDialer) Open(ctx context.Context, username string, privateKey []byte) (Shell, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// loopback only
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	var dialer net.Dialer
	sock, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", d.Addr, err)
	}

	// the handshake and shell requests only see the socket, so ctx is
	// enforced on it directly until the shell is up
	if deadline, ok := ctx.Deadline(); ok {
		_ = sock.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { sock.Close() })

	sh, err := d.handshake(sock, config)
	if !stop() {
		// ctx ended first and the socket is gone
		if err == nil {
			sh.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s aborted: %w", d.Addr, ctx.Err())
	}
	if err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetDeadline(time.Time{})
	return sh, nil
}

func (d *SSHShellDialer) handshake(sock net.Conn, config *ssh.ClientConfig) (*sshShell, error) {
	conn, chans, reqs, err := ssh.NewClientConn(sock, d.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	client := ssh.NewClient(conn, chans, reqs)

	sh, err := d.startShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return sh, nil
}

func (d *SSHShellDialer) startShell(client *ssh.Client) (*sshShell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(d.Term, d.Rows, d.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &sshShell{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

type sshShell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshShell) Stdout() io.Reader           { return s.stdout }
func (s *sshShell) Stderr() io.Reader           { return s.stderr }

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.session.Close()
	return s.client.Close()
}
