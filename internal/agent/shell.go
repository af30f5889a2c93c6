package agent

import (
	"context"
	"io"
)

// Shell is an interactive login shell with a pseudo-terminal.
type Shell interface {
	io.Writer // stdin
	Stdout() io.Reader
	Stderr() io.Reader
	Resize(cols, rows int) error
	Close() error
}

// ShellDialer opens shells on the local node.
type ShellDialer interface {
	Open(ctx context.Context, username string, privateKey []byte) (Shell, error)
}
