package hub

import (
	"context"
	"fmt"
	"os"
)

// KeySource supplies the private key the agent uses to open the local shell.
type KeySource interface {
	PrivateKey(ctx context.Context) ([]byte, error)
}

// FileKeySource reads the key from disk on every call so a rotated key is
// picked up without a restart.
type FileKeySource struct {
	Path string
}

// PrivateKey implements KeySource.
func (s FileKeySource) PrivateKey(_ context.Context) ([]byte, error) {
	key, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	return key, nil
}

// StaticKeySource always returns the same key.
type StaticKeySource []byte

// PrivateKey implements KeySource.
func (s StaticKeySource) PrivateKey(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no ssh key configured")
	}
	return s, nil
}
