package auth

import (
	"context"

	"github.com/node-registration/relay/internal/repository"
)

// APIKeyStore reports whether an active key with the given sha256 hex
// digest exists. It returns model.ErrAPIKeyNotFound when it does not.
type APIKeyStore interface {
	LookupAPIKey(ctx context.Context, keyHash string) error
}

// AgentAuthenticator checks the API key an agent presents in its first
// message.
type AgentAuthenticator struct {
	Keys APIKeyStore
}

// Authenticate hashes apiKey and looks it up. Any error other than
// model.ErrAPIKeyNotFound means the store itself failed.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, apiKey string) error {
	return a.Keys.LookupAPIKey(ctx, repository.HashAPIKey(apiKey))
}
