package auth

import (
	"context"
	"net/http"
)

// Authorizer decides whether an authenticated user may open a shell on a
// node.
type Authorizer interface {
	Authorize(ctx context.Context, userID, nodeID string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, nodeID string) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, userID, nodeID string) error {
	return f(ctx, userID, nodeID)
}

// AllowAuthenticated admits every authenticated user to every node.
var AllowAuthenticated Authorizer = AuthorizerFunc(func(context.Context, string, string) error {
	return nil
})

// BrowserAuthenticator authenticates browser upgrade requests.
type BrowserAuthenticator struct {
	CookieName string
	Secret     string
	Sessions   SessionStore
}

// Authenticate returns the user id bound to the request's session cookie.
func (a *BrowserAuthenticator) Authenticate(r *http.Request) (string, error) {
	sessionID, err := SessionIDFromRequest(r, a.CookieName, a.Secret)
	if err != nil {
		return "", err
	}
	return a.Sessions.LookupSession(r.Context(), sessionID)
}
