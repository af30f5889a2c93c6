package model

import "errors"

var (
	// ErrSessionNotFound is returned when a browser session record is not in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when a caller could not be authenticated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an authenticated user may not reach a node.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCookie is returned when the session cookie is missing or its signature does not verify.
	ErrInvalidCookie = errors.New("invalid session cookie")

	// ErrMissingUserClaim is returned when a session record carries no authenticated user.
	ErrMissingUserClaim = errors.New("session has no user claim")

	// ErrAPIKeyNotFound is returned when an API key hash is unknown or inactive.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrNodeNotFound is returned when the node directory has no entry for a node id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeNotConnected is returned when no agent is registered for a node id.
	ErrNodeNotConnected = errors.New("node agent is not connected")

	// ErrNoPrivateKey is returned when a shell is requested without key material.
	ErrNoPrivateKey = errors.New("no private key provided")
)
