package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/node-registration/relay/internal/model"
)

// SessionStore resolves a web session id to the authenticated user id.
type SessionStore interface {
	LookupSession(ctx context.Context, sessionID string) (string, error)
}

// RedisSessionStore reads sessions written by the web application into
// Redis under prefix+id as {"passport":{"user":...}}.
type RedisSessionStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSessionStore creates a store reading keys with the given prefix.
func NewRedisSessionStore(client redis.Cmdable, prefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: prefix}
}

type sessionRecord struct {
	Passport *struct {
		User json.RawMessage `json:"user"`
	} `json:"passport"`
}

// LookupSession implements SessionStore.
func (s *RedisSessionStore) LookupSession(ctx context.Context, sessionID string) (string, error) {
	data, err := s.client.Get(ctx, s.prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", model.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("%w: unparseable session record", model.ErrMissingUserClaim)
	}
	if rec.Passport == nil {
		return "", model.ErrMissingUserClaim
	}
	return userClaim(rec.Passport.User)
}

// userClaim turns a passport user value into an id. Falsy values (null,
// false, 0, "") mean the session was never logged in.
func userClaim(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", model.ErrMissingUserClaim
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", model.ErrMissingUserClaim
		}
		return s, nil
	case 'n', 't', 'f', '{', '[':
		return "", model.ErrMissingUserClaim
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", model.ErrMissingUserClaim
	}
	if f, err := strconv.ParseFloat(n.String(), 64); err != nil || f == 0 {
		return "", model.ErrMissingUserClaim
	}
	return n.String(), nil
}
