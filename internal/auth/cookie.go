// Package auth identifies the two kinds of peers the relay accepts: browsers,
// by a signed session cookie backed by a shared session store, and agents,
// by an API key checked against the key store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/node-registration/relay/internal/model"
)

const signedPrefix = "s:"

// Sign produces the cookie value a web session middleware would set for
// sessionID: "s:" + id + "." + unpadded base64 HMAC-SHA256.
func Sign(sessionID, secret string) string {
	return signedPrefix + sessionID + "." + signature(sessionID, secret)
}

// Unsign verifies a raw (possibly URL-encoded) cookie value and returns the
// session id it carries. Unsigned values are rejected.
func Unsign(raw, secret string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidCookie, err)
	}
	if !strings.HasPrefix(decoded, signedPrefix) {
		return "", fmt.Errorf("%w: not signed", model.ErrInvalidCookie)
	}
	decoded = decoded[len(signedPrefix):]

	dot := strings.LastIndexByte(decoded, '.')
	if dot <= 0 {
		return "", fmt.Errorf("%w: malformed signature", model.ErrInvalidCookie)
	}
	value, sig := decoded[:dot], decoded[dot+1:]

	if !hmac.Equal([]byte(sig), []byte(signature(value, secret))) {
		return "", fmt.Errorf("%w: signature mismatch", model.ErrInvalidCookie)
	}
	return value, nil
}

func signature(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return strings.TrimRight(base64.StdEncoding.EncodeToString(mac.Sum(nil)), "=")
}

// SessionIDFromRequest reads and verifies the named session cookie.
func SessionIDFromRequest(r *http.Request, cookieName, secret string) (string, error) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return "", fmt.Errorf("%w: %s cookie missing", model.ErrInvalidCookie, cookieName)
	}
	return Unsign(c.Value, secret)
}
