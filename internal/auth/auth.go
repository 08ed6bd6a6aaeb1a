// Package auth validates downstream API keys against an in-memory snapshot.
// The snapshot is swapped whole on config reload; lookups are lock-free.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	relay "github.com/eugener/palantir/internal"
)

// Key is one downstream API key as seeded from configuration or storage.
// Hash is the hex SHA-256 of the raw key; raw keys are never kept.
type Key struct {
	ID       int64
	UserID   int64
	UserName string
	Hash     string
	Enabled  bool
}

// KeyAuth authenticates requests against the current key snapshot. It
// implements relay.Authenticator.
type KeyAuth struct {
	keys atomic.Pointer[map[string]Key]
}

// NewKeyAuth builds an authenticator over the given key set.
func NewKeyAuth(keys []Key) *KeyAuth {
	a := &KeyAuth{}
	a.Replace(keys)
	return a
}

// Replace swaps the full key set. In-flight lookups keep the snapshot they
// loaded.
func (a *KeyAuth) Replace(keys []Key) {
	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		m[k.Hash] = k
	}
	a.keys.Store(&m)
}

// Authenticate extracts the API key from the x-api-key header or an
// Authorization bearer token and resolves the caller identity. A request with
// no key at all fails with ErrUnauthorized; an unknown or disabled key fails
// with ErrForbidden.
func (a *KeyAuth) Authenticate(_ context.Context, r *http.Request) (*relay.Identity, error) {
	raw := extractKey(r.Header)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing api key", relay.ErrUnauthorized)
	}

	hash := relay.HashKey(raw)
	key, ok := (*a.keys.Load())[hash]
	if !ok || subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) != 1 {
		return nil, fmt.Errorf("%w: invalid api key", relay.ErrForbidden)
	}
	if !key.Enabled {
		return nil, fmt.Errorf("%w: api key disabled", relay.ErrForbidden)
	}
	return &relay.Identity{UserID: key.UserID, KeyID: key.ID, Name: key.UserName}, nil
}

// extractKey prefers x-api-key (the claude and gemini client convention) and
// falls back to an Authorization bearer token (openai clients).
func extractKey(h http.Header) string {
	if k := h.Get("x-api-key"); k != "" {
		return k
	}
	auth := strings.TrimSpace(h.Get("Authorization"))
	for _, prefix := range []string{"Bearer ", "bearer "} {
		if token, ok := strings.CutPrefix(auth, prefix); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
