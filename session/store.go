// Package session persists the short-lived values (state, PKCE verifier)
// that the authorization flow keeps between the redirect and the callback.
package session

import (
	"context"
	"time"
)

// Store is satisfied by Memory and Redis and matches core.SessionStore.
type Store interface {
	Load(ctx context.Context, id string) (map[string]string, error)
	Save(ctx context.Context, id string, values map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
