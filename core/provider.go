package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProviderTokenExchange = errors.New("provider token exchange failed")
	ErrProviderUserInfo      = errors.New("provider user info request failed")
	ErrProviderRefreshToken  = errors.New("provider token refresh failed")
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// ProviderResponseError keeps the raw provider answer for a non-2xx response.
type ProviderResponseError struct {
	Op         error
	StatusCode int
	Body       string
}

func (e *ProviderResponseError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProviderResponseError) Unwrap() error {
	return e.Op
}

// Adapter speaks one provider's dialect of the OAuth2 authorization-code flow.
type Adapter interface {
	Provider() Provider

	// Scope is the configured scope, used when a token response omits one.
	Scope() string

	AuthorizationURL(state, redirectURI string, sess Session) (string, error)

	ExchangeCode(ctx context.Context, code, redirectURI string, sess Session) (TokenResponse, error)

	// RefreshAccessToken returns an empty response, not an error, when the
	// provider rejects the refresh.
	RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResponse, error)

	GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error)
}

// ProviderFactory resolves a provider name to its adapter.
type ProviderFactory interface {
	Resolve(name string) (Adapter, error)
}
