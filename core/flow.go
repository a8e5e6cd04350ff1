package core

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"connectd/logger"
)

// CallbackParams are the query parameters a provider redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Flow drives the authorization-code handshake: it issues the state
// parameter, sends the user to the provider and finishes the callback.
type Flow struct {
	config    *Config
	providers ProviderFactory
	repo      Repository
	tokens    *TokenManager
}

func NewFlow(config *Config, providers ProviderFactory, repo Repository, tokens *TokenManager) *Flow {
	return &Flow{
		config:    config,
		providers: providers,
		repo:      repo,
		tokens:    tokens,
	}
}

// Initiate stores a fresh state in sess and returns the provider consent URL.
func (f *Flow) Initiate(ctx context.Context, provider string, sess Session) (string, error) {
	adapter, err := f.providers.Resolve(provider)
	if err != nil {
		return "", err
	}

	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	authURL, err := adapter.AuthorizationURL(state, f.config.RedirectURI(adapter.Provider()), sess)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization url: %w", err)
	}
	sess.Set(StateKey(adapter.Provider()), state)

	logger.From(ctx).Debug("redirecting to provider", logger.Provider(provider), zap.String("url", authURL))
	return authURL, nil
}

// CompleteCallback finishes the flow for owner. The stored state is removed
// from sess on every path once it has been read, so a callback can never be
// replayed.
func (f *Flow) CompleteCallback(ctx context.Context, provider string, params CallbackParams, sess Session, owner uuid.UUID) (*OAuthToken, error) {
	log := logger.From(ctx).With(logger.Provider(provider), logger.Owner(owner.String()))

	adapter, err := f.providers.Resolve(provider)
	if err != nil {
		return nil, err
	}
	p := adapter.Provider()

	key := StateKey(p)
	expected, found := sess.Get(key)
	sess.Delete(key)

	token, err := f.complete(ctx, adapter, params, expected, found, sess, owner)
	outcome := callbackOutcome(err)
	oauthCallbacks.WithLabelValues(string(p), outcome).Inc()

	switch {
	case err == nil:
		log.Info("account connected", logger.Slug(token.Slug))
	case errors.Is(err, ErrInvalidState):
		log.Warn("oauth state mismatch, possible CSRF", zap.Bool("state_present", params.State != ""))
	case errors.Is(err, ErrAuthorizationDenied):
		log.Info("authorization denied by user", logger.Err(err))
	default:
		log.Error("oauth callback failed", zap.String("outcome", outcome), logger.Err(err))
	}
	return token, err
}

func (f *Flow) complete(ctx context.Context, adapter Adapter, params CallbackParams, expected string, found bool, sess Session, owner uuid.UUID) (*OAuthToken, error) {
	if params.Error != "" {
		return nil, &AuthorizationDeniedError{Code: params.Error, Description: params.ErrorDescription}
	}
	if !found || params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(expected)) != 1 {
		return nil, ErrInvalidState
	}
	if params.Code == "" {
		return nil, ErrMissingAuthorizationCode
	}

	// 1. Exchange the authorization code
	resp, err := adapter.ExchangeCode(ctx, params.Code, f.config.RedirectURI(adapter.Provider()), sess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}
	if resp.AccessToken() == "" {
		return nil, fmt.Errorf("%w: no access_token in provider response", ErrTokenExchangeFailed)
	}

	// 2. Identify the external account
	info, err := adapter.GetUserInfo(ctx, resp.AccessToken())
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	if info.ID() == "" {
		return nil, fmt.Errorf("%w: user info has no id", ErrProviderUserInfo)
	}

	// 3. Upsert the connection and store the credentials
	if err := f.repo.EnsureOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("failed to ensure owner: %w", err)
	}
	token, _, err := f.repo.GetOrCreateToken(ctx, adapter.Provider(), info.ID(), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create token: %w", err)
	}
	if err := f.tokens.UpdateToken(ctx, adapter, token, resp, info); err != nil {
		return nil, fmt.Errorf("failed to update token: %w", err)
	}
	return token, nil
}

func callbackOutcome(err error) string {
	switch {
	case err == nil:
		return "connected"
	case errors.Is(err, ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrMissingAuthorizationCode):
		return "missing_code"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "exchange_failed"
	default:
		return "error"
	}
}

func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
