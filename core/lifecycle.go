package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"connectd/logger"
)

// refreshTimeout bounds a shared refresh once it no longer follows the
// caller that started it.
const refreshTimeout = 30 * time.Second

// TokenManager hands out usable access tokens, refreshing expired ones on
// demand and writing the result back to the repository.
type TokenManager struct {
	providers ProviderFactory
	repo      Repository
	now       func() time.Time
	inflight  singleflight.Group
}

func NewTokenManager(providers ProviderFactory, repo Repository) *TokenManager {
	return &TokenManager{
		providers: providers,
		repo:      repo,
		now:       time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	m.now = now
	return m
}

// GetValidAccessToken returns token's access token, refreshing it first when
// it has expired. On success token holds the refreshed fields. On failure
// token is left as it was and the error is a *TokenRefreshError.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, token *OAuthToken) (string, error) {
	log := logger.From(ctx).With(logger.Provider(string(token.Provider)), logger.Slug(token.Slug))

	if !token.IsExpired(m.now()) {
		log.Debug("token is valid")
		return token.AccessToken, nil
	}

	log.Debug("token has expired, refreshing")

	key := token.Slug
	if key == "" {
		key = fmt.Sprintf("%s:%s", token.Provider, token.ExternalUserID)
	}
	ch := m.inflight.DoChan(key, func() (any, error) {
		// Waiters share this call, so it must outlive whichever caller started it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(ctx, token)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		log.Info("caller gave up waiting for token refresh", logger.Err(ctx.Err()))
		return "", &TokenRefreshError{Provider: token.Provider, Slug: token.Slug, Err: ctx.Err()}
	}
	if res.Err != nil {
		tokenRefreshes.WithLabelValues(string(token.Provider), "failed").Inc()
		log.Error("token refresh failed", logger.Err(res.Err))
		return "", res.Err
	}

	refreshed := res.Val.(*OAuthToken)
	*token = *refreshed.Clone()
	tokenRefreshes.WithLabelValues(string(token.Provider), "refreshed").Inc()
	return token.AccessToken, nil
}

func (m *TokenManager) refresh(ctx context.Context, token *OAuthToken) (*OAuthToken, error) {
	fail := func(err error) error {
		return &TokenRefreshError{Provider: token.Provider, Slug: token.Slug, Err: err}
	}

	adapter, err := m.providers.Resolve(string(token.Provider))
	if err != nil {
		return nil, fail(err)
	}

	// 1. Ask the provider for a new access token
	resp, err := adapter.RefreshAccessToken(ctx, token.RefreshToken)
	if err != nil {
		return nil, fail(err)
	}
	if resp.AccessToken() == "" {
		return nil, fail(nil)
	}

	// 2. Refresh the profile snapshot with the new credential
	info, err := adapter.GetUserInfo(ctx, resp.AccessToken())
	if err != nil {
		return nil, fail(err)
	}

	// 3. Persist on a copy so a failed write leaves the caller's record intact
	updated := token.Clone()
	m.apply(adapter, updated, resp, info)
	err = m.repo.UpdateToken(ctx, updated, token.AccessToken)
	if errors.Is(err, ErrConflict) {
		// Someone else refreshed first; use their result if it is still good.
		current, ferr := m.repo.FindTokenBySlug(ctx, token.Slug)
		if ferr == nil && !current.IsExpired(m.now()) {
			return current, nil
		}
		logger.From(ctx).Warn("discarding provider-issued token after losing refresh race",
			logger.Provider(string(token.Provider)),
			logger.Slug(token.Slug),
			zap.Bool("refresh_token_rotated", resp.RefreshToken() != "" && resp.RefreshToken() != token.RefreshToken),
		)
		return nil, fail(err)
	}
	if err != nil {
		return nil, fail(err)
	}
	return updated, nil
}

// UpdateToken applies a token response and fresh profile to token and saves
// it. It is shared by the callback and refresh paths.
func (m *TokenManager) UpdateToken(ctx context.Context, adapter Adapter, token *OAuthToken, resp TokenResponse, info UserInfo) error {
	prev := token.AccessToken
	updated := token.Clone()
	m.apply(adapter, updated, resp, info)
	if err := m.repo.UpdateToken(ctx, updated, prev); err != nil {
		return err
	}
	*token = *updated
	return nil
}

func (m *TokenManager) apply(adapter Adapter, token *OAuthToken, resp TokenResponse, info UserInfo) {
	now := m.now()

	token.AccessToken = resp.AccessToken()
	// refresh tokens are not always rotated
	if rt := resp.RefreshToken(); rt != "" {
		token.RefreshToken = rt
	}
	if secs, ok := resp.ExpiresIn(); ok {
		exp := now.Add(time.Duration(secs) * time.Second)
		token.ExpiresAt = &exp
	}
	if secs, ok := resp.RefreshTokenExpiresIn(); ok {
		exp := now.Add(time.Duration(secs) * time.Second)
		token.RefreshTokenExpiresAt = &exp
	}
	if scope, ok := resp.Scope(); ok {
		token.Scope = scope
	} else {
		token.Scope = adapter.Scope()
	}
	token.TokenType = resp.TokenType()
	token.Profile = info
	token.Name = info.Name()
	token.UpdatedAt = now
}
