package providers

import (
	"context"
	"net/url"

	"connectd/core"
)

// DefaultRedditUserAgent is sent when the config sets none; Reddit throttles
// generic agents.
const DefaultRedditUserAgent = "connectd/1.0 (oauth2 account connector)"

var redditEndpoints = endpoints{
	Auth:     "https://www.reddit.com/api/v1/authorize",
	Token:    "https://www.reddit.com/api/v1/access_token",
	UserInfo: "https://oauth.reddit.com/api/v1/me",
}

type RedditProvider struct {
	base
}

func NewRedditProvider(cfg core.ProviderConfig, opts ...Option) *RedditProvider {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultRedditUserAgent
	}
	return &RedditProvider{base: newBase(core.ProviderReddit, cfg, redditEndpoints, applyOptions(opts))}
}

// AuthorizationURL asks for a permanent grant so a refresh token is issued.
func (r *RedditProvider) AuthorizationURL(state, redirectURI string, sess core.Session) (string, error) {
	params := r.authorizationParams(state, redirectURI)
	params.Set("duration", "permanent")
	return r.buildAuthURL(params), nil
}

func (r *RedditProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", r.config.ClientID)
	data.Set("client_secret", r.config.ClientSecret)

	return r.exchange(ctx, data, withBasicAuth(r.config.ClientID, r.config.ClientSecret))
}

// RefreshAccessToken authenticates with HTTP Basic only.
func (r *RedditProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	return r.refresh(ctx, data, withBasicAuth(r.config.ClientID, r.config.ClientSecret))
}

func (r *RedditProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	raw, err := r.userInfo(ctx, r.endpoints.UserInfo, withBearer(accessToken))
	if err != nil {
		return nil, err
	}
	return core.UserInfo(raw), nil
}
