package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connectd/core"
	"connectd/logger"
)

const defaultTimeout = 10 * time.Second

// endpoints are the provider URLs an adapter talks to. Any of them can be
// replaced from the provider config.
type endpoints struct {
	Auth     string
	Token    string
	UserInfo string
}

// requestOption decorates an outgoing provider request.
type requestOption func(req *http.Request)

func withHeader(key, value string) requestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func withBasicAuth(clientID, clientSecret string) requestOption {
	return func(req *http.Request) {
		req.SetBasicAuth(clientID, clientSecret)
	}
}

func withBearer(accessToken string) requestOption {
	return withHeader("Authorization", "Bearer "+accessToken)
}

// base implements the parts of the authorization-code flow that most
// providers share. Adapters embed it and override what differs.
type base struct {
	provider   core.Provider
	config     core.ProviderConfig
	endpoints  endpoints
	httpClient *http.Client
	backoff    *core.Backoff
}

func newBase(provider core.Provider, cfg core.ProviderConfig, defaults endpoints, o *options) base {
	ep := defaults
	if cfg.AuthURL != "" {
		ep.Auth = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		ep.Token = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		ep.UserInfo = cfg.UserInfoURL
	}

	b := base{
		provider:   provider,
		config:     cfg,
		endpoints:  ep,
		httpClient: o.httpClient,
		backoff:    o.backoff,
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if b.backoff == nil {
		b.backoff = core.NewBackoff(core.BackoffConfig{})
	}
	return b
}

func (b *base) Provider() core.Provider {
	return b.provider
}

func (b *base) Scope() string {
	return b.config.Scope
}

func (b *base) AuthorizationURL(state, redirectURI string, sess core.Session) (string, error) {
	return b.buildAuthURL(b.authorizationParams(state, redirectURI)), nil
}

func (b *base) authorizationParams(state, redirectURI string) url.Values {
	params := url.Values{}
	params.Set("client_id", b.config.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("scope", b.config.Scope)
	return params
}

func (b *base) buildAuthURL(params url.Values) string {
	sep := "?"
	if strings.Contains(b.endpoints.Auth, "?") {
		sep = "&"
	}
	return b.endpoints.Auth + sep + params.Encode()
}

// RefreshAccessToken is the default refresh: credentials in the body and in a
// Basic header, retried on 429. A rejected refresh yields an empty response.
func (b *base) RefreshAccessToken(ctx context.Context, refreshToken string) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", b.config.ClientID)
	data.Set("client_secret", b.config.ClientSecret)

	return b.refresh(ctx, data, withBasicAuth(b.config.ClientID, b.config.ClientSecret))
}

func (b *base) refresh(ctx context.Context, data url.Values, opts ...requestOption) (core.TokenResponse, error) {
	resp, err := b.backoff.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		return b.postForm(ctx, b.endpoints.Token, data, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.From(ctx).Warn("token refresh rejected by provider",
			logger.Provider(string(b.provider)),
			logger.Status(resp.StatusCode),
			logger.Body(string(body)),
		)
		return core.TokenResponse{}, nil
	}

	var tokenResp core.TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}
	return tokenResp, nil
}

// exchange posts the code exchange form and decodes the token response.
func (b *base) exchange(ctx context.Context, data url.Values, opts ...requestOption) (core.TokenResponse, error) {
	resp, err := b.postForm(ctx, b.endpoints.Token, data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}
	defer resp.Body.Close()

	var tokenResp core.TokenResponse
	if err := b.decode(ctx, resp, core.ErrProviderTokenExchange, &tokenResp); err != nil {
		return nil, err
	}
	return tokenResp, nil
}

// userInfo fetches rawURL and decodes the JSON profile object.
func (b *base) userInfo(ctx context.Context, rawURL string, opts ...requestOption) (map[string]any, error) {
	resp, err := b.get(ctx, rawURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderUserInfo, err)
	}
	defer resp.Body.Close()

	var info map[string]any
	if err := b.decode(ctx, resp, core.ErrProviderUserInfo, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (b *base) postForm(ctx context.Context, rawURL string, data url.Values, opts ...requestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		rawURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return b.do(req, opts...)
}

func (b *base) get(ctx context.Context, rawURL string, opts ...requestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	return b.do(req, opts...)
}

func (b *base) do(req *http.Request, opts ...requestOption) (*http.Response, error) {
	if b.config.UserAgent != "" {
		req.Header.Set("User-Agent", b.config.UserAgent)
	}
	for _, opt := range opts {
		opt(req)
	}
	return b.httpClient.Do(req)
}

func (b *base) decode(ctx context.Context, resp *http.Response, op error, dest any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", op, err)
	}

	logger.From(ctx).Debug("provider response",
		logger.Provider(string(b.provider)),
		logger.Status(resp.StatusCode),
		logger.Body(string(body)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &core.ProviderResponseError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: %v", op, err)
	}
	return nil
}
