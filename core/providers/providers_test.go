package providers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/core"
	"connectd/core/providers"
)

const redirectURI = "https://app.test/oauth2_capture/x/callback/"

// capturedRequest is what the fake provider saw.
type capturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Header http.Header
}

type fakeProvider struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	f := &fakeProvider{t: t, routes: map[string]func(w http.ResponseWriter, r *http.Request){}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))

		f.mu.Lock()
		f.requests = append(f.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Form:   form,
			Header: r.Header.Clone(),
		})
		handler, ok := f.routes[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeProvider) route(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = handler
}

func (f *fakeProvider) handle(path string, status int, body any) {
	f.route(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
}

func (f *fakeProvider) last() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeProvider) config() core.ProviderConfig {
	return core.ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scope:        "read write",
		AuthURL:      f.server.URL + "/authorize",
		TokenURL:     f.server.URL + "/token",
		UserInfoURL:  f.server.URL + "/me",
	}
}

func basicAuth(t *testing.T, h http.Header) (string, string) {
	t.Helper()
	req := &http.Request{Header: h}
	user, pass, ok := req.BasicAuth()
	require.True(t, ok, "expected HTTP Basic credentials")
	return user, pass
}

func parseAuthURL(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestAuthorizationURL_Default(t *testing.T) {
	f := newFakeProvider(t)
	adapter := providers.NewGitHubProvider(f.config())

	raw, err := adapter.AuthorizationURL("state-123", redirectURI, core.NewValues(nil))
	require.NoError(t, err)

	q := parseAuthURL(t, raw)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Empty(t, q.Get("code_challenge"))
}

func TestAuthorizationURL_RedditPermanent(t *testing.T) {
	f := newFakeProvider(t)
	adapter := providers.NewRedditProvider(f.config())

	raw, err := adapter.AuthorizationURL("s", redirectURI, core.NewValues(nil))
	require.NoError(t, err)
	assert.Equal(t, "permanent", parseAuthURL(t, raw).Get("duration"))
}

func TestTwitter_PKCERoundTrip(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{
		"access_token":  "tw-access",
		"refresh_token": "tw-refresh",
		"expires_in":    7200,
		"token_type":    "bearer",
		"scope":         "tweet.read users.read offline.access",
	})
	adapter := providers.NewTwitterProvider(f.config())
	sess := core.NewValues(nil)

	raw, err := adapter.AuthorizationURL("s", redirectURI, sess)
	require.NoError(t, err)
	q := parseAuthURL(t, raw)

	verifier, ok := sess.Get(core.CodeVerifierKey)
	require.True(t, ok)
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, core.S256Challenge(verifier), q.Get("code_challenge"))

	resp, err := adapter.ExchangeCode(context.Background(), "the-code", redirectURI, sess)
	require.NoError(t, err)
	assert.Equal(t, "tw-access", resp.AccessToken())

	req := f.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "authorization_code", req.Form.Get("grant_type"))
	assert.Equal(t, "the-code", req.Form.Get("code"))
	assert.Equal(t, redirectURI, req.Form.Get("redirect_uri"))
	assert.Equal(t, verifier, req.Form.Get("code_verifier"))
	assert.Equal(t, "client-id", req.Form.Get("client_id"))
	user, pass := basicAuth(t, req.Header)
	assert.Equal(t, "client-id", user)
	assert.Equal(t, "client-secret", pass)

	_, ok = sess.Get(core.CodeVerifierKey)
	assert.False(t, ok, "verifier is single use")
}

func TestTwitter_ExchangeWithoutVerifier(t *testing.T) {
	f := newFakeProvider(t)
	adapter := providers.NewTwitterProvider(f.config())

	_, err := adapter.ExchangeCode(context.Background(), "code", redirectURI, core.NewValues(nil))
	assert.ErrorIs(t, err, core.ErrProviderTokenExchange)
}

func TestTwitter_UserInfoUnwrapsData(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/me", http.StatusOK, map[string]any{
		"data": map[string]any{"id": "2244994945", "name": "Twitter Dev", "username": "TwitterDev"},
	})
	adapter := providers.NewTwitterProvider(f.config())

	info, err := adapter.GetUserInfo(context.Background(), "tw-access")
	require.NoError(t, err)
	assert.Equal(t, "2244994945", info.ID())
	assert.Equal(t, "TwitterDev", info.String("username"))

	req := f.last()
	assert.Equal(t, "Bearer tw-access", req.Header.Get("Authorization"))
	assert.Contains(t, req.Query.Get("user.fields"), "profile_image_url")
}

func TestGitHub_ExchangeAndUserInfo(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{
		"access_token": "gho_abc",
		"token_type":   "bearer",
		"scope":        "read:user",
	})
	f.handle("/me", http.StatusOK, map[string]any{
		"id":    583231,
		"login": "octocat",
		"name":  nil,
	})
	adapter := providers.NewGitHubProvider(f.config())

	resp, err := adapter.ExchangeCode(context.Background(), "gh-code", redirectURI, core.NewValues(nil))
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", resp.AccessToken())
	_, hasExpiry := resp.ExpiresIn()
	assert.False(t, hasExpiry)

	req := f.last()
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.Equal(t, "client-secret", req.Form.Get("client_secret"))
	assert.Equal(t, "gh-code", req.Form.Get("code"))

	info, err := adapter.GetUserInfo(context.Background(), "gho_abc")
	require.NoError(t, err)
	assert.Equal(t, "583231", info.ID())
	assert.Equal(t, "octocat", info.Name())
	assert.Equal(t, "token gho_abc", f.last().Header.Get("Authorization"))
}

func TestLinkedIn_UserInfoUsesSubject(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/me", http.StatusOK, map[string]any{
		"sub":  "782bbtaQ",
		"name": "John Doe",
	})
	adapter := providers.NewLinkedInProvider(f.config())

	info, err := adapter.GetUserInfo(context.Background(), "li-access")
	require.NoError(t, err)
	assert.Equal(t, "782bbtaQ", info.ID())
	assert.Equal(t, "John Doe", info.Name())
}

func TestLinkedIn_ExchangeCredentialsInBody(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{"access_token": "li", "expires_in": 5184000})
	adapter := providers.NewLinkedInProvider(f.config())

	_, err := adapter.ExchangeCode(context.Background(), "c", redirectURI, core.NewValues(nil))
	require.NoError(t, err)

	req := f.last()
	assert.Equal(t, "client-id", req.Form.Get("client_id"))
	assert.Equal(t, "client-secret", req.Form.Get("client_secret"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestReddit_HeadersAndRefresh(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{"access_token": "rd-new", "expires_in": 86400})
	f.handle("/me", http.StatusOK, map[string]any{"id": "abc12", "name": "spez"})
	adapter := providers.NewRedditProvider(f.config())

	resp, err := adapter.RefreshAccessToken(context.Background(), "rd-refresh")
	require.NoError(t, err)
	assert.Equal(t, "rd-new", resp.AccessToken())

	req := f.last()
	assert.Equal(t, providers.DefaultRedditUserAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rd-refresh"}}, req.Form)
	user, _ := basicAuth(t, req.Header)
	assert.Equal(t, "client-id", user)

	_, err = adapter.GetUserInfo(context.Background(), "rd-new")
	require.NoError(t, err)
	assert.Equal(t, providers.DefaultRedditUserAgent, f.last().Header.Get("User-Agent"))
}

func TestPinterest_ExchangeAndUserInfoFallbacks(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{"access_token": "pin", "expires_in": 2592000})
	f.handle("/me", http.StatusOK, map[string]any{"username": "pinner", "account_type": "BUSINESS"})
	adapter := providers.NewPinterestProvider(f.config())

	_, err := adapter.ExchangeCode(context.Background(), "c", redirectURI, core.NewValues(nil))
	require.NoError(t, err)
	req := f.last()
	assert.Empty(t, req.Form.Get("client_secret"))
	basicAuth(t, req.Header)

	info, err := adapter.GetUserInfo(context.Background(), "pin")
	require.NoError(t, err)
	assert.Equal(t, "pinner", info.ID())
	assert.Equal(t, "pinner", info.Name())

	f.handle("/me", http.StatusOK, map[string]any{"account_type": "PINNER"})
	info, err = adapter.GetUserInfo(context.Background(), "pin")
	require.NoError(t, err)
	assert.Equal(t, "Pinterest User", info.Name())
}

func TestFacebook_ExchangeUsesQueryAndUserInfoPicture(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{"access_token": "fb", "token_type": "bearer", "expires_in": 5183944})
	f.handle("/me", http.StatusOK, map[string]any{
		"id":   "10158",
		"name": "Mark",
		"picture": map[string]any{
			"data": map[string]any{"url": "https://cdn.test/p.jpg"},
		},
	})
	adapter := providers.NewFacebookProvider(f.config())

	_, err := adapter.ExchangeCode(context.Background(), "fb-code", redirectURI, core.NewValues(nil))
	require.NoError(t, err)
	req := f.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "fb-code", req.Query.Get("code"))
	assert.Equal(t, "client-secret", req.Query.Get("client_secret"))

	info, err := adapter.GetUserInfo(context.Background(), "fb")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/p.jpg", info.String("profile_image_url"))
	assert.Equal(t, "fb", f.last().Query.Get("access_token"))
}

func TestExchange_ErrorSurfacesProviderBody(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	adapter := providers.NewLinkedInProvider(f.config())

	_, err := adapter.ExchangeCode(context.Background(), "c", redirectURI, core.NewValues(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderTokenExchange)

	var respErr *core.ProviderResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
	assert.Contains(t, respErr.Body, "invalid_grant")
}

func TestUserInfo_ErrorStatus(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/me", http.StatusUnauthorized, map[string]any{"message": "Bad credentials"})
	adapter := providers.NewGitHubProvider(f.config())

	_, err := adapter.GetUserInfo(context.Background(), "expired")
	assert.ErrorIs(t, err, core.ErrProviderUserInfo)
}

func TestRefresh_DefaultRequest(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusOK, map[string]any{"access_token": "new"})
	adapter := providers.NewLinkedInProvider(f.config())

	_, err := adapter.RefreshAccessToken(context.Background(), "rt")
	require.NoError(t, err)

	req := f.last()
	assert.Equal(t, "refresh_token", req.Form.Get("grant_type"))
	assert.Equal(t, "rt", req.Form.Get("refresh_token"))
	assert.Equal(t, "client-id", req.Form.Get("client_id"))
	assert.Equal(t, "client-secret", req.Form.Get("client_secret"))
	basicAuth(t, req.Header)
}

func TestRefresh_RejectedReturnsEmptyResponse(t *testing.T) {
	f := newFakeProvider(t)
	f.handle("/token", http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	adapter := providers.NewGitHubProvider(f.config())

	resp, err := adapter.RefreshAccessToken(context.Background(), "revoked")
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.Empty(t, resp.AccessToken())
}

func TestRefresh_RetriesRateLimit(t *testing.T) {
	f := newFakeProvider(t)
	calls := 0
	f.route("/token", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "after-429"})
	})

	var slept []time.Duration
	backoff := core.NewBackoff(core.BackoffConfig{})
	backoff.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	adapter := providers.NewGitHubProvider(f.config(), providers.WithBackoff(backoff))

	resp, err := adapter.RefreshAccessToken(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "after-429", resp.AccessToken())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestRegistry(t *testing.T) {
	cfg := &core.Config{
		Providers: map[core.Provider]core.ProviderConfig{
			core.ProviderGitHub:  {ClientID: "a", ClientSecret: "b"},
			core.ProviderTwitter: {ClientID: "a", ClientSecret: "b"},
		},
	}
	registry, err := providers.NewRegistry(cfg)
	require.NoError(t, err)

	adapter, err := registry.Resolve("github")
	require.NoError(t, err)
	assert.Equal(t, core.ProviderGitHub, adapter.Provider())
	assert.IsType(t, &providers.GitHubProvider{}, adapter)

	_, err = registry.Resolve("pinterest")
	assert.ErrorIs(t, err, core.ErrProviderNotConfigured)

	_, err = registry.Resolve("myspace")
	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)

	assert.Equal(t, []core.Provider{core.ProviderGitHub, core.ProviderTwitter}, registry.Configured())

	cfg.Providers["myspace"] = core.ProviderConfig{}
	_, err = providers.NewRegistry(cfg)
	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)
}

func TestRegistry_BuildsEveryProvider(t *testing.T) {
	cfg := &core.Config{Providers: map[core.Provider]core.ProviderConfig{}}
	for _, p := range core.SupportedProviders {
		cfg.Providers[p] = core.ProviderConfig{ClientID: "id", ClientSecret: "secret"}
	}
	registry, err := providers.NewRegistry(cfg)
	require.NoError(t, err)

	for _, p := range core.SupportedProviders {
		adapter, err := registry.Resolve(string(p))
		require.NoError(t, err, p)
		assert.Equal(t, p, adapter.Provider())
	}
}
