package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/core"
	"connectd/core/providers"
	"connectd/publish"
	"connectd/storage"
)

type apiRequest struct {
	Path   string
	Header http.Header
	Body   string
}

type fixture struct {
	service  *publish.Service
	repo     *storage.MemoryRepository
	mock     *providers.MockProvider
	requests chan apiRequest
}

func newFixture(t *testing.T, provider core.Provider, handler http.HandlerFunc) *fixture {
	t.Helper()

	requests := make(chan apiRequest, 10)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- apiRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)}
		handler(w, r)
	}))
	t.Cleanup(api.Close)

	config := &core.Config{
		Providers: map[core.Provider]core.ProviderConfig{
			provider: {ClientID: "id", ClientSecret: "secret", APIURL: api.URL},
		},
	}

	mock := providers.NewMockProvider().As(provider)
	registry, err := providers.NewRegistry(&core.Config{})
	require.NoError(t, err)
	registry.Register(mock)

	repo := storage.NewMemoryRepository()
	tokens := core.NewTokenManager(registry, repo)

	backoff := core.NewBackoff(core.BackoffConfig{MaxRetries: 2})
	backoff.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &fixture{
		service:  publish.NewService(tokens, config, publish.WithBackoff(backoff), publish.WithSubreddit("connectd_test")),
		repo:     repo,
		mock:     mock,
		requests: requests,
	}
}

func (f *fixture) seed(provider core.Provider, accessToken, refreshToken string, expiresAt *time.Time) *core.OAuthToken {
	return f.repo.Seed(&core.OAuthToken{
		Provider:       provider,
		OwnerID:        storage.Owner1,
		ExternalUserID: "mock_user_1",
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		ExpiresAt:      expiresAt,
		Profile:        core.UserInfo{"id": "mock_user_1", "name": "Mock User One"},
		Name:           "Mock User One",
	}).Clone()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func TestPost_Twitter(t *testing.T) {
	f := newFixture(t, core.ProviderTwitter, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "1445880548472328192", "text": "hello"}})
	})
	token := f.seed(core.ProviderTwitter, "tw-access", "", nil)

	postURL, err := f.service.Post(context.Background(), token, "hello")
	require.NoError(t, err)
	assert.Equal(t, "https://twitter.com/user/status/1445880548472328192", postURL)

	req := <-f.requests
	assert.Equal(t, "/2/tweets", req.Path)
	assert.Equal(t, "Bearer tw-access", req.Header.Get("Authorization"))
	assert.JSONEq(t, `{"text":"hello"}`, req.Body)
}

func TestPost_LinkedIn(t *testing.T) {
	f := newFixture(t, core.ProviderLinkedIn, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": "urn:li:share:6844785523593134080"})
	})
	token := f.seed(core.ProviderLinkedIn, "li-access", "", nil)

	postURL, err := f.service.Post(context.Background(), token, "hello linkedin")
	require.NoError(t, err)
	assert.Equal(t, "https://www.linkedin.com/feed/update/urn:li:share:6844785523593134080/", postURL)

	req := <-f.requests
	assert.Equal(t, "/v2/ugcPosts", req.Path)
	assert.Equal(t, "2.0.0", req.Header.Get("X-Restli-Protocol-Version"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &payload))
	assert.Equal(t, "urn:li:person:mock_user_1", payload["author"])
}

func TestPost_Reddit(t *testing.T) {
	f := newFixture(t, core.ProviderReddit, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"json": map[string]any{
				"errors": []any{},
				"data":   map[string]any{"url": "https://www.reddit.com/r/connectd_test/comments/abc/"},
			},
		})
	})
	token := f.seed(core.ProviderReddit, "rd-access", "", nil)

	postURL, err := f.service.Post(context.Background(), token, "Title line\nand the body")
	require.NoError(t, err)
	assert.Equal(t, "https://www.reddit.com/r/connectd_test/comments/abc/", postURL)

	req := <-f.requests
	form, err := url.ParseQuery(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "connectd_test", form.Get("sr"))
	assert.Equal(t, "self", form.Get("kind"))
	assert.Equal(t, "Title line", form.Get("title"))
	assert.Equal(t, "Title line\nand the body", form.Get("text"))
}

func TestPost_RedditErrors(t *testing.T) {
	f := newFixture(t, core.ProviderReddit, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"json": map[string]any{"errors": []any{[]any{"SUBREDDIT_NOEXIST", "that subreddit doesn't exist", "sr"}}},
		})
	})
	token := f.seed(core.ProviderReddit, "rd-access", "", nil)

	_, err := f.service.Post(context.Background(), token, "hello")
	assert.ErrorIs(t, err, publish.ErrPublishFailed)
}

func TestPost_RefreshesExpiredToken(t *testing.T) {
	f := newFixture(t, core.ProviderTwitter, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "42"}})
	})
	token := f.seed(core.ProviderTwitter, "mock_access_token_1", "mock_refresh_token_1", timePtr(time.Now().Add(-time.Minute)))

	_, err := f.service.Post(context.Background(), token, "hello")
	require.NoError(t, err)

	req := <-f.requests
	assert.Equal(t, "Bearer mock_access_token_1_refreshed", req.Header.Get("Authorization"))

	stored, err := f.repo.FindTokenBySlug(context.Background(), token.Slug)
	require.NoError(t, err)
	assert.Equal(t, "mock_access_token_1_refreshed", stored.AccessToken)
}

func TestPost_RefreshFailureIsReturnedAsIs(t *testing.T) {
	f := newFixture(t, core.ProviderTwitter, func(w http.ResponseWriter, r *http.Request) {
		t.Error("api must not be called with a dead token")
	})
	token := f.seed(core.ProviderTwitter, "stale", "revoked_refresh_token", timePtr(time.Now().Add(-time.Minute)))

	_, err := f.service.Post(context.Background(), token, "hello")

	var refreshErr *core.TokenRefreshError
	require.True(t, errors.As(err, &refreshErr))
	assert.Equal(t, core.ProviderTwitter, refreshErr.Provider)
}

func TestPost_UnsupportedProvider(t *testing.T) {
	f := newFixture(t, core.ProviderGitHub, func(w http.ResponseWriter, r *http.Request) {})
	token := f.seed(core.ProviderGitHub, "gh", "", nil)

	_, err := f.service.Post(context.Background(), token, "hello")
	assert.ErrorIs(t, err, core.ErrUnsupportedProvider)
}

func TestPost_APIErrorKeepsBody(t *testing.T) {
	f := newFixture(t, core.ProviderTwitter, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"detail": "You are not permitted to perform this action."})
	})
	token := f.seed(core.ProviderTwitter, "tw-access", "", nil)

	_, err := f.service.Post(context.Background(), token, "hello")

	var respErr *core.ProviderResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
	assert.True(t, strings.Contains(respErr.Body, "not permitted"))
	assert.ErrorIs(t, err, publish.ErrPublishFailed)
}

func TestPost_RateLimitedThenAccepted(t *testing.T) {
	attempts := 0
	f := newFixture(t, core.ProviderTwitter, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "7"}})
	})
	token := f.seed(core.ProviderTwitter, "tw-access", "", nil)

	postURL, err := f.service.Post(context.Background(), token, "hello")
	require.NoError(t, err)
	assert.Equal(t, "https://twitter.com/user/status/7", postURL)
	assert.Equal(t, 2, attempts)
}

func timePtr(t time.Time) *time.Time { return &t }
