package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"connectd/core"
)

type mockUser struct {
	ID       string
	Name     string
	Username string
}

// mockUsers is keyed by the provider the account lives on.
var mockUsers = map[string]mockUser{
	"github":  {ID: "583231", Name: "The Octocat", Username: "octocat"},
	"twitter": {ID: "2244994945", Name: "Twitter Dev", Username: "TwitterDev"},
}

type grant struct {
	provider    string
	redirectURI string
	challenge   string
}

// MockOAuthServer plays GitHub and Twitter for the authorization-code flow
// and for posting tweets. Paths are prefixed with the provider name.
type MockOAuthServer struct {
	server *httptest.Server

	mu            sync.Mutex
	seq           int
	codes         map[string]grant
	accessTokens  map[string]string
	refreshTokens map[string]string
	tweets        []string
	denyConsent   bool
	rejectRefresh bool
}

func NewMockOAuthServer() *MockOAuthServer {
	m := &MockOAuthServer{
		codes:         make(map[string]grant),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/{provider}/authorize", m.handleAuthorize)
	r.Post("/{provider}/token", m.handleToken)
	r.Get("/github/user", m.handleGitHubUser)
	r.Get("/twitter/2/users/me", m.handleTwitterUser)
	r.Post("/twitter/2/tweets", m.handleTweet)

	m.server = httptest.NewServer(r)
	return m
}

func (m *MockOAuthServer) URL() string {
	return m.server.URL
}

func (m *MockOAuthServer) Close() {
	m.server.Close()
}

// ProviderConfig points an adapter at this server.
func (m *MockOAuthServer) ProviderConfig(provider, scope string) core.ProviderConfig {
	cfg := core.ProviderConfig{
		ClientID:     provider + "-client",
		ClientSecret: provider + "-secret",
		Scope:        scope,
		AuthURL:      m.URL() + "/" + provider + "/authorize",
		TokenURL:     m.URL() + "/" + provider + "/token",
	}
	switch provider {
	case "github":
		cfg.UserInfoURL = m.URL() + "/github/user"
	case "twitter":
		cfg.UserInfoURL = m.URL() + "/twitter/2/users/me"
		cfg.APIURL = m.URL() + "/twitter"
	}
	return cfg
}

// DenyNextConsent makes the next authorize request redirect back with
// access_denied.
func (m *MockOAuthServer) DenyNextConsent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denyConsent = true
}

// RejectRefresh makes refresh grants fail with invalid_grant.
func (m *MockOAuthServer) RejectRefresh(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectRefresh = reject
}

// Tweets returns the texts posted so far.
func (m *MockOAuthServer) Tweets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tweets...)
}

func (m *MockOAuthServer) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

// handleAuthorize stands in for the consent screen: it approves at once and
// sends the browser back to redirect_uri.
func (m *MockOAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	back := url.Values{"state": {q.Get("state")}}

	m.mu.Lock()
	if m.denyConsent {
		m.denyConsent = false
		back.Set("error", "access_denied")
		back.Set("error_description", "The user denied the request")
	} else {
		code := m.next("code")
		m.codes[code] = grant{
			provider:    chi.URLParam(r, "provider"),
			redirectURI: redirectURI,
			challenge:   q.Get("code_challenge"),
		}
		back.Set("code", code)
	}
	m.mu.Unlock()

	http.Redirect(w, r, redirectURI+"?"+back.Encode(), http.StatusFound)
}

func (m *MockOAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	provider := chi.URLParam(r, "provider")

	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	// GitHub's exchange carries no grant_type
	case "authorization_code", "":
		code := r.PostForm.Get("code")
		g, ok := m.codes[code]
		delete(m.codes, code)
		if !ok || g.provider != provider || g.redirectURI != r.PostForm.Get("redirect_uri") {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if g.challenge != "" && core.S256Challenge(r.PostForm.Get("code_verifier")) != g.challenge {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		m.issue(w, provider)

	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		owner, ok := m.refreshTokens[rt]
		if m.rejectRefresh || !ok || owner != provider {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(m.refreshTokens, rt)
		m.issue(w, provider)

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// issue must be called with mu held.
func (m *MockOAuthServer) issue(w http.ResponseWriter, provider string) {
	access := m.next(provider + "_access")
	refresh := m.next(provider + "_refresh")
	m.accessTokens[access] = provider
	m.refreshTokens[refresh] = provider

	resp := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
	}
	if provider == "twitter" {
		resp["scope"] = "tweet.read tweet.write users.read offline.access"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockOAuthServer) authorized(r *http.Request, scheme, provider string) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), scheme+" ")
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessTokens[token] == provider
}

func (m *MockOAuthServer) handleGitHubUser(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r, "token", "github") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	user := mockUsers["github"]
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    583231,
		"login": user.Username,
		"name":  user.Name,
	})
}

func (m *MockOAuthServer) handleTwitterUser(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r, "Bearer", "twitter") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"title": "Unauthorized"})
		return
	}
	user := mockUsers["twitter"]
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]string{"id": user.ID, "name": user.Name, "username": user.Username},
	})
}

func (m *MockOAuthServer) handleTweet(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r, "Bearer", "twitter") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"title": "Unauthorized"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"title": "Invalid Request"})
		return
	}

	m.mu.Lock()
	m.tweets = append(m.tweets, body.Text)
	id := fmt.Sprintf("%d", 1000+len(m.tweets))
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]string{"id": id, "text": body.Text}})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
