package providers

import (
	"context"
	"net/url"
	"sync"

	"connectd/core"
)

const (
	ProviderMock core.Provider = "mock"
)

// Predefined test authorization codes
const (
	ValidCode1 = "mock_auth_code_1"
	ValidCode2 = "mock_auth_code_2"
	ValidCode3 = "mock_auth_code_3"
)

// Predefined test token responses
var (
	Tokens1 = core.TokenResponse{
		"access_token":  "mock_access_token_1",
		"refresh_token": "mock_refresh_token_1",
		"token_type":    "bearer",
		"expires_in":    float64(3600),
	}

	Tokens2 = core.TokenResponse{
		"access_token":  "mock_access_token_2",
		"refresh_token": "mock_refresh_token_2",
		"token_type":    "bearer",
		"expires_in":    float64(3600),
	}

	// Tokens3 never expires.
	Tokens3 = core.TokenResponse{
		"access_token": "mock_access_token_3",
		"token_type":   "bearer",
		"scope":        "read",
	}

	Tokens1Refreshed = core.TokenResponse{
		"access_token": "mock_access_token_1_refreshed",
		"token_type":   "bearer",
		"expires_in":   float64(3600),
	}

	Tokens2Refreshed = core.TokenResponse{
		"access_token":  "mock_access_token_2_refreshed",
		"refresh_token": "mock_refresh_token_2_rotated",
		"token_type":    "bearer",
		"expires_in":    float64(7200),
	}
)

// Predefined test user info
var (
	User1 = core.UserInfo{
		"id":       "mock_user_1",
		"name":     "Mock User One",
		"username": "mockone",
	}

	User2 = core.UserInfo{
		"id":    "mock_user_2",
		"name":  "Mock User Two",
		"login": "mocktwo",
	}

	User3 = core.UserInfo{
		"id":   "mock_user_3",
		"name": "Mock User Three",
	}
)

// MockProvider is an in-memory core.Adapter for tests. Unknown codes and
// tokens behave like a provider rejecting them.
type MockProvider struct {
	mu sync.Mutex

	provider         core.Provider
	scope            string
	codeToTokens     map[string]core.TokenResponse
	accessToUserInfo map[string]core.UserInfo
	refreshToTokens  map[string]core.TokenResponse

	// track method calls for verification
	ExchangeCodeCalls       int
	GetUserInfoCalls        int
	RefreshAccessTokenCalls int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		provider: ProviderMock,
		scope:    "read write",
		codeToTokens: map[string]core.TokenResponse{
			ValidCode1: Tokens1,
			ValidCode2: Tokens2,
			ValidCode3: Tokens3,
		},

		accessToUserInfo: map[string]core.UserInfo{
			Tokens1.AccessToken():          User1,
			Tokens1Refreshed.AccessToken(): User1,
			Tokens2.AccessToken():          User2,
			Tokens2Refreshed.AccessToken(): User2,
			Tokens3.AccessToken():          User3,
		},

		refreshToTokens: map[string]core.TokenResponse{
			Tokens1.RefreshToken(): Tokens1Refreshed,
			Tokens2.RefreshToken(): Tokens2Refreshed,
		},
	}
}

// As makes the mock answer for another provider name.
func (m *MockProvider) As(p core.Provider) *MockProvider {
	m.provider = p
	return m
}

func (m *MockProvider) Provider() core.Provider {
	return m.provider
}

func (m *MockProvider) Scope() string {
	return m.scope
}

func (m *MockProvider) AuthorizationURL(state, redirectURI string, sess core.Session) (string, error) {
	params := url.Values{}
	params.Set("client_id", "mock_client")
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("scope", m.scope)
	return "https://mock.test/authorize?" + params.Encode(), nil
}

func (m *MockProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExchangeCodeCalls++

	tokens, ok := m.codeToTokens[code]
	if !ok {
		return nil, &core.ProviderResponseError{Op: core.ErrProviderTokenExchange, StatusCode: 400, Body: `{"error":"invalid_grant"}`}
	}

	return tokens, nil
}

func (m *MockProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetUserInfoCalls++

	userInfo, ok := m.accessToUserInfo[accessToken]
	if !ok {
		return nil, &core.ProviderResponseError{Op: core.ErrProviderUserInfo, StatusCode: 401, Body: `{"error":"invalid_token"}`}
	}

	// callers may modify the profile
	out := make(core.UserInfo, len(userInfo))
	for k, v := range userInfo {
		out[k] = v
	}
	return out, nil
}

func (m *MockProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (core.TokenResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshAccessTokenCalls++

	tokens, ok := m.refreshToTokens[refreshToken]
	if !ok {
		return core.TokenResponse{}, nil
	}

	return tokens, nil
}

// OnRefresh makes RefreshAccessToken answer refreshToken with resp.
func (m *MockProvider) OnRefresh(refreshToken string, resp core.TokenResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshToTokens[refreshToken] = resp
}

// Calls returns the exchange, user info and refresh call counts.
func (m *MockProvider) Calls() (exchange, userInfo, refresh int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExchangeCodeCalls, m.GetUserInfoCalls, m.RefreshAccessTokenCalls
}
