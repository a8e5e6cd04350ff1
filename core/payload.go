package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TokenResponse is the raw JSON object returned by a provider token endpoint.
// An empty TokenResponse signals a refresh the provider refused.
type TokenResponse map[string]any

func (r TokenResponse) AccessToken() string  { return stringValue(r["access_token"]) }
func (r TokenResponse) RefreshToken() string { return stringValue(r["refresh_token"]) }
func (r TokenResponse) TokenType() string    { return stringValue(r["token_type"]) }

func (r TokenResponse) Scope() (string, bool) {
	v, ok := r["scope"]
	if !ok || v == nil {
		return "", false
	}
	// LinkedIn and a few others answer with a list of scopes.
	if list, ok := v.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, stringValue(item))
		}
		return strings.Join(parts, " "), true
	}
	return stringValue(v), true
}

func (r TokenResponse) ExpiresIn() (int64, bool) {
	return int64Field(r, "expires_in")
}

func (r TokenResponse) RefreshTokenExpiresIn() (int64, bool) {
	return int64Field(r, "refresh_token_expires_in")
}

// UserInfo is a provider profile normalized to carry at least "id" and "name".
type UserInfo map[string]any

func (u UserInfo) ID() string   { return stringValue(u["id"]) }
func (u UserInfo) Name() string { return stringValue(u["name"]) }

func (u UserInfo) String(key string) string { return stringValue(u[key]) }

func int64Field(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	n, ok := int64Value(v)
	return n, ok
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func int64Value(input any) (int64, bool) {
	switch v := input.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}
