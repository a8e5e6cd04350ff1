package core

import (
	"time"

	"github.com/google/uuid"
)

// Provider represents an external OAuth2 identity provider
type Provider string

const (
	ProviderTwitter   Provider = "twitter"
	ProviderLinkedIn  Provider = "linkedin"
	ProviderGitHub    Provider = "github"
	ProviderReddit    Provider = "reddit"
	ProviderPinterest Provider = "pinterest"
	ProviderFacebook  Provider = "facebook"
)

// SupportedProviders lists every provider with a built-in adapter.
var SupportedProviders = []Provider{
	ProviderTwitter,
	ProviderLinkedIn,
	ProviderGitHub,
	ProviderReddit,
	ProviderPinterest,
	ProviderFacebook,
}

func (p Provider) Supported() bool {
	for _, s := range SupportedProviders {
		if s == p {
			return true
		}
	}
	return false
}

// Title returns the provider name with an upper-cased first letter.
func (p Provider) Title() string {
	if p == "" {
		return ""
	}
	b := []byte(p)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// OAuthToken is the persisted credential for one connected third-party account.
type OAuthToken struct {
	ID                    int64
	Slug                  string
	Provider              Provider
	OwnerID               uuid.UUID
	ExternalUserID        string
	AccessToken           string
	TokenType             string
	Scope                 string
	RefreshToken          string
	RefreshTokenExpiresAt *time.Time // nil when the provider did not say
	ExpiresAt             *time.Time // nil means the token never expires
	Profile               UserInfo
	Name                  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsExpired reports whether the access token must be refreshed before use.
func (t *OAuthToken) IsExpired(now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !now.Before(*t.ExpiresAt)
}

// Username picks the provider handle out of the stored profile.
func (t *OAuthToken) Username() string {
	if v := t.Profile.String("username"); v != "" {
		return v
	}
	if v := t.Profile.String("login"); v != "" {
		return v
	}
	return t.Name
}

// Clone returns a deep enough copy to mutate without touching the original.
func (t *OAuthToken) Clone() *OAuthToken {
	c := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		c.ExpiresAt = &exp
	}
	if t.RefreshTokenExpiresAt != nil {
		exp := *t.RefreshTokenExpiresAt
		c.RefreshTokenExpiresAt = &exp
	}
	if t.Profile != nil {
		c.Profile = make(UserInfo, len(t.Profile))
		for k, v := range t.Profile {
			c.Profile[k] = v
		}
	}
	return &c
}
