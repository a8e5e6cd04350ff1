package providers

import (
	"context"
	"net/url"

	"connectd/core"
)

var linkedInEndpoints = endpoints{
	Auth:     "https://www.linkedin.com/oauth/v2/authorization",
	Token:    "https://www.linkedin.com/oauth/v2/accessToken",
	UserInfo: "https://api.linkedin.com/v2/userinfo",
}

type LinkedInProvider struct {
	base
}

func NewLinkedInProvider(cfg core.ProviderConfig, opts ...Option) *LinkedInProvider {
	return &LinkedInProvider{base: newBase(core.ProviderLinkedIn, cfg, linkedInEndpoints, applyOptions(opts))}
}

func (l *LinkedInProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", l.config.ClientID)
	data.Set("client_secret", l.config.ClientSecret)

	return l.exchange(ctx, data)
}

// GetUserInfo reads the OpenID Connect userinfo document, whose subject
// becomes the account id.
func (l *LinkedInProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	raw, err := l.userInfo(ctx, l.endpoints.UserInfo, withBearer(accessToken))
	if err != nil {
		return nil, err
	}

	info := core.UserInfo(raw)
	if sub, ok := raw["sub"]; ok {
		info["id"] = sub
	}
	return info, nil
}
