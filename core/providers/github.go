package providers

import (
	"context"
	"net/url"

	"connectd/core"
)

var gitHubEndpoints = endpoints{
	Auth:     "https://github.com/login/oauth/authorize",
	Token:    "https://github.com/login/oauth/access_token",
	UserInfo: "https://api.github.com/user",
}

type GitHubProvider struct {
	base
}

func NewGitHubProvider(cfg core.ProviderConfig, opts ...Option) *GitHubProvider {
	return &GitHubProvider{base: newBase(core.ProviderGitHub, cfg, gitHubEndpoints, applyOptions(opts))}
}

func (g *GitHubProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("client_id", g.config.ClientID)
	data.Set("client_secret", g.config.ClientSecret)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)

	return g.exchange(ctx, data)
}

func (g *GitHubProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	raw, err := g.userInfo(ctx, g.endpoints.UserInfo,
		withHeader("Authorization", "token "+accessToken),
		withHeader("Accept", "application/vnd.github+json"),
	)
	if err != nil {
		return nil, err
	}

	info := core.UserInfo(raw)
	// users without a display name only have a login
	if info.Name() == "" {
		info["name"] = raw["login"]
	}
	return info, nil
}
