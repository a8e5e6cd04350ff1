package providers

import (
	"context"
	"net/url"

	"connectd/core"
)

const pinterestDefaultName = "Pinterest User"

var pinterestEndpoints = endpoints{
	Auth:     "https://www.pinterest.com/oauth/",
	Token:    "https://api.pinterest.com/v5/oauth/token",
	UserInfo: "https://api.pinterest.com/v5/user_account",
}

type PinterestProvider struct {
	base
}

func NewPinterestProvider(cfg core.ProviderConfig, opts ...Option) *PinterestProvider {
	return &PinterestProvider{base: newBase(core.ProviderPinterest, cfg, pinterestEndpoints, applyOptions(opts))}
}

func (p *PinterestProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)

	return p.exchange(ctx, data, withBasicAuth(p.config.ClientID, p.config.ClientSecret))
}

// GetUserInfo keys the account on its username; the user_account endpoint
// has neither id nor name.
func (p *PinterestProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	raw, err := p.userInfo(ctx, p.endpoints.UserInfo, withBearer(accessToken))
	if err != nil {
		return nil, err
	}

	info := core.UserInfo(raw)
	username := info.String("username")
	if info.ID() == "" {
		info["id"] = username
	}
	if info.Name() == "" {
		if username != "" {
			info["name"] = username
		} else {
			info["name"] = pinterestDefaultName
		}
	}
	return info, nil
}
