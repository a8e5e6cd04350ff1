package providers

import (
	"context"
	"fmt"
	"net/url"

	"connectd/core"
)

var facebookEndpoints = endpoints{
	Auth:     "https://www.facebook.com/v19.0/dialog/oauth",
	Token:    "https://graph.facebook.com/v19.0/oauth/access_token",
	UserInfo: "https://graph.facebook.com/v19.0/me",
}

type FacebookProvider struct {
	base
}

func NewFacebookProvider(cfg core.ProviderConfig, opts ...Option) *FacebookProvider {
	return &FacebookProvider{base: newBase(core.ProviderFacebook, cfg, facebookEndpoints, applyOptions(opts))}
}

// ExchangeCode uses the Graph API's GET form of the token endpoint.
func (f *FacebookProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	q := url.Values{}
	q.Set("client_id", f.config.ClientID)
	q.Set("client_secret", f.config.ClientSecret)
	q.Set("code", code)
	q.Set("redirect_uri", redirectURI)

	resp, err := f.get(ctx, f.endpoints.Token+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}
	defer resp.Body.Close()

	var tokenResp core.TokenResponse
	if err := f.decode(ctx, resp, core.ErrProviderTokenExchange, &tokenResp); err != nil {
		return nil, err
	}
	return tokenResp, nil
}

func (f *FacebookProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	q := url.Values{}
	q.Set("fields", "id,name,email,picture")
	q.Set("access_token", accessToken)

	raw, err := f.userInfo(ctx, f.endpoints.UserInfo+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	info := core.UserInfo(raw)
	if picture, ok := raw["picture"].(map[string]any); ok {
		if data, ok := picture["data"].(map[string]any); ok {
			info["profile_image_url"] = data["url"]
		}
	}
	return info, nil
}
