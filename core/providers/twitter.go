package providers

import (
	"context"
	"fmt"
	"net/url"

	"connectd/core"
)

const twitterUserFields = "id,name,username,profile_image_url,description"

var twitterEndpoints = endpoints{
	Auth:     "https://twitter.com/i/oauth2/authorize",
	Token:    "https://api.twitter.com/2/oauth2/token",
	UserInfo: "https://api.twitter.com/2/users/me",
}

// TwitterProvider uses PKCE. The verifier lives in the session between the
// redirect and the callback.
type TwitterProvider struct {
	base
}

func NewTwitterProvider(cfg core.ProviderConfig, opts ...Option) *TwitterProvider {
	return &TwitterProvider{base: newBase(core.ProviderTwitter, cfg, twitterEndpoints, applyOptions(opts))}
}

func (t *TwitterProvider) AuthorizationURL(state, redirectURI string, sess core.Session) (string, error) {
	pkce := core.NewPKCE()
	sess.Set(core.CodeVerifierKey, pkce.Verifier)

	params := t.authorizationParams(state, redirectURI)
	params.Set("code_challenge", pkce.Challenge)
	params.Set("code_challenge_method", core.PKCEMethodS256)
	return t.buildAuthURL(params), nil
}

func (t *TwitterProvider) ExchangeCode(ctx context.Context, code, redirectURI string, sess core.Session) (core.TokenResponse, error) {
	verifier, ok := sess.Get(core.CodeVerifierKey)
	if !ok || verifier == "" {
		return nil, fmt.Errorf("%w: missing code verifier in session", core.ErrProviderTokenExchange)
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", t.config.ClientID)
	data.Set("client_secret", t.config.ClientSecret)
	data.Set("code_verifier", verifier)

	resp, err := t.exchange(ctx, data, withBasicAuth(t.config.ClientID, t.config.ClientSecret))
	if err != nil {
		return nil, err
	}
	// single use
	sess.Delete(core.CodeVerifierKey)
	return resp, nil
}

func (t *TwitterProvider) GetUserInfo(ctx context.Context, accessToken string) (core.UserInfo, error) {
	raw, err := t.userInfo(ctx, t.endpoints.UserInfo+"?user.fields="+url.QueryEscape(twitterUserFields), withBearer(accessToken))
	if err != nil {
		return nil, err
	}

	data, ok := raw["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response has no data object", core.ErrProviderUserInfo)
	}
	return core.UserInfo(data), nil
}
