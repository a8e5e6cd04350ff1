// Package publish posts content through connected accounts. It exists to
// show a stored connection being used end to end.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connectd/core"
	"connectd/logger"
)

var ErrPublishFailed = errors.New("publish failed")

const (
	defaultTimeout   = 30 * time.Second
	defaultSubreddit = "testingground4bots"
	userAgent        = "connectd-publish/1.0"

	maxRedditTitle = 300
)

var defaultAPIURLs = map[core.Provider]string{
	core.ProviderTwitter:  "https://api.twitter.com",
	core.ProviderLinkedIn: "https://api.linkedin.com",
	core.ProviderReddit:   "https://oauth.reddit.com",
}

type Service struct {
	tokens     *core.TokenManager
	config     *core.Config
	httpClient *http.Client
	backoff    *core.Backoff
	subreddit  string
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

func WithBackoff(b *core.Backoff) Option {
	return func(s *Service) { s.backoff = b }
}

// WithSubreddit sets where Reddit posts go.
func WithSubreddit(name string) Option {
	return func(s *Service) { s.subreddit = name }
}

func NewService(tokens *core.TokenManager, config *core.Config, opts ...Option) *Service {
	s := &Service{
		tokens:     tokens,
		config:     config,
		httpClient: &http.Client{Timeout: defaultTimeout},
		subreddit:  defaultSubreddit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff == nil {
		s.backoff = core.NewBackoff(config.Backoff)
	}
	return s
}

// Post publishes content as the account behind token and returns the URL of
// the new post. An expired token is refreshed first; if that fails the
// *core.TokenRefreshError is returned untouched.
func (s *Service) Post(ctx context.Context, token *core.OAuthToken, content string) (string, error) {
	var post func(ctx context.Context, token *core.OAuthToken, accessToken, content string) (string, error)
	switch token.Provider {
	case core.ProviderTwitter:
		post = s.postTwitter
	case core.ProviderLinkedIn:
		post = s.postLinkedIn
	case core.ProviderReddit:
		post = s.postReddit
	default:
		return "", fmt.Errorf("publishing to %s: %w", token.Provider, core.ErrUnsupportedProvider)
	}

	accessToken, err := s.tokens.GetValidAccessToken(ctx, token)
	if err != nil {
		return "", err
	}

	postURL, err := post(ctx, token, accessToken, content)
	if err != nil {
		logger.From(ctx).Error("publish failed", logger.Provider(string(token.Provider)), logger.Slug(token.Slug), logger.Err(err))
		return "", err
	}
	logger.From(ctx).Info("published", logger.Provider(string(token.Provider)), logger.Slug(token.Slug))
	return postURL, nil
}

func (s *Service) postTwitter(ctx context.Context, token *core.OAuthToken, accessToken, content string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = s.send(ctx, "POST", s.apiURL(core.ProviderTwitter)+"/2/tweets", "application/json", body, &result,
		func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		})
	if err != nil {
		return "", err
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("%w: twitter response has no tweet id", ErrPublishFailed)
	}
	return "https://twitter.com/user/status/" + result.Data.ID, nil
}

func (s *Service) postLinkedIn(ctx context.Context, token *core.OAuthToken, accessToken, content string) (string, error) {
	payload := map[string]any{
		"author":         "urn:li:person:" + token.ExternalUserID,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	err = s.send(ctx, "POST", s.apiURL(core.ProviderLinkedIn)+"/v2/ugcPosts", "application/json", body, &result,
		func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
		})
	if err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("%w: linkedin response has no post id", ErrPublishFailed)
	}
	return "https://www.linkedin.com/feed/update/" + result.ID + "/", nil
}

func (s *Service) postReddit(ctx context.Context, token *core.OAuthToken, accessToken, content string) (string, error) {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("sr", s.subreddit)
	form.Set("kind", "self")
	form.Set("title", redditTitle(content))
	form.Set("text", content)

	var result struct {
		JSON struct {
			Errors [][]any `json:"errors"`
			Data   struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"json"`
	}
	err := s.send(ctx, "POST", s.apiURL(core.ProviderReddit)+"/api/submit", "application/x-www-form-urlencoded", []byte(form.Encode()), &result,
		func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		})
	if err != nil {
		return "", err
	}
	if len(result.JSON.Errors) > 0 {
		return "", fmt.Errorf("%w: reddit: %v", ErrPublishFailed, result.JSON.Errors)
	}
	return result.JSON.Data.URL, nil
}

func (s *Service) send(ctx context.Context, method, rawURL, contentType string, body []byte, dest any, decorate func(*http.Request)) error {
	resp, err := s.backoff.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("User-Agent", userAgent)
		decorate(req)
		return s.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &core.ProviderResponseError{Op: ErrPublishFailed, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (s *Service) apiURL(p core.Provider) string {
	if pc, ok := s.config.Providers[p]; ok && pc.APIURL != "" {
		return strings.TrimRight(pc.APIURL, "/")
	}
	return defaultAPIURLs[p]
}

// redditTitle uses the first line of content, cut to Reddit's limit.
func redditTitle(content string) string {
	title := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if r := []rune(title); len(r) > maxRedditTitle {
		title = string(r[:maxRedditTitle])
	}
	return title
}
