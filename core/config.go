package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Config struct {
	// Public URL the flow is mounted under, e.g. https://example.com/oauth2_capture.
	// Callback URIs are built as BaseURL + "/{provider}/callback/".
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	JWT JWTConfig `yaml:"jwt" envPrefix:"JWT_"`

	Backoff BackoffConfig `yaml:"backoff" envPrefix:"BACKOFF_"`

	Providers map[Provider]ProviderConfig `yaml:"providers"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"` // HS256 key for owner tokens
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

type BackoffConfig struct {
	MaxRetries     int             `yaml:"max_retries" env:"MAX_RETRIES"`
	FallbackDelays []time.Duration `yaml:"fallback_delays" env:"FALLBACK_DELAYS" envSeparator:","`
}

// ProviderConfig is one entry of the provider table. Endpoint fields are
// optional overrides of the provider's public URLs.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	UserAgent    string `yaml:"user_agent,omitempty"`

	AuthURL     string `yaml:"auth_url,omitempty"`
	TokenURL    string `yaml:"token_url,omitempty"`
	UserInfoURL string `yaml:"user_info_url,omitempty"`
	APIURL      string `yaml:"api_url,omitempty"`
}

// RedirectURI is the callback address registered with the provider.
func (c *Config) RedirectURI(provider Provider) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + string(provider) + "/callback/"
}

// Validate reports configuration mistakes that would otherwise surface on
// the first request.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	names := make([]string, 0, len(c.Providers))
	for p := range c.Providers {
		names = append(names, string(p))
	}
	sort.Strings(names)
	for _, name := range names {
		p := Provider(name)
		pc := c.Providers[p]
		if !p.Supported() {
			errs = append(errs, fmt.Errorf("providers.%s: %w", name, ErrUnsupportedProvider))
			continue
		}
		if pc.ClientID == "" || pc.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("providers.%s: client_id and client_secret are required", name))
		}
	}
	if c.Backoff.MaxRetries < 0 {
		errs = append(errs, errors.New("backoff.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}
