package providers

import (
	"fmt"
	"net/http"
	"sort"

	"connectd/core"
)

type options struct {
	httpClient *http.Client
	backoff    *core.Backoff
}

// Option customizes the adapters built by the registry.
type Option func(*options)

// WithHTTPClient replaces the default 10 second client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithBackoff sets the executor used for refresh requests.
func WithBackoff(b *core.Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type constructor func(cfg core.ProviderConfig, opts ...Option) core.Adapter

var constructors = map[core.Provider]constructor{
	core.ProviderTwitter: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewTwitterProvider(cfg, opts...)
	},
	core.ProviderLinkedIn: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewLinkedInProvider(cfg, opts...)
	},
	core.ProviderGitHub: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewGitHubProvider(cfg, opts...)
	},
	core.ProviderReddit: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewRedditProvider(cfg, opts...)
	},
	core.ProviderPinterest: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewPinterestProvider(cfg, opts...)
	},
	core.ProviderFacebook: func(cfg core.ProviderConfig, opts ...Option) core.Adapter {
		return NewFacebookProvider(cfg, opts...)
	},
}

// Registry is the immutable set of adapters built from the provider table.
type Registry struct {
	adapters map[core.Provider]core.Adapter
}

// NewRegistry builds one adapter per configured provider. Entries that name
// an unknown provider are rejected.
func NewRegistry(cfg *core.Config, opts ...Option) (*Registry, error) {
	r := &Registry{adapters: make(map[core.Provider]core.Adapter, len(cfg.Providers))}
	if !hasBackoff(opts) {
		opts = append(opts, WithBackoff(core.NewBackoff(cfg.Backoff)))
	}
	for p, pc := range cfg.Providers {
		build, ok := constructors[p]
		if !ok {
			return nil, fmt.Errorf("provider %q: %w", p, core.ErrUnsupportedProvider)
		}
		r.adapters[p] = build(pc, opts...)
	}
	return r, nil
}

func hasBackoff(opts []Option) bool {
	return applyOptions(opts).backoff != nil
}

// Register adds or replaces an adapter. Meant for wiring before serving.
func (r *Registry) Register(a core.Adapter) {
	r.adapters[a.Provider()] = a
}

func (r *Registry) Resolve(name string) (core.Adapter, error) {
	p := core.Provider(name)
	if a, ok := r.adapters[p]; ok {
		return a, nil
	}
	if !p.Supported() {
		return nil, fmt.Errorf("%q: %w", name, core.ErrUnsupportedProvider)
	}
	return nil, fmt.Errorf("%q: %w", name, core.ErrProviderNotConfigured)
}

// Configured lists the providers with an adapter, sorted by name.
func (r *Registry) Configured() []core.Provider {
	out := make([]core.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
