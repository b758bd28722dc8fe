package federation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pilab-dev/shadow-link/domain"
)

// Registry holds the configured providers and derives their callback URLs.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.ProviderName]Provider
	baseURL   string
}

// NewRegistry creates an empty registry. baseURL is the public origin of this
// service, e.g. "https://app.example.com".
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		providers: make(map[domain.ProviderName]Provider),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// NewRegistryFromConfig builds one provider per configured entry.
func NewRegistryFromConfig(baseURL string, configs map[string]ProviderConfig, opts ...Option) (*Registry, error) {
	r := NewRegistry(baseURL)
	for name, cfg := range configs {
		p, err := NewProvider(domain.ProviderName(strings.ToLower(name)), cfg, opts...)
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	return r, nil
}

// NewProvider is the provider factory.
func NewProvider(name domain.ProviderName, cfg ProviderConfig, opts ...Option) (Provider, error) {
	switch name {
	case domain.ProviderGoogle:
		return NewGoogleProvider(cfg, opts...)
	case domain.ProviderGitHub:
		return NewGitHubProvider(cfg, opts...)
	case domain.ProviderMicrosoft:
		return NewMicrosoftProvider(cfg, opts...)
	case domain.ProviderFacebook:
		return NewFacebookProvider(cfg, opts...)
	default:
		return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownProvider)
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns domain.ErrUnknownProvider for names that are not configured.
func (r *Registry) Get(name domain.ProviderName) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownProvider)
	}
	return p, nil
}

// Names lists the configured providers in stable order.
func (r *Registry) Names() []domain.ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]domain.ProviderName, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// RedirectURI is the callback URL registered with the provider.
func (r *Registry) RedirectURI(name domain.ProviderName) string {
	return fmt.Sprintf("%s/auth/oauth/%s/callback", r.baseURL, name)
}
