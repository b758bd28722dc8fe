package federation_test

import (
	"testing"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryFromConfig(t *testing.T) {
	registry, err := federation.NewRegistryFromConfig("https://app.example.com/", map[string]federation.ProviderConfig{
		"GitHub": testProviderConfig(),
		"google": testProviderConfig(),
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.ProviderName{domain.ProviderGitHub, domain.ProviderGoogle}, registry.Names())

	p, err := registry.Get(domain.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGitHub, p.Name())

	_, err = registry.Get(domain.ProviderFacebook)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	assert.Equal(t, "https://app.example.com/auth/oauth/google/callback", registry.RedirectURI(domain.ProviderGoogle))
}

func TestNewRegistryFromConfig_UnknownProvider(t *testing.T) {
	_, err := federation.NewRegistryFromConfig("https://app", map[string]federation.ProviderConfig{
		"myspace": testProviderConfig(),
	})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}
