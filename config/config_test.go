package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadow_link.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), 32)))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "base_url: https://app.example.com\ntrust_user_header: true\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, "https://app.example.com", cfg.BaseURL)
	assert.Equal(t, StoreMemory, cfg.FlowStore)
	assert.Equal(t, StoreMemory, cfg.RateLimitStore)
	assert.Equal(t, 10*time.Minute, cfg.PendingRequestTTL)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 10, cfg.RateLimitMax)
	assert.Equal(t, 5*time.Minute, cfg.RefreshLeadTime)
	assert.Equal(t, 5, cfg.RefreshMaxRetries)
	assert.Empty(t, cfg.SessionSecret)
	assert.True(t, cfg.TrustUserHeader)
	assert.Equal(t, "X-User-ID", cfg.UserHeader)
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL)
	assert.Empty(t, cfg.Providers)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
flow_store: bolt
session_secret: `+strings.Repeat("s", 32)+`
refresh_backoff_base: 10s
token_encryption_current_version: 1
token_encryption_keys:
  "1": `+testKey('a')+`
  "2": `+testKey('b')+`
providers:
  google:
    client_id: g-id
    client_secret: g-secret
    scopes: [openid, email]
  microsoft:
    client_id: ms-id
    client_secret: ms-secret
    tenant: contoso
`)

	t.Setenv("SLINK_RATE_LIMIT_MAX", "25")
	t.Setenv("SLINK_PROVIDERS_GOOGLE_CLIENT_SECRET", "from-env")
	t.Setenv("SLINK_PROVIDERS_GITHUB_CLIENT_ID", "gh-id")
	t.Setenv("SLINK_PROVIDERS_GITHUB_CLIENT_SECRET", "gh-secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StoreBolt, cfg.FlowStore)
	assert.Equal(t, 25, cfg.RateLimitMax)
	assert.Equal(t, 10*time.Second, cfg.RefreshBackoffBase)

	providers := cfg.ProviderConfigs()
	require.Len(t, providers, 3)
	assert.Equal(t, "from-env", providers["google"].ClientSecret)
	assert.Equal(t, []string{"openid", "email"}, providers["google"].Scopes)
	assert.Equal(t, "contoso", providers["microsoft"].Tenant)
	assert.Equal(t, "gh-id", providers["github"].ClientID)

	keys, err := cfg.TokenKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1, "keys newer than the current version are held back")
	assert.Equal(t, 1, keys[0].Version)

	rc := cfg.RefreshConfig()
	assert.Equal(t, 10*time.Second, rc.BackoffBase)
	assert.Equal(t, 5, rc.MaxRetries)
}

func TestLoadConfig_KeysFromEnvJSON(t *testing.T) {
	t.Setenv("SLINK_TOKEN_ENCRYPTION_KEYS", `{"1":"`+testKey('x')+`"}`)

	cfg, err := LoadConfig(writeConfig(t, "log_level: debug\ntrust_user_header: true\n"))
	require.NoError(t, err)

	keys, err := cfg.TokenKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Len(t, keys[0].Material, 32)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"flow store", "flow_store: sqlite\n", "invalid flow_store"},
		{"rate limit store", "rate_limit_store: bolt\n", "invalid rate_limit_store"},
		{"ttl", "pending_request_ttl: 0s\n", "pending_request_ttl"},
		{"limits", "rate_limit_max: 0\n", "rate limits"},
		{"cleanup interval", "pending_cleanup_interval: 0s\ntrust_user_header: true\n", "pending_cleanup_interval"},
		{"refresh interval", "refresh_interval: 0s\ntrust_user_header: true\n", "refresh_interval"},
		{"session secret", "session_secret: short\n", "session_secret"},
		{"no session boundary", "log_level: info\n", "no session boundary"},
		{"empty user header", "trust_user_header: true\nuser_header: \"\"\n", "user_header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTokenKeys_MissingCurrentVersion(t *testing.T) {
	cfg := &Config{
		TokenEncryptionKeys:           map[string]string{"1": testKey('a')},
		TokenEncryptionCurrentVersion: 3,
	}
	_, err := cfg.TokenKeys()
	assert.ErrorContains(t, err, "has no key")
}
