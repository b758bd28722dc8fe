package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pilab-dev/shadow-link/internal/crypto"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/pilab-dev/shadow-link/internal/refresh"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SLINK_HTTP_ADDR.
const EnvPrefix = "SLINK"

// StoreType selects a backend for the pending request store or the rate limiter.
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreRedis  StoreType = "redis"
	StoreBolt   StoreType = "bolt"
)

// ProviderSettings is one entry of the providers map.
type ProviderSettings struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	Tenant       string   `mapstructure:"tenant"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
}

// Config holds all configuration for the link service.
type Config struct {
	HTTPAddr          string `mapstructure:"http_addr"`
	BaseURL           string `mapstructure:"base_url"`
	PostLoginRedirect string `mapstructure:"post_login_redirect"`

	// SessionSecret enables the signed JWT cookie session. Without it the
	// service only runs when TrustUserHeader is set explicitly, meaning a proxy
	// in front sets UserHeader and strips it from client requests.
	SessionSecret   string        `mapstructure:"session_secret"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	TrustUserHeader bool          `mapstructure:"trust_user_header"`
	UserHeader      string        `mapstructure:"user_header"`

	LogLevel        string  `mapstructure:"log_level"`
	LogPretty       bool    `mapstructure:"log_pretty"`
	TracingEnabled  bool    `mapstructure:"tracing_enabled"`
	TraceSampleRate float64 `mapstructure:"trace_sample_rate"`
	OtelServiceName string  `mapstructure:"otel_service_name"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDBName   string `mapstructure:"mongo_db_name"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	BoltPath      string `mapstructure:"bolt_path"`

	FlowStore              StoreType     `mapstructure:"flow_store"`
	RateLimitStore         StoreType     `mapstructure:"rate_limit_store"`
	PendingRequestTTL      time.Duration `mapstructure:"pending_request_ttl"`
	PendingCleanupInterval time.Duration `mapstructure:"pending_cleanup_interval"`

	RateLimitWindow      time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax         int           `mapstructure:"rate_limit_max"`
	CallbackRateLimitMax int           `mapstructure:"callback_rate_limit_max"`

	RefreshEnabled        bool          `mapstructure:"refresh_enabled"`
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	RefreshLeadTime       time.Duration `mapstructure:"refresh_lead_time"`
	RefreshMaxRetries     int           `mapstructure:"refresh_max_retries"`
	RefreshBackoffBase    time.Duration `mapstructure:"refresh_backoff_base"`
	RefreshBackoffMax     time.Duration `mapstructure:"refresh_backoff_max"`
	RefreshAttemptTimeout time.Duration `mapstructure:"refresh_attempt_timeout"`
	RefreshConcurrency    int           `mapstructure:"refresh_concurrency"`
	RefreshBatchSize      int           `mapstructure:"refresh_batch_size"`

	// TokenEncryptionKeys maps key version to base64 key material. Read with
	// GetStringMapString so the env form can be a JSON object.
	TokenEncryptionKeys           map[string]string `mapstructure:"-"`
	TokenEncryptionCurrentVersion int               `mapstructure:"token_encryption_current_version"`

	Providers map[string]ProviderSettings `mapstructure:"providers"`
}

var providerKeys = []string{"client_id", "client_secret", "scopes", "tenant", "auth_url", "token_url"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("post_login_redirect", "/")
	v.SetDefault("session_ttl", "12h")
	v.SetDefault("trust_user_header", false)
	v.SetDefault("user_header", "X-User-ID")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("trace_sample_rate", 1.0)
	v.SetDefault("otel_service_name", "shadow-link")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("mongo_db_name", "shadow_link")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "slink")
	v.SetDefault("bolt_path", "data/pending.db")
	v.SetDefault("flow_store", string(StoreMemory))
	v.SetDefault("rate_limit_store", string(StoreMemory))
	v.SetDefault("pending_request_ttl", "10m")
	v.SetDefault("pending_cleanup_interval", "1m")
	v.SetDefault("rate_limit_window", "1m")
	v.SetDefault("rate_limit_max", 10)
	v.SetDefault("callback_rate_limit_max", 10)
	v.SetDefault("refresh_enabled", true)
	v.SetDefault("refresh_interval", "1m")
	v.SetDefault("refresh_lead_time", "5m")
	v.SetDefault("refresh_max_retries", 5)
	v.SetDefault("refresh_backoff_base", "30s")
	v.SetDefault("refresh_backoff_max", "1h")
	v.SetDefault("refresh_attempt_timeout", "15s")
	v.SetDefault("refresh_concurrency", 4)
	v.SetDefault("refresh_batch_size", 100)
	v.SetDefault("token_encryption_current_version", 0)
}

// LoadConfig reads configuration from a .env file, the config file and
// SLINK_* environment variables, in increasing precedence. configFile may be
// empty, in which case shadow_link.yaml is searched in the usual places.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("shadow_link")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shadow-link/")
		v.AddConfigPath("$HOME/.shadow-link")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Nested provider keys are unknown to viper until bound, so bind them for
	// every provider this build can serve.
	for _, name := range []string{"google", "github", "microsoft", "facebook"} {
		for _, key := range providerKeys {
			if err := v.BindEnv("providers." + name + "." + key); err != nil {
				return nil, err
			}
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.TokenEncryptionKeys = v.GetStringMapString("token_encryption_keys")

	for name, p := range cfg.Providers {
		if p.ClientID == "" && p.ClientSecret == "" {
			delete(cfg.Providers, name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.FlowStore {
	case StoreMemory, StoreRedis, StoreBolt:
	default:
		return fmt.Errorf("invalid flow_store %q: want memory, redis or bolt", c.FlowStore)
	}
	switch c.RateLimitStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("invalid rate_limit_store %q: want memory or redis", c.RateLimitStore)
	}
	if c.PendingRequestTTL <= 0 {
		return fmt.Errorf("pending_request_ttl must be positive")
	}
	if c.RateLimitMax <= 0 || c.CallbackRateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.PendingCleanupInterval <= 0 {
		return fmt.Errorf("pending_cleanup_interval must be positive")
	}
	if c.RefreshEnabled && c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		return fmt.Errorf("session_secret must be at least 32 bytes")
	}
	if c.SessionSecret != "" && c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.SessionSecret == "" {
		if !c.TrustUserHeader {
			return fmt.Errorf("no session boundary configured: set session_secret, or trust_user_header behind a proxy that owns %s", c.UserHeader)
		}
		if c.UserHeader == "" {
			return fmt.Errorf("user_header must be set when trust_user_header is enabled")
		}
	}
	if c.TokenEncryptionCurrentVersion < 0 {
		return fmt.Errorf("token_encryption_current_version must not be negative")
	}
	return nil
}

// ProviderConfigs converts the providers map for the federation registry.
func (c *Config) ProviderConfigs() map[string]federation.ProviderConfig {
	out := make(map[string]federation.ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = federation.ProviderConfig{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			Tenant:       p.Tenant,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
		}
	}
	return out
}

// TokenKeys decodes the key ring. When a current version is configured, keys
// newer than it are left out so they are not used for encryption yet.
func (c *Config) TokenKeys() ([]crypto.Key, error) {
	keys, err := crypto.ParseKeys(c.TokenEncryptionKeys)
	if err != nil {
		return nil, err
	}
	if c.TokenEncryptionCurrentVersion == 0 {
		return keys, nil
	}

	active := keys[:0]
	found := false
	for _, k := range keys {
		if k.Version > c.TokenEncryptionCurrentVersion {
			continue
		}
		if k.Version == c.TokenEncryptionCurrentVersion {
			found = true
		}
		active = append(active, k)
	}
	if !found {
		return nil, fmt.Errorf("token_encryption_current_version %d has no key", c.TokenEncryptionCurrentVersion)
	}
	return active, nil
}

// RefreshConfig maps the refresh_* keys onto the scheduler config.
func (c *Config) RefreshConfig() refresh.Config {
	return refresh.Config{
		Interval:       c.RefreshInterval,
		LeadTime:       c.RefreshLeadTime,
		MaxRetries:     c.RefreshMaxRetries,
		BackoffBase:    c.RefreshBackoffBase,
		BackoffMax:     c.RefreshBackoffMax,
		AttemptTimeout: c.RefreshAttemptTimeout,
		Concurrency:    c.RefreshConcurrency,
		BatchSize:      c.RefreshBatchSize,
	}
}
