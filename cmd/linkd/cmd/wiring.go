package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	slinkgin "github.com/pilab-dev/shadow-link/api/gin"
	"github.com/pilab-dev/shadow-link/bolt"
	"github.com/pilab-dev/shadow-link/cache"
	slredis "github.com/pilab-dev/shadow-link/cache/redis"
	"github.com/pilab-dev/shadow-link/config"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/audit"
	"github.com/pilab-dev/shadow-link/internal/crypto"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/pilab-dev/shadow-link/internal/linkstore"
	"github.com/pilab-dev/shadow-link/internal/ratelimit"
	"github.com/pilab-dev/shadow-link/mongodb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// components holds what the subcommands share. Each piece is opened on
// first use and closed by close.
type components struct {
	cfg     *config.Config
	db      *mongo.Database
	redis   redis.UniversalClient
	closers []func(ctx context.Context)
}

func newComponents(cfg *config.Config) *components {
	return &components{cfg: cfg}
}

func (c *components) close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i](ctx)
	}
}

func (c *components) mongo(ctx context.Context) (*mongo.Database, error) {
	if c.db != nil {
		return c.db, nil
	}
	db, err := mongodb.InitMongoDB(ctx, c.cfg.MongoURI, c.cfg.MongoDBName)
	if err != nil {
		return nil, err
	}
	c.db = db
	c.closers = append(c.closers, mongodb.CloseMongoDB)
	return db, nil
}

func (c *components) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.cfg.RedisAddr},
		Password: c.cfg.RedisPassword,
		DB:       c.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.cfg.RedisAddr, err)
	}
	c.redis = client
	c.closers = append(c.closers, func(context.Context) {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	})
	return client, nil
}

func (c *components) pendingStore(ctx context.Context) (domain.PendingAuthStore, error) {
	switch c.cfg.FlowStore {
	case config.StoreRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return slredis.NewPendingStore(client, c.cfg.RedisPrefix), nil
	case config.StoreBolt:
		store, err := bolt.OpenPendingStore(c.cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func(context.Context) { _ = store.Close() })
		return store, nil
	default:
		store := cache.NewMemoryPendingStore()
		c.closers = append(c.closers, func(context.Context) { _ = store.Close() })
		return store, nil
	}
}

func (c *components) rateLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	if c.cfg.RateLimitStore == config.StoreRedis {
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return slredis.NewRateLimiter(client, c.cfg.RedisPrefix), nil
	}
	limiter := ratelimit.NewMemoryLimiter()
	c.closers = append(c.closers, func(context.Context) { limiter.Close() })
	return limiter, nil
}

func (c *components) providers() (*federation.Registry, error) {
	registry, err := federation.NewRegistryFromConfig(c.cfg.BaseURL, c.cfg.ProviderConfigs())
	if err != nil {
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}
	if len(registry.Names()) == 0 {
		log.Warn().Msg("No identity providers configured")
	}
	return registry, nil
}

// linkStore opens MongoDB and returns the link store together with the audit
// logger that persists into the same database.
func (c *components) linkStore(ctx context.Context) (*linkstore.Store, audit.Logger, error) {
	db, err := c.mongo(ctx)
	if err != nil {
		return nil, nil, err
	}

	keys, err := c.cfg.TokenKeys()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid token encryption keys: %w", err)
	}
	cipher, err := crypto.NewTokenCipher(keys)
	if err != nil {
		return nil, nil, err
	}

	links, err := mongodb.NewIdentityLinkRepository(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	events, err := mongodb.NewAuditEventRepository(ctx, db)
	if err != nil {
		return nil, nil, err
	}

	auditLogger := audit.Multi{
		audit.NewRepositoryLogger(events),
		audit.NewStreamLogger(os.Stdout),
		audit.MetricsLogger{},
	}
	return linkstore.NewStore(links, mongodb.NewUserDirectory(db), cipher), auditLogger, nil
}

func providerNames(names []domain.ProviderName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return out
}

// sessionBoundary picks the signed cookie session when a secret is configured.
// The user id header is only trusted when the config opts in.
func sessionBoundary(cfg *config.Config) (slinkgin.SessionBoundary, error) {
	if cfg.SessionSecret != "" {
		return slinkgin.NewJWTSession([]byte(cfg.SessionSecret), cfg.SessionTTL, strings.HasPrefix(cfg.BaseURL, "https://"))
	}
	if cfg.TrustUserHeader && cfg.UserHeader != "" {
		return slinkgin.HeaderSession{Header: cfg.UserHeader}, nil
	}
	return nil, errors.New("no session boundary configured: set session_secret or trust_user_header")
}
