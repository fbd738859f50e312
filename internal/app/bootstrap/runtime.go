package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/conversation"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures are returned.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, verify bool) (*redis.Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client, nil
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bootstrap: redis ping %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// BuildSessionStore picks the session backend named by SESSION_STORE. The
// returned client is nil for the memory store.
func BuildSessionStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.SessionStore, *redis.Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.SessionStore {
	case "", "memory":
		logger.Info("using in-memory session store")
		return conversation.NewMemorySessionStore(), nil, nil
	case "redis":
		client, err := BuildRedisClient(ctx, cfg, true)
		if err != nil {
			return nil, nil, err
		}
		if client == nil {
			return nil, nil, fmt.Errorf("bootstrap: REDIS_ADDR is required for the redis session store")
		}
		logger.Info("using redis session store", "addr", cfg.RedisAddr, "ttl", cfg.SessionTTL.String())
		return conversation.NewRedisSessionStore(client, cfg.SessionTTL, nil), client, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown session store %q", cfg.SessionStore)
	}
}
