package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the shared Redis identity cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// RedisResolver is the shared cache layer: identities resolved by any gateway
// instance are visible to all of them. On a miss it consults the fallback
// resolver and writes the result back in the background so the request path
// never blocks on the cache write.
type RedisResolver struct {
	client   *redis.Client
	logger   zerolog.Logger
	ttl      time.Duration
	fallback Resolver
}

// NewRedisResolver connects the shared cache layer. It pings the Redis server
// to ensure connectivity before returning.
func NewRedisResolver(ctx context.Context, cfg *RedisConfig, fallback Resolver, logger zerolog.Logger) (*RedisResolver, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback resolver cannot be nil")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisResolver{
		client:   rdb,
		logger:   logger.With().Str("component", "RedisResolver").Logger(),
		ttl:      cfg.CacheTTL,
		fallback: fallback,
	}, nil
}

// Resolve checks Redis first. A redis.Nil reply is a normal cache miss and
// falls through to the fallback; any other Redis error is returned as-is.
func (c *RedisResolver) Resolve(ctx context.Context, tenant string, ext ExternalID) (Device, error) {
	return c.resolveKey(ctx, cacheKey(tenant, ext), func() (Device, error) {
		return c.fallback.Resolve(ctx, tenant, ext)
	})
}

// ResolveInternal is the reverse lookup, cached under the internal-id key.
func (c *RedisResolver) ResolveInternal(ctx context.Context, tenant string, internalID string) (Device, error) {
	return c.resolveKey(ctx, internalKey(tenant, internalID), func() (Device, error) {
		return c.fallback.ResolveInternal(ctx, tenant, internalID)
	})
}

// resolveKey serves one cache key, falling through to fetch on a miss and
// writing the result back in the background.
func (c *RedisResolver) resolveKey(ctx context.Context, key string, fetch func() (Device, error)) (Device, error) {
	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var device Device
		if err := json.Unmarshal([]byte(cached), &device); err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached identity.")
			return Device{}, fmt.Errorf("unmarshal cached identity: %w", err)
		}
		c.logger.Debug().Str("key", key).Msg("Redis identity cache hit.")
		return device, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Msg("Unexpected Redis error during identity fetch.")
		return Device{}, err
	}

	device, err := fetch()
	if err != nil {
		return Device{}, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if writeErr := c.write(writeCtx, key, device); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", key).Msg("Failed to write identity to cache in background.")
		}
	}()

	return device, nil
}

// Register writes through to the fallback and refreshes the cached entries in
// both directions.
func (c *RedisResolver) Register(ctx context.Context, tenant string, device Device) error {
	if err := c.fallback.Register(ctx, tenant, device); err != nil {
		return err
	}
	if err := c.write(ctx, cacheKey(tenant, device.External), device); err != nil {
		return err
	}
	return c.write(ctx, internalKey(tenant, device.InternalID), device)
}

// Invalidate drops one identity from the shared cache.
func (c *RedisResolver) Invalidate(ctx context.Context, tenant string, ext ExternalID) error {
	return c.client.Del(ctx, cacheKey(tenant, ext)).Err()
}

func (c *RedisResolver) write(ctx context.Context, key string, device Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set identity in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection and the fallback chain.
func (c *RedisResolver) Close() error {
	c.logger.Info().Msg("Closing Redis client connection...")
	err := c.client.Close()
	if fallbackErr := c.fallback.Close(); err == nil {
		err = fallbackErr
	}
	return err
}
