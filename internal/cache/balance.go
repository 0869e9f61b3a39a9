// Package cache keeps recent balance reads in Redis so repeated agent
// queries do not hit chain RPC endpoints.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/pkg/types"
)

// DefaultTTL is used when NewBalanceCache gets a non-positive ttl.
const DefaultTTL = 15 * time.Second

const keyPrefix = "agentvault:balance:"

// RedisConfig holds connection settings for the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// BalanceCache is a read-through cache for chain balances. A nil
// *BalanceCache is valid and always loads from the source.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache wraps client.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(chainID, address string) string {
	return keyPrefix + chainID + ":" + address
}

// Get returns a cached entry. The bool is false on a miss.
func (c *BalanceCache) Get(ctx context.Context, chainID, address string) (*types.Balances, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, balanceKey(chainID, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached balance: %w", err)
	}

	var b types.Balances
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached balance: %w", err)
	}
	return &b, true, nil
}

// Set stores b under its chain and address.
func (c *BalanceCache) Set(ctx context.Context, b *types.Balances) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode balance: %w", err)
	}
	if err := c.client.Set(ctx, balanceKey(b.ChainID, b.Address), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

// Invalidate drops the entry for an address.
func (c *BalanceCache) Invalidate(ctx context.Context, chainID, address string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, balanceKey(chainID, address)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate balance: %w", err)
	}
	return nil
}

// GetOrLoad serves from the cache and falls back to load on a miss. Cache
// failures are logged and never fail the read.
func (c *BalanceCache) GetOrLoad(ctx context.Context, chainID, address string, load func(context.Context) (*types.Balances, error)) (*types.Balances, error) {
	cached, ok, err := c.Get(ctx, chainID, address)
	if err != nil {
		logger.Warn(ctx, "balance cache read failed", "chain_id", chainID, "error", err)
	}
	if ok {
		return cached, nil
	}

	b, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, b); err != nil {
		logger.Warn(ctx, "balance cache write failed", "chain_id", chainID, "error", err)
	}
	return b, nil
}

// Ping checks if Redis is reachable
func (c *BalanceCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
