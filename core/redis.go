package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache provides a Redis-based cache for frequently accessed data, most
// notably the recent-cluster set read by every clustering pass.
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCache{
		client: client,
		logger: logger,
	}
}

// NewRedisCacheWithClient wraps an existing client, used by tests with miniredis.
func NewRedisCacheWithClient(client *redis.Client, logger *zap.SugaredLogger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// maxCacheValueSize caps a single cached value at 10MB so a pathological
// cluster set cannot exhaust Redis memory.
const maxCacheValueSize = 10 * 1024 * 1024

// Set stores a value in the cache with expiration
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		rc.logger.Errorf("Failed to marshal cache value for key %s: %v", key, err)
		return err
	}

	if len(data) > maxCacheValueSize {
		rc.logger.Warnf("Cache value for key %s exceeds size limit (%d bytes), rejecting", key, len(data))
		return fmt.Errorf("cache value size %d bytes exceeds maximum allowed size %d bytes", len(data), maxCacheValueSize)
	}

	return rc.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from the cache into dest. Returns redis.Nil via the
// wrapped error when the key is absent.
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		rc.logger.Errorf("Failed to unmarshal cache value for key %s: %v", key, err)
		return err
	}
	return nil
}

// Delete removes a key from the cache
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// IsCacheMiss reports whether err indicates an absent key rather than a
// Redis failure.
func IsCacheMiss(err error) bool {
	return err == redis.Nil
}

const recentClustersKey = "bastion:clusters:recent"

// SetRecentClusters caches the recent-cluster set consumed by the clustering
// pass reconcile step.
func (rc *RedisCache) SetRecentClusters(ctx context.Context, clusters []*AlertCluster, ttl time.Duration) error {
	return rc.Set(ctx, recentClustersKey, clusters, ttl)
}

// GetRecentClusters returns the cached recent-cluster set, or a cache miss error.
func (rc *RedisCache) GetRecentClusters(ctx context.Context) ([]*AlertCluster, error) {
	var clusters []*AlertCluster
	if err := rc.Get(ctx, recentClustersKey, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// InvalidateRecentClusters drops the cached recent-cluster set after a pass
// mutates cluster state.
func (rc *RedisCache) InvalidateRecentClusters(ctx context.Context) error {
	return rc.Delete(ctx, recentClustersKey)
}
