package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/monitor/config"
	"example.com/backstage/services/monitor/internal/core"
	"github.com/go-redis/redis/v8"
)

// deviceCacheTTL bounds staleness of cached device snapshots.
const deviceCacheTTL = 24 * time.Hour

// Cache wraps Redis client for caching operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache connection.
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Set stores a value in cache with expiration.
func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from cache.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Delete removes a value from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Close closes the cache connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// DeviceCache stores JSON device snapshots keyed by device code. It
// implements core.DeviceCache.
type DeviceCache struct {
	cache *Cache
}

// NewDeviceCache wraps a Cache as a device snapshot store.
func NewDeviceCache(cache *Cache) *DeviceCache {
	return &DeviceCache{cache: cache}
}

func deviceKey(code string) string {
	return "monitor:device:" + code
}

// GetDevice returns the cached snapshot, or (nil, nil) on a miss.
func (c *DeviceCache) GetDevice(ctx context.Context, code string) (*core.Device, error) {
	raw, err := c.cache.Get(ctx, deviceKey(code))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var device core.Device
	if err := json.Unmarshal([]byte(raw), &device); err != nil {
		// Corrupt entry, drop it and fall back to the database.
		_ = c.cache.Delete(ctx, deviceKey(code))
		return nil, nil
	}
	return &device, nil
}

// SetDevice stores a snapshot with the standard TTL.
func (c *DeviceCache) SetDevice(ctx context.Context, device *core.Device) error {
	raw, err := json.Marshal(device)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, deviceKey(device.DeviceCode), string(raw), deviceCacheTTL)
}

// InvalidateDevice drops the snapshot for a code.
func (c *DeviceCache) InvalidateDevice(ctx context.Context, code string) error {
	return c.cache.Delete(ctx, deviceKey(code))
}
