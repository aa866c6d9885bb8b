package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"perforay/internal/model"
)

const latestKeyPrefix = "perforay:latest:"

// Cache keeps the latest result per host in Redis
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis accepts a redis:// URL or a bare host:port and checks the connection
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		var err error
		opt, err = redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return rdb, nil
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) Name() string { return "redis" }

func LatestKey(host string) string {
	return latestKeyPrefix + host
}

func (c *Cache) Create(ctx context.Context, result *model.ScanResult) error {
	host := HostOf(result.Target)
	if host == "" {
		return fmt.Errorf("no host in target %q", result.Target)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, LatestKey(host), data, c.ttl).Err()
}

// Latest 获取主机最新结果
func (c *Cache) Latest(ctx context.Context, host string) (*model.ScanResult, error) {
	data, err := c.rdb.Get(ctx, LatestKey(host)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var result model.ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
