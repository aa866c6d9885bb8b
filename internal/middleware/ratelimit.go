package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perforay/internal/config"
)

// RateLimitAlgorithm 限流算法类型
type RateLimitAlgorithm string

const (
	// TokenBucket 令牌桶算法
	TokenBucket RateLimitAlgorithm = "token_bucket"
	// FixedWindow 固定窗口算法
	FixedWindow RateLimitAlgorithm = "fixed_window"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 窗口内请求限制数
	Limit int
	// 窗口大小
	Window time.Duration
	// 限流算法
	Algorithm RateLimitAlgorithm
	// Prefix scopes the keys of one limited route group
	Prefix string
}

func RateLimitConfigFrom(cfg config.RateLimitConfig, prefix string) *RateLimitConfig {
	return &RateLimitConfig{
		Limit:     cfg.Limit,
		Window:    cfg.Window,
		Algorithm: RateLimitAlgorithm(cfg.Algorithm),
		Prefix:    prefix,
	}
}

func (c *RateLimitConfig) windowSeconds() int64 {
	s := int64(math.Ceil(c.Window.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// RateLimiter 限流器接口
type RateLimiter interface {
	Allow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error)
}

// RateLimitResult 限流结果
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// 重置时间（Unix时间戳）
	ResetAt int64
	Limit   int
}

// RedisRateLimiter 基于Redis的限流器, shared by every server instance
type RedisRateLimiter struct {
	redis *redis.Client
}

func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{redis: rdb}
}

// tokens refill continuously at limit/window per second
var tokenBucketScript = redis.NewScript(`
	local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_update')
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local tokens = tonumber(bucket[1]) or capacity
	local last_update = tonumber(bucket[2]) or now

	local filled = math.min(capacity, tokens + (now - last_update) * rate)
	local allowed = filled >= 1
	if allowed then
		filled = filled - 1
	end

	redis.call('HSET', KEYS[1], 'tokens', filled, 'last_update', now)
	redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) + 1)

	return {allowed and 1 or 0, math.floor(filled), capacity}
`)

var fixedWindowScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or 0)
	local limit = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	if current >= limit then
		return {0, 0, limit}
	end
	redis.call('INCR', KEYS[1])
	if current == 0 then
		redis.call('EXPIRE', KEYS[1], ttl)
	end
	return {1, limit - current - 1, limit}
`)

// Allow 检查是否允许请求通过
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error) {
	now := time.Now().Unix()
	window := config.windowSeconds()

	var (
		values  []interface{}
		err     error
		resetAt int64
	)
	switch config.Algorithm {
	case FixedWindow:
		slot := now / window
		windowKey := "ratelimit:fixed:" + config.Prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)
		values, err = fixedWindowScript.Run(ctx, r.redis, []string{windowKey}, config.Limit, window+1).Slice()
		resetAt = (slot + 1) * window
	default:
		ratePerSecond := float64(config.Limit) / float64(window)
		bucketKey := "ratelimit:token:" + config.Prefix + ":" + key
		values, err = tokenBucketScript.Run(ctx, r.redis, []string{bucketKey}, config.Limit, ratePerSecond, now).Slice()
		resetAt = now + window
	}
	if err != nil {
		return nil, err
	}

	return &RateLimitResult{
		Allowed:   values[0].(int64) == 1,
		Remaining: int(values[1].(int64)),
		ResetAt:   resetAt,
		Limit:     int(values[2].(int64)),
	}, nil
}

// LocalRateLimiter keeps one token bucket per key in process memory. A bucket
// idle for a whole window is full again, so it is dropped on the next sweep.
type LocalRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
	now       func() time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error) {
	window := time.Duration(config.windowSeconds()) * time.Second
	bucketKey := config.Prefix + ":" + key

	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= window {
		l.sweep(now, window)
	}
	b, ok := l.buckets[bucketKey]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Every(window/time.Duration(max(config.Limit, 1))), config.Limit)}
		l.buckets[bucketKey] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	allowed := b.lim.AllowN(now, 1)
	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(int(b.lim.TokensAt(now)), 0),
		ResetAt:   now.Add(window).Unix(),
		Limit:     config.Limit,
	}, nil
}

// sweep drops buckets idle for at least window; callers hold l.mu
func (l *LocalRateLimiter) sweep(now time.Time, window time.Duration) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= window {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

// Len reports the number of live buckets
func (l *LocalRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit 限流中间件, keyed by client IP
func RateLimit(limiter RateLimiter, config *RateLimitConfig, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Allow(c.Request.Context(), c.ClientIP(), config)
		if err != nil {
			// Redis错误时，允许请求通过（降级策略）
			logger.Warn().Err(err).Msg("rate limiter unavailable")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": max(result.ResetAt-time.Now().Unix(), 0),
			})
			return
		}
		c.Next()
	}
}
