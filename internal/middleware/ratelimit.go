package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/metrics"
	"github.com/iconic-events/backend/pkg/response"
)

// Limiter counts hits per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter shares its counters across server instances.
type RedisLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit hits per window per key.
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: client, limit: int64(limit), window: window}
}

// Allow increments the key's counter, starting its window on first hit.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := "ratelimit:" + key
	count, err := r.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, k, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= r.limit, nil
}

// MemoryLimiter keeps counters in process, for single-instance deployments without Redis.
type MemoryLimiter struct {
	cache  *gocache.Cache
	limit  int64
	window time.Duration
}

// NewMemoryLimiter allows limit hits per window per key.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cache:  gocache.New(window, 2*window),
		limit:  int64(limit),
		window: window,
	}
}

// Allow increments the key's counter, starting its window on first hit.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if err := m.cache.Add(key, int64(1), m.window); err == nil {
		return 1 <= m.limit, nil
	}
	count, err := m.cache.IncrementInt64(key, 1)
	if err != nil {
		// Expired between Add and Increment: start a new window.
		m.cache.Set(key, int64(1), m.window)
		count = 1
	}
	return count <= m.limit, nil
}

// RateLimit rejects callers over the limiter's budget with 429. Authenticated callers are keyed by
// user id, others by client IP. Limiter errors fail open.
func RateLimit(scope string, limiter Limiter, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		id := "ip:" + c.ClientIP()
		if uid, ok := c.Get(ContextUserID); ok {
			id = fmt.Sprintf("user:%v", uid)
		}
		allowed, err := limiter.Allow(c.Request.Context(), scope+":"+id)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			metrics.ObserveRateLimited(scope)
			response.TooManyRequests(c, "rate limit exceeded, please try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}
