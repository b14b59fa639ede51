package middleware

import (
	"strconv"
	"time"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/errutil"
	"clickbloom-license/pkg/rediskey"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window per-client limiter kept in Redis. With no
// Redis client or a zero limit every request passes.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(rdb *redis.Client, cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  cfg.RateLimit.Requests,
		window: cfg.RateLimit.Window,
		now:    time.Now,
	}
}

func (l *RateLimiter) enabled() bool {
	return l != nil && l.rdb != nil && l.limit > 0 && l.window > 0
}

func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.enabled() {
			c.Next()
			return
		}

		now := l.now()
		window := now.UnixNano() / int64(l.window)
		key := rediskey.BuildRateLimitKey(c.FullPath(), c.ClientIP(), window)
		ctx := c.Request.Context()

		pipe := l.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window)
		if _, err := pipe.Exec(ctx); err != nil {
			// Keep serving when Redis is down.
			zap.L().Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		count := incr.Val()
		remaining := int64(l.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(l.limit) {
			reset := time.Unix(0, (window+1)*int64(l.window))
			c.Header("Retry-After", strconv.Itoa(int(reset.Sub(now).Seconds())+1))
			Abort(c, errutil.TooManyRequest("rate limit exceeded", nil, errutil.WithReason("rate_limited")))
			return
		}

		c.Next()
	}
}
