package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chat-server/internal/observability"

	"github.com/gin-gonic/gin"
)

// Counter is the increment primitive the limiter counts against.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Limiter is a fixed-window request limiter backed by a shared counter, so
// the window holds across all server replicas. It fails open: when the
// counter is unreachable the request goes through, because dropping provider
// webhooks is worse than briefly exceeding the window.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	logger  *observability.Logger
}

func New(counter Counter, limit int64, window time.Duration, logger *observability.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

// Allow counts one request against the key's current window and reports
// whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	counterKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := l.counter.Incr(ctx, counterKey)
	if err != nil {
		l.logger.Warn(ctx, fmt.Sprintf("rate limit check failed, allowing request: %v", err))
		return true
	}
	if count == 1 {
		if err := l.counter.Expire(ctx, counterKey, l.window); err != nil {
			l.logger.Warn(ctx, fmt.Sprintf("failed to set rate limit window: %v", err))
		}
	}
	return count <= l.limit
}

// Middleware limits requests per provider path segment.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "webhook:" + c.Param("provider")

		if !l.Allow(ctx, key) {
			l.logger.Warn(ctx, "rate limit exceeded",
				observability.Field{Key: "key", Value: key},
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
