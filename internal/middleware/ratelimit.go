package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/pkg/apperrors"
	"golang.org/x/time/rate"
)

const maxLimiters = 10000

// RateLimiter hands out one token bucket per caller. Buyers are keyed by the
// :buyer route param, everyone else by client IP. Least recently seen
// callers are forgotten past maxLimiters.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *simplelru.LRU
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	lru, _ := simplelru.NewLRU(maxLimiters, nil)
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(cfg.QPS),
		burst:    burst,
		limiters: lru,
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.limiters.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(key, lim)
	return lim
}

func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// RateLimitMiddleware is a no-op when QPS is not positive.
func RateLimitMiddleware(l *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.limit <= 0 {
			c.Next()
			return
		}

		key := c.Param("buyer")
		if key == "" {
			key = c.ClientIP()
		}
		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.Error(apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
