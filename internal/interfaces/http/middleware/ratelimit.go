package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
	"github.com/tiersync/backend/internal/interfaces/http/dto"
)

// APIRateLimiter throttles admin API callers with fixed windows per key.
// It shares the window counters used for target pacing.
type APIRateLimiter struct {
	counters *ratelimit.WindowCounters
	limit    int
	now      func() time.Time
}

// NewAPIRateLimiter creates a limiter allowing limit requests per window
func NewAPIRateLimiter(limit int, window time.Duration) *APIRateLimiter {
	return &APIRateLimiter{
		counters: ratelimit.NewWindowCounters(window),
		limit:    limit,
		now:      time.Now,
	}
}

// Allow records one request for key if the window has room
func (rl *APIRateLimiter) Allow(key string) bool {
	return rl.counters.TryIncrement(key, rl.limit, rl.now())
}

// Remaining returns how many requests key may still make in this window
func (rl *APIRateLimiter) Remaining(key string) int {
	left := rl.limit - rl.counters.Snapshot(key, rl.now()).Count
	if left < 0 {
		return 0
	}
	return left
}

// Sweep drops idle keys; call it periodically
func (rl *APIRateLimiter) Sweep() int {
	return rl.counters.Sweep(rl.now())
}

// RateLimit returns a middleware keyed by client IP
func RateLimit(limiter *APIRateLimiter) gin.HandlerFunc {
	return RateLimitByKey(limiter, func(c *gin.Context) string { return c.ClientIP() })
}

// RateLimitByKey returns a rate limiting middleware with custom key extractor
func RateLimitByKey(limiter *APIRateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)

		if !limiter.Allow(key) {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRateLimited,
				"Too many requests. Please try again later.",
				GetRequestID(c),
			))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
		c.Next()
	}
}
