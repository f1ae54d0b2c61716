package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/tiersync/backend/internal/interfaces/http/dto"
)

func TestAPIRateLimiter_AllowAndRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewAPIRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.Equal(t, 2, rl.Remaining("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.Equal(t, 1, rl.Remaining("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.Equal(t, 0, rl.Remaining("10.0.0.1"))

	// Keys are independent
	assert.True(t, rl.Allow("10.0.0.2"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.Equal(t, 1, rl.Sweep())
}

func TestRateLimit(t *testing.T) {
	rl := NewAPIRateLimiter(1, time.Hour)

	router := gin.New()
	router.Use(RequestID(), RateLimit(rl))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, dto.ErrCodeRateLimited, decodeResponse(t, w).Error.Code)
}

func TestRateLimitByKey(t *testing.T) {
	rl := NewAPIRateLimiter(1, time.Hour)

	router := gin.New()
	router.Use(RateLimitByKey(rl, func(c *gin.Context) string { return c.GetHeader("X-Operator") }))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(op string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Operator", op)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
}
