package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tiersync/backend/internal/infrastructure/auth"
	"github.com/tiersync/backend/internal/infrastructure/config"
	"github.com/tiersync/backend/internal/infrastructure/logger"
	"github.com/tiersync/backend/internal/interfaces/http/dto"
)

func newTestJWTService() *auth.JWTService {
	return auth.NewJWTService(config.JWTConfig{
		Secret:                "test-secret-key-at-least-32-chars",
		AccessTokenExpiration: 15 * time.Minute,
		Issuer:                "tiersync-test",
	})
}

func mustToken(t *testing.T, svc *auth.JWTService, operator string, perms ...string) string {
	t.Helper()
	tok, err := svc.GenerateToken(operator, perms, 0)
	require.NoError(t, err)
	return tok.AccessToken
}

func authedRouter(svc *auth.JWTService, handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), JWTAuthMiddleware(svc))
	final := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": GetOperator(c)})
	}
	router.GET("/health", final)
	router.GET("/api/v1/sync/stats", append(handlers, final)...)
	return router
}

func TestJWTAuthMiddleware_ValidToken(t *testing.T) {
	svc := newTestJWTService()
	token := mustToken(t, svc, "alice", auth.PermissionSyncRead)

	router := gin.New()
	router.Use(JWTAuthMiddleware(svc))
	router.GET("/test", func(c *gin.Context) {
		claims := GetJWTClaims(c)
		require.NotNil(t, claims)
		assert.Equal(t, "alice", claims.Operator)
		assert.Equal(t, "alice", GetOperator(c))
		assert.NotNil(t, logger.FromContext(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuthMiddleware_Rejections(t *testing.T) {
	svc := newTestJWTService()
	other := auth.NewJWTService(config.JWTConfig{
		Secret:                "another-secret-key-at-least-32-chars",
		AccessTokenExpiration: time.Minute,
		Issuer:                "tiersync-test",
	})
	foreignIssuer := auth.NewJWTService(config.JWTConfig{
		Secret:                "test-secret-key-at-least-32-chars",
		AccessTokenExpiration: time.Minute,
		Issuer:                "someone-else",
	})

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing header", "", dto.ErrCodeUnauthorized},
		{"not bearer", "Basic abc", dto.ErrCodeUnauthorized},
		{"empty token", "Bearer ", dto.ErrCodeUnauthorized},
		{"garbage", "Bearer not.a.jwt", dto.ErrCodeTokenInvalid},
		{"foreign secret", "Bearer " + mustToken(t, other, "alice"), dto.ErrCodeTokenInvalid},
		{"foreign issuer", "Bearer " + mustToken(t, foreignIssuer, "alice"), dto.ErrCodeTokenInvalid},
	}

	router := authedRouter(svc)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/stats", nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.RequestID)
		})
	}
}

func TestJWTAuthMiddleware_SkipPaths(t *testing.T) {
	router := authedRouter(newTestJWTService())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuthMiddleware_LogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := DefaultJWTConfig(newTestJWTService())
	cfg.Logger = zap.New(core)

	router := gin.New()
	router.Use(JWTAuthMiddlewareWithConfig(cfg))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "/x", logs.All()[0].ContextMap()["path"])
}

func TestRequirePermission(t *testing.T) {
	svc := newTestJWTService()
	router := authedRouter(svc, RequirePermission(auth.PermissionSyncRead, nil))

	t.Run("granted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/stats", nil)
		req.Header.Set(AuthHeaderKey, BearerPrefix+mustToken(t, svc, "alice", auth.PermissionSyncRead))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "alice")
	})

	t.Run("denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/stats", nil)
		req.Header.Set(AuthHeaderKey, BearerPrefix+mustToken(t, svc, "bob", auth.PermissionSyncTrigger))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, dto.ErrCodeForbidden, decodeResponse(t, w).Error.Code)
	})

	t.Run("without authentication", func(t *testing.T) {
		r := gin.New()
		r.GET("/x", RequirePermission(auth.PermissionSyncRead, zap.NewNop()), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
