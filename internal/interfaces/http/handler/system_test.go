package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h gin.HandlerFunc, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	h(c)
	return w
}

func TestSystemHandler_GetSystemInfo(t *testing.T) {
	h := NewSystemHandler("tiersync", "1.2.0")

	w := serve(h.GetSystemInfo, http.MethodGet, "/system/info")

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "tiersync", data["name"])
	assert.Equal(t, "1.2.0", data["version"])
	assert.NotEmpty(t, data["go_version"])
	assert.NotEmpty(t, data["uptime"])
}

func TestSystemHandler_Ping(t *testing.T) {
	w := serve(NewSystemHandler("tiersync", "dev").Ping, http.MethodGet, "/system/ping")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", decode(t, w).Data.(map[string]any)["message"])
}

func TestSystemHandler_Health(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	t.Run("no checks", func(t *testing.T) {
		w := serve(NewSystemHandler("tiersync", "dev").Health, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("all healthy", func(t *testing.T) {
		h := NewSystemHandler("tiersync", "dev").AddCheck("database", ok).AddCheck("redis", ok)
		w := serve(h.Health, http.MethodGet, "/health")

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.True(t, resp.Success)
		checks := resp.Data.(map[string]any)["checks"].(map[string]any)
		assert.Equal(t, "ok", checks["database"])
		assert.Equal(t, "ok", checks["redis"])
	})

	t.Run("one failing", func(t *testing.T) {
		h := NewSystemHandler("tiersync", "dev").AddCheck("database", ok).AddCheck("redis", down)
		w := serve(h.Health, http.MethodGet, "/health")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode(t, w)
		assert.False(t, resp.Success)
		data := resp.Data.(map[string]any)
		assert.Equal(t, "unhealthy", data["status"])
		require.Contains(t, data, "checks")
		assert.Equal(t, "error", data["checks"].(map[string]any)["redis"])
	})
}
