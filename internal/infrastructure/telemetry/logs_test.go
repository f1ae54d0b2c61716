package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiersync/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNewLoggerProvider_Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := telemetry.LogsConfig{Enabled: false, ServiceName: "tiersync-test"}

	lp, err := telemetry.NewLoggerProvider(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, lp.IsEnabled())
	assert.Equal(t, cfg, lp.GetConfig())
	assert.NoError(t, lp.ForceFlush(ctx))
	assert.NoError(t, lp.Shutdown(ctx))
	assert.NoError(t, lp.Shutdown(ctx))

	core := lp.ZapCore(zapcore.InfoLevel)
	assert.False(t, core.Enabled(zapcore.ErrorLevel))
}

func TestLoggerProvider_ZapCoreNilProvider(t *testing.T) {
	var lp *telemetry.LoggerProvider
	assert.False(t, lp.ZapCore(zapcore.DebugLevel).Enabled(zapcore.ErrorLevel))
}

func TestLoggerProvider_ZapCoreLevelFilter(t *testing.T) {
	ctx := context.Background()
	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           true,
		CollectorEndpoint: "localhost:4317",
		ServiceName:       "tiersync-test",
		Insecure:          true,
	}, zap.NewNop())
	require.NoError(t, err, "gRPC exporters connect lazily")
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 0)
		defer cancel()
		_ = lp.Shutdown(shutdownCtx)
	})

	warn := lp.ZapCore(zapcore.WarnLevel)
	assert.False(t, warn.Enabled(zapcore.InfoLevel))
	assert.True(t, warn.Enabled(zapcore.ErrorLevel))

	child := warn.With([]zapcore.Field{zap.String("tier", "HIGH")})
	assert.False(t, child.Enabled(zapcore.InfoLevel))

	entry := zapcore.Entry{Level: zapcore.InfoLevel, Message: "filtered"}
	assert.Nil(t, warn.Check(entry, nil))

	debug := lp.ZapCore(zapcore.DebugLevel)
	assert.True(t, debug.Enabled(zapcore.DebugLevel))
}
