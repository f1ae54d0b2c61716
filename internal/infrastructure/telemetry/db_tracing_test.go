package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type usageRow struct {
	ID     uint   `gorm:"primaryKey"`
	Target string `gorm:"size:64"`
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usageRow{}))
	return db
}

func TestNewDBTracingPlugin_Defaults(t *testing.T) {
	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop())
	assert.Equal(t, 200*time.Millisecond, p.config.SlowQueryThresh)
	assert.Equal(t, "postgresql", p.config.DBSystem)
	assert.False(t, DefaultDBTracingConfig().LogFullSQL)
}

func TestDBTracingPlugin_RegisterDisabled(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewDBTracingPlugin(DefaultDBTracingConfig(), zap.NewNop()).Register(db))
	assert.Nil(t, db.Callback().Create().Get("otel_slow_query:create"))
}

func TestDBTracingPlugin_RegisterEnabled(t *testing.T) {
	db := setupTestDB(t)
	cfg := DefaultDBTracingConfig()
	cfg.Enabled = true
	cfg.DBSystem = "sqlite"

	require.NoError(t, NewDBTracingPlugin(cfg, zap.NewNop()).Register(db))
	assert.NotNil(t, db.Callback().Create().Get("otel_slow_query:create"))
	assert.NotNil(t, db.Callback().Raw().Get("otel_timing:before_raw"))

	assert.Error(t, NewDBTracingPlugin(cfg, zap.NewNop()).Register(db), "otelgorm cannot be registered twice")
}

func TestSlowQueryCallback(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true, SlowQueryThresh: 10 * time.Millisecond}, zap.NewNop())
	db := setupTestDB(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "ledger.count")
	ctx = context.WithValue(ctx, queryStartTimeKey, time.Now().Add(-50*time.Millisecond))

	stmt := db.Session(&gorm.Session{NewDB: true})
	stmt.Statement.Context = ctx
	stmt.Statement.Table = "rate_usage"
	stmt.Statement.RowsAffected = 4
	stmt.Error = assert.AnError
	p.slowQueryCallback(stmt)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, a := range spans[0].Attributes() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "rate_usage", attrs["db.sql.table"].AsString())
	assert.Equal(t, int64(4), attrs["db.rows_affected"].AsInt64())
	assert.True(t, attrs["db.slow_query"].AsBool())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var names []string
	for _, e := range spans[0].Events() {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "slow_query_warning")
}

func TestSlowQueryCallback_NoContext(t *testing.T) {
	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop())
	db := setupTestDB(t)
	stmt := db.Session(&gorm.Session{NewDB: true})
	stmt.Statement.Context = nil
	assert.NotPanics(t, func() { p.slowQueryCallback(stmt) })
}
