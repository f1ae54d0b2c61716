package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/config"
)

type stubConnector struct{}

func (stubConnector) IsEnabled(context.Context) bool { return true }
func (stubConnector) SyncHigh(context.Context) (integration.Metrics, error) {
	return integration.Metrics{TotalCount: 1}, nil
}
func (stubConnector) SyncMedium(context.Context) (integration.Metrics, error) {
	return integration.Metrics{}, nil
}
func (stubConnector) SyncLow(context.Context) (integration.Metrics, error) {
	return integration.Metrics{}, nil
}

func testTargets() []config.TargetConfig {
	return []config.TargetConfig{
		{Code: "shopee", Enabled: true, PerMinuteLimit: 30, PerHourLimit: 1000,
			Connector: KindHTTP, BaseURL: "https://gw.example.com", AppKey: "k", AppSecret: "s"},
		{Code: "lazada", Enabled: false, PerMinuteLimit: 20, PerHourLimit: 500,
			Connector: KindHTTP, BaseURL: "https://gw.example.com", AppKey: "k", AppSecret: "s"},
		{Code: "tokopedia", Enabled: true, PerMinuteLimit: 0, PerHourLimit: 500},
		{Code: "jd", Enabled: true, PerMinuteLimit: 10, PerHourLimit: 100,
			Connector: KindHTTP, BaseURL: "https://gw.example.com"},
		{Code: "inproc", Enabled: true, PerMinuteLimit: 10, PerHourLimit: 100},
	}
}

func TestStaticRegistry_TargetsAndEnabled(t *testing.T) {
	r := NewStaticRegistry(testTargets(), WithConnector("inproc", stubConnector{}))

	policies, err := r.Targets(context.Background())
	require.NoError(t, err)
	codes := make([]integration.TargetCode, len(policies))
	for i, p := range policies {
		codes[i] = p.Target
	}
	assert.Equal(t, []integration.TargetCode{"shopee", "lazada", "tokopedia", "jd", "inproc"}, codes)

	assert.True(t, r.IsEnabled("shopee"))
	assert.False(t, r.IsEnabled("lazada"))
	assert.False(t, r.IsEnabled("unknown"))
}

func TestStaticRegistry_Connector(t *testing.T) {
	r := NewStaticRegistry(testTargets(), WithConnector("inproc", stubConnector{}))

	tests := []struct {
		name      string
		target    integration.TargetCode
		wantType  any
		wantErrIs error
	}{
		{"http connector", "shopee", &HTTPConnector{}, nil},
		{"injected connector", "inproc", stubConnector{}, nil},
		{"no connector kind", "tokopedia", nil, integration.ErrConfiguration},
		{"missing credentials", "jd", nil, ErrGatewayMissingAppKey},
		{"unknown target", "unknown", nil, integration.ErrTargetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Connector(tt.target)
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
				assert.ErrorIs(t, err, integration.ErrConfiguration)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, c)
		})
	}
}

func TestStaticRegistry_Policy(t *testing.T) {
	r := NewStaticRegistry(testTargets())

	p, err := r.Policy("shopee")
	require.NoError(t, err)
	assert.Equal(t, 30, p.PerMinuteLimit)
	assert.Equal(t, 1000, p.PerHourLimit)

	_, err = r.Policy("tokopedia")
	assert.ErrorIs(t, err, integration.ErrConfiguration)

	_, err = r.Policy("unknown")
	assert.ErrorIs(t, err, integration.ErrTargetNotFound)
}

func TestStaticRegistry_WarnsOncePerTarget(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	r := NewStaticRegistry(testTargets(), WithLogger(zap.New(core)))

	for i := 0; i < 3; i++ {
		_, _ = r.Connector("jd")
		_, _ = r.Policy("tokopedia")
	}

	logs := recorded.FilterMessage("Target configuration invalid; target will be skipped").All()
	require.Len(t, logs, 2)
	assert.Equal(t, "jd", logs[0].ContextMap()["target"])
	assert.Equal(t, "tokopedia", logs[1].ContextMap()["target"])
}
