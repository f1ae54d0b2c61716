package integration

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/config"
	"github.com/tiersync/backend/internal/infrastructure/connector"
	"github.com/tiersync/backend/internal/infrastructure/persistence"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
)

func TestMain(m *testing.M) {
	code := m.Run()
	CleanupSharedContainer()
	os.Exit(code)
}

// TestRateUsageRepository_ConcurrentAdmission checks that limiters in
// separate goroutines sharing one database never exceed the tier budget.
func TestRateUsageRepository_ConcurrentAdmission(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewSharedTestDB(t)
	testDB.CleanTables()
	t.Cleanup(testDB.CleanTables)

	registry := connector.NewStaticRegistry([]config.TargetConfig{
		{Code: "shop-a", Enabled: true, PerMinuteLimit: 10, PerHourLimit: 100},
	})
	tiers := integration.DefaultPriorityTierManager()
	ledger := persistence.NewRateUsageRepository(testDB.DB)
	ctx := context.Background()

	// Two processes: each limiter has its own in-process mutex
	limiters := []*ratelimit.RateLimiter{
		ratelimit.NewRateLimiter(ledger, registry, tiers, ratelimit.WithLogger(zaptest.NewLogger(t))),
		ratelimit.NewRateLimiter(ledger, registry, tiers, ratelimit.WithLogger(zaptest.NewLogger(t))),
	}

	const attempts = 30
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(l *ratelimit.RateLimiter) {
			defer wg.Done()
			d, err := l.TryAdmit(ctx, "shop-a", integration.TierHigh)
			if !assert.NoError(t, err) {
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(limiters[i%len(limiters)])
	}
	wg.Wait()

	// floor(0.8 * 10)
	assert.Equal(t, 8, admitted)

	count, err := ledger.CountSince(ctx, "shop-a", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	d, err := limiters[0].TryAdmit(ctx, "shop-a", integration.TierHigh)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, integration.ReasonRateLimitMinute, d.Reason)
}

func TestRateUsageRepository_WindowsAndPrune(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewSharedTestDB(t)
	testDB.CleanTables()
	t.Cleanup(testDB.CleanTables)

	ledger := persistence.NewRateUsageRepository(testDB.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, age := range []time.Duration{30 * time.Second, 90 * time.Second, 2 * time.Hour} {
		require.NoError(t, ledger.Record(ctx, integration.NewUsageRecord("shop-b", integration.TierLow, now.Add(-age))))
	}

	t.Run("counts strictly after since", func(t *testing.T) {
		n, err := ledger.CountSince(ctx, "shop-b", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = ledger.CountSince(ctx, "shop-b", now.Add(-90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = ledger.CountSince(ctx, "shop-b", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("other targets are not counted", func(t *testing.T) {
		n, err := ledger.CountSince(ctx, "shop-c", now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("prune removes records older than the horizon", func(t *testing.T) {
		deleted, err := ledger.PruneBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		n, err := ledger.CountSince(ctx, "shop-b", now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
