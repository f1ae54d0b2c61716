package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/persistence/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSQLiteTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.RateUsageModel{},
		&models.RateTargetLockModel{},
		&models.SyncRunLogModel{},
	))
	return db
}

func minuteHourLimits(minuteCap, hourCap int) []integration.WindowLimit {
	return []integration.WindowLimit{
		{Window: integration.RateWindowMinute, Span: time.Minute, Cap: minuteCap},
		{Window: integration.RateWindowHour, Span: time.Hour, Cap: hourCap},
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateUsageRepository_RecordAndCountSince(t *testing.T) {
	repo := NewRateUsageRepository(setupSQLiteTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, integration.NewUsageRecord("shop-a", integration.TierHigh, t0)))
	require.NoError(t, repo.Record(ctx, integration.NewUsageRecord("shop-a", integration.TierLow, t0.Add(30*time.Second))))
	require.NoError(t, repo.Record(ctx, integration.NewUsageRecord("shop-b", integration.TierLow, t0.Add(30*time.Second))))

	tests := []struct {
		name   string
		target integration.TargetCode
		since  time.Time
		want   int
	}{
		{"all of shop-a", "shop-a", t0.Add(-time.Second), 2},
		{"since is exclusive", "shop-a", t0, 1},
		{"after every record", "shop-a", t0.Add(time.Minute), 0},
		{"other target", "shop-b", t0.Add(-time.Second), 1},
		{"unknown target", "shop-z", t0.Add(-time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.CountSince(ctx, tt.target, tt.since)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRateUsageRepository_AdmitAndRecord(t *testing.T) {
	repo := NewRateUsageRepository(setupSQLiteTestDB(t))
	ctx := context.Background()
	limits := minuteHourLimits(3, 100)

	for i := 0; i < 3; i++ {
		admitted, usage, err := repo.AdmitAndRecord(ctx,
			integration.NewUsageRecord("shop-a", integration.TierHigh, t0.Add(time.Duration(i)*time.Second)), limits)
		require.NoError(t, err)
		require.True(t, admitted, "call %d", i+1)
		assert.Equal(t, i, usage[0].Count)
	}

	admitted, usage, err := repo.AdmitAndRecord(ctx,
		integration.NewUsageRecord("shop-a", integration.TierHigh, t0.Add(5*time.Second)), limits)
	require.NoError(t, err)
	assert.False(t, admitted)
	require.Len(t, usage, 2)
	assert.True(t, usage[0].Exhausted())
	assert.Equal(t, 3, usage[1].Count)

	count, err := repo.CountSince(ctx, "shop-a", t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, count, "a rejected admission records nothing")

	// t0 itself falls out of the minute window at t0+60s
	admitted, _, err = repo.AdmitAndRecord(ctx,
		integration.NewUsageRecord("shop-a", integration.TierHigh, t0.Add(time.Minute)), limits)
	require.NoError(t, err)
	assert.True(t, admitted)

	var lock models.RateTargetLockModel
	require.NoError(t, repo.db.First(&lock, "target = ?", "shop-a").Error)
	assert.Equal(t, int64(5), lock.Version)
}

func TestRateUsageRepository_AdmitAndRecord_HourCap(t *testing.T) {
	repo := NewRateUsageRepository(setupSQLiteTestDB(t))
	ctx := context.Background()
	limits := minuteHourLimits(100, 2)

	for i := 0; i < 2; i++ {
		admitted, _, err := repo.AdmitAndRecord(ctx,
			integration.NewUsageRecord("shop-a", integration.TierLow, t0.Add(time.Duration(i)*10*time.Minute)), limits)
		require.NoError(t, err)
		require.True(t, admitted)
	}

	admitted, usage, err := repo.AdmitAndRecord(ctx,
		integration.NewUsageRecord("shop-a", integration.TierLow, t0.Add(30*time.Minute)), limits)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.False(t, usage[0].Exhausted())
	assert.True(t, usage[1].Exhausted())
}

func TestRateUsageRepository_AdmitAndRecord_Concurrent(t *testing.T) {
	repo := NewRateUsageRepository(setupSQLiteTestDB(t))
	ctx := context.Background()
	limits := minuteHourLimits(5, 100)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := repo.AdmitAndRecord(ctx, integration.NewUsageRecord("shop-a", integration.TierHigh, t0), limits)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
}

func TestRateUsageRepository_AdmitAndRecord_ErrorRollsBack(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()
	repo := NewRateUsageRepository(db.DB)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "rate_target_locks"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "rate_target_locks"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(call_count\), 0\) as total FROM "rate_usage"`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, _, err := repo.AdmitAndRecord(context.Background(),
		integration.NewUsageRecord("shop-a", integration.TierHigh, t0), minuteHourLimits(5, 10))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateUsageRepository_PruneBefore(t *testing.T) {
	repo := NewRateUsageRepository(setupSQLiteTestDB(t))
	ctx := context.Background()

	for _, at := range []time.Time{t0.Add(-3 * time.Hour), t0.Add(-2 * time.Hour), t0} {
		require.NoError(t, repo.Record(ctx, integration.NewUsageRecord("shop-a", integration.TierLow, at)))
	}

	removed, err := repo.PruneBefore(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err := repo.CountSince(ctx, "shop-a", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
