package persistence

import (
	"context"
	"time"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateUsageRepository is the database-backed usage ledger. It implements
// integration.AdmissionLedger and integration.UsagePruner.
type RateUsageRepository struct {
	db *gorm.DB
}

// NewRateUsageRepository creates a new rate usage repository
func NewRateUsageRepository(db *gorm.DB) *RateUsageRepository {
	return &RateUsageRepository{db: db}
}

var (
	_ integration.AdmissionLedger = (*RateUsageRepository)(nil)
	_ integration.UsagePruner     = (*RateUsageRepository)(nil)
)

// Record appends a usage record without checking any window
func (r *RateUsageRepository) Record(ctx context.Context, rec integration.UsageRecord) error {
	return r.db.WithContext(ctx).Create(models.RateUsageModelFromDomain(rec)).Error
}

// CountSince sums the call counts of target recorded strictly after since
func (r *RateUsageRepository) CountSince(ctx context.Context, target integration.TargetCode, since time.Time) (int, error) {
	return sumCallsSince(r.db.WithContext(ctx), target, since)
}

// AdmitAndRecord locks the target row, counts every window and inserts rec
// when all windows have headroom, all in one transaction.
func (r *RateUsageRepository) AdmitAndRecord(ctx context.Context, rec integration.UsageRecord, limits []integration.WindowLimit) (bool, []integration.WindowUsage, error) {
	var (
		admitted bool
		usage    []integration.WindowUsage
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTarget(tx, rec.Target, rec.Timestamp); err != nil {
			return err
		}

		counts := make([]int, len(limits))
		for i, l := range limits {
			n, err := sumCallsSince(tx, rec.Target, rec.Timestamp.Add(-l.Span))
			if err != nil {
				return err
			}
			counts[i] = n
		}

		admitted, usage = integration.EvaluateWindows(limits, counts)
		if !admitted {
			return nil
		}
		return tx.Create(models.RateUsageModelFromDomain(rec)).Error
	})
	if err != nil {
		return false, nil, err
	}
	return admitted, usage, nil
}

// PruneBefore deletes usage records older than before
func (r *RateUsageRepository) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where(`"timestamp" < ?`, before.UTC()).
		Delete(&models.RateUsageModel{})
	return result.RowsAffected, result.Error
}

func sumCallsSince(db *gorm.DB, target integration.TargetCode, since time.Time) (int, error) {
	var result struct {
		Total int
	}
	err := db.Model(&models.RateUsageModel{}).
		Select("COALESCE(SUM(call_count), 0) as total").
		Where(`target = ? AND "timestamp" > ?`, target.String(), since.UTC()).
		Scan(&result).Error
	return result.Total, err
}

// lockTarget makes sure the lock row exists and then updates it, which holds
// the row lock until the surrounding transaction ends.
func lockTarget(tx *gorm.DB, target integration.TargetCode, at time.Time) error {
	row := models.RateTargetLockModel{Target: target.String(), UpdatedAt: at.UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	return tx.Model(&models.RateTargetLockModel{}).
		Where("target = ?", target.String()).
		UpdateColumns(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"updated_at": at.UTC(),
		}).Error
}
