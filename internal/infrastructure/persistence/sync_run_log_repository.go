package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRunLogPageSize = 20
	maxRunLogPageSize     = 100
)

// SyncRunLogRepository implements integration.RunLogRepository
type SyncRunLogRepository struct {
	db *gorm.DB
}

// NewSyncRunLogRepository creates a new run log repository
func NewSyncRunLogRepository(db *gorm.DB) *SyncRunLogRepository {
	return &SyncRunLogRepository{db: db}
}

var _ integration.RunLogRepository = (*SyncRunLogRepository)(nil)

// Save inserts the run or overwrites the stored copy of it
func (r *SyncRunLogRepository) Save(ctx context.Context, result *integration.SyncRunResult) error {
	model, err := models.SyncRunLogModelFromDomain(result)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "completed_at", "error",
				"total", "succeeded", "skipped", "throttled", "failed",
				"results", "updated_at",
			}),
		}).
		Create(model).Error
}

// FindByID retrieves a run by its ID
func (r *SyncRunLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*integration.SyncRunResult, error) {
	var model models.SyncRunLogModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrRunNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// List returns one page of runs, newest first, with the total match count
func (r *SyncRunLogRepository) List(ctx context.Context, filter integration.RunLogFilter) ([]*integration.SyncRunResult, int64, error) {
	base := func() *gorm.DB {
		return r.applyFilter(r.db.WithContext(ctx).Model(&models.SyncRunLogModel{}), filter)
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)

	var rows []models.SyncRunLogModel
	if err := base().
		Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	results := make([]*integration.SyncRunResult, 0, len(rows))
	for i := range rows {
		res, err := rows[i].ToDomain()
		if err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, nil
}

// LatestByTier returns the most recently started run of tier
func (r *SyncRunLogRepository) LatestByTier(ctx context.Context, tier integration.Tier) (*integration.SyncRunResult, error) {
	var model models.SyncRunLogModel
	err := r.db.WithContext(ctx).
		Where("tier = ?", tier.String()).
		Order("started_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrRunNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

func (r *SyncRunLogRepository) applyFilter(query *gorm.DB, filter integration.RunLogFilter) *gorm.DB {
	if filter.Tier != "" {
		query = query.Where("tier = ?", filter.Tier.String())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.From != nil {
		query = query.Where("started_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("started_at < ?", filter.To.UTC())
	}
	return query
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = defaultRunLogPageSize
	case pageSize > maxRunLogPageSize:
		pageSize = maxRunLogPageSize
	}
	return page, pageSize
}
