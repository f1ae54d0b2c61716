package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tiersync/backend/internal/domain/integration"
)

// SyncRunLogModel is the persistence model for a SyncRunResult.
type SyncRunLogModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key"`
	Tier        string     `gorm:"type:varchar(10);not null;index:idx_sync_run_log_tier_started,priority:1"`
	Status      string     `gorm:"type:varchar(20);not null;index"`
	StartedAt   time.Time  `gorm:"not null;index:idx_sync_run_log_tier_started,priority:2"`
	CompletedAt *time.Time `gorm:""`
	Error       string     `gorm:"type:text"`
	Total       int        `gorm:"not null"`
	Succeeded   int        `gorm:"not null"`
	Skipped     int        `gorm:"not null"`
	Throttled   int        `gorm:"not null"`
	Failed      int        `gorm:"not null"`
	ResultsJSON string     `gorm:"type:jsonb;column:results;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncRunLogModel) TableName() string {
	return "sync_run_log"
}

// ToDomain converts the persistence model to a domain SyncRunResult.
func (m *SyncRunLogModel) ToDomain() (*integration.SyncRunResult, error) {
	var outcomes []integration.TargetOutcome
	if m.ResultsJSON != "" {
		if err := json.Unmarshal([]byte(m.ResultsJSON), &outcomes); err != nil {
			return nil, fmt.Errorf("decode results of run %s: %w", m.ID, err)
		}
	}
	return integration.RestoreSyncRunResult(
		m.ID,
		integration.Tier(m.Tier),
		integration.RunStatus(m.Status),
		m.StartedAt,
		m.CompletedAt,
		m.Error,
		outcomes,
	), nil
}

// SyncRunLogModelFromDomain creates a persistence model from a domain SyncRunResult.
func SyncRunLogModelFromDomain(r *integration.SyncRunResult) (*SyncRunLogModel, error) {
	results, err := json.Marshal(r.Outcomes())
	if err != nil {
		return nil, fmt.Errorf("encode results of run %s: %w", r.ID, err)
	}

	var completedAt *time.Time
	if r.CompletedAt != nil {
		at := r.CompletedAt.UTC()
		completedAt = &at
	}

	summary := r.Summary()
	now := time.Now().UTC()
	return &SyncRunLogModel{
		ID:          r.ID,
		Tier:        r.Tier.String(),
		Status:      string(r.Status),
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: completedAt,
		Error:       r.Error,
		Total:       summary.Total,
		Succeeded:   summary.Succeeded,
		Skipped:     summary.Skipped,
		Throttled:   summary.Throttled,
		Failed:      summary.Failed,
		ResultsJSON: string(results),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
