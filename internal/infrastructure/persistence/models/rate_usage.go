package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/tiersync/backend/internal/domain/integration"
)

// RateUsageModel is one admitted call in the usage ledger.
type RateUsageModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	Target    string    `gorm:"type:varchar(64);not null;index:idx_rate_usage_target_ts,priority:1"`
	Tier      string    `gorm:"type:varchar(10);not null"`
	CallCount int       `gorm:"not null"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_rate_usage_target_ts,priority:2;index:idx_rate_usage_ts"`
}

// TableName returns the table name for GORM
func (RateUsageModel) TableName() string {
	return "rate_usage"
}

// ToDomain converts the persistence model to a domain UsageRecord.
func (m *RateUsageModel) ToDomain() integration.UsageRecord {
	return integration.UsageRecord{
		ID:        m.ID,
		Target:    integration.TargetCode(m.Target),
		Tier:      integration.Tier(m.Tier),
		CallCount: m.CallCount,
		Timestamp: m.Timestamp,
	}
}

// RateUsageModelFromDomain creates a persistence model from a domain UsageRecord.
func RateUsageModelFromDomain(rec integration.UsageRecord) *RateUsageModel {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	count := rec.CallCount
	if count <= 0 {
		count = 1
	}
	return &RateUsageModel{
		ID:        id,
		Target:    rec.Target.String(),
		Tier:      rec.Tier.String(),
		CallCount: count,
		Timestamp: rec.Timestamp.UTC(),
	}
}

// RateTargetLockModel holds one row per target. Admission updates the row
// inside its transaction so concurrent admissions for a target queue on the
// row lock.
type RateTargetLockModel struct {
	Target    string    `gorm:"type:varchar(64);primary_key"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (RateTargetLockModel) TableName() string {
	return "rate_target_locks"
}
