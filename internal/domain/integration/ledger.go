package integration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Rate windows
// ---------------------------------------------------------------------------

// RateWindow names a trailing admission window
type RateWindow string

const (
	RateWindowMinute RateWindow = "MINUTE"
	RateWindowHour   RateWindow = "HOUR"
)

// WindowLimit is the cap for one trailing window
type WindowLimit struct {
	Window RateWindow
	Span   time.Duration
	Cap    int
}

// WindowUsage is the count observed in one window at decision time
type WindowUsage struct {
	Window RateWindow `json:"window"`
	Count  int        `json:"count"`
	Cap    int        `json:"cap"`
}

// Exhausted returns true if no further call fits in the window
func (u WindowUsage) Exhausted() bool {
	return u.Count >= u.Cap
}

// EvaluateWindows pairs limits with counts and reports whether every window
// has headroom. counts[i] belongs to limits[i].
func EvaluateWindows(limits []WindowLimit, counts []int) (bool, []WindowUsage) {
	usage := make([]WindowUsage, len(limits))
	admitted := true
	for i, l := range limits {
		usage[i] = WindowUsage{Window: l.Window, Count: counts[i], Cap: l.Cap}
		if usage[i].Exhausted() {
			admitted = false
		}
	}
	return admitted, usage
}

// ---------------------------------------------------------------------------
// UsageRecord
// ---------------------------------------------------------------------------

// UsageRecord is one admitted call. It is created on admission and never updated.
type UsageRecord struct {
	ID        uuid.UUID
	Target    TargetCode
	Tier      Tier
	CallCount int
	Timestamp time.Time
}

// NewUsageRecord creates a single-call record
func NewUsageRecord(target TargetCode, tier Tier, at time.Time) UsageRecord {
	return UsageRecord{
		ID:        uuid.New(),
		Target:    target,
		Tier:      tier,
		CallCount: 1,
		Timestamp: at,
	}
}

// ---------------------------------------------------------------------------
// Ledger ports
// ---------------------------------------------------------------------------

// UsageLedger is the append-only log of admitted calls.
// Implementations must be safe for concurrent use.
type UsageLedger interface {
	// Record appends rec.
	Record(ctx context.Context, rec UsageRecord) error
	// CountSince sums the call counts of target recorded strictly after since.
	CountSince(ctx context.Context, target TargetCode, since time.Time) (int, error)
}

// AdmissionLedger is a UsageLedger that can count and record in one atomic step.
// Shared stores (database, Redis) implement it so that admission stays
// correct across processes.
type AdmissionLedger interface {
	UsageLedger
	// AdmitAndRecord counts usage for rec.Target in every window ending at
	// rec.Timestamp and appends rec only when every window has headroom.
	AdmitAndRecord(ctx context.Context, rec UsageRecord, limits []WindowLimit) (bool, []WindowUsage, error)
}

// UsagePruner deletes usage records older than a retention horizon
type UsagePruner interface {
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// ---------------------------------------------------------------------------
// Run log port
// ---------------------------------------------------------------------------

// RunLogFilter narrows run log queries
type RunLogFilter struct {
	Tier     Tier
	Status   RunStatus
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// RunLogRepository persists SyncRunResults
type RunLogRepository interface {
	Save(ctx context.Context, result *SyncRunResult) error
	FindByID(ctx context.Context, id uuid.UUID) (*SyncRunResult, error)
	List(ctx context.Context, filter RunLogFilter) ([]*SyncRunResult, int64, error)
	LatestByTier(ctx context.Context, tier Tier) (*SyncRunResult, error)
}

// ---------------------------------------------------------------------------
// Run lock port
// ---------------------------------------------------------------------------

// RunLock keeps two runs of the same tier from overlapping, across processes
// when the implementation is shared.
type RunLock interface {
	// TryAcquire takes the tier lock for owner. It returns false, without
	// error, when another owner holds an unexpired lock.
	TryAcquire(ctx context.Context, tier Tier, owner string, ttl time.Duration) (bool, error)
	// Release drops the lock if owner still holds it
	Release(ctx context.Context, tier Tier, owner string) error
}

// RunArchive stores finalized run results outside the run log
type RunArchive interface {
	Archive(ctx context.Context, result *SyncRunResult) error
}
