package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tiersync/backend/internal/domain/integration"
)

// MemoryLedger is an in-process UsageLedger. Admission is atomic within one
// process only; use the database or Redis ledger when several scheduler
// processes share targets.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[integration.TargetCode][]integration.UsageRecord
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[integration.TargetCode][]integration.UsageRecord),
	}
}

// Record appends rec
func (l *MemoryLedger) Record(_ context.Context, rec integration.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[rec.Target] = append(l.records[rec.Target], rec)
	return nil
}

// CountSince sums call counts of target recorded after since
func (l *MemoryLedger) CountSince(_ context.Context, target integration.TargetCode, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.countSince(target, since), nil
}

// AdmitAndRecord checks every window and appends rec under one lock
func (l *MemoryLedger) AdmitAndRecord(_ context.Context, rec integration.UsageRecord, limits []integration.WindowLimit) (bool, []integration.WindowUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make([]int, len(limits))
	for i, lim := range limits {
		counts[i] = l.countSince(rec.Target, rec.Timestamp.Add(-lim.Span))
	}

	admitted, usage := integration.EvaluateWindows(limits, counts)
	if admitted {
		l.records[rec.Target] = append(l.records[rec.Target], rec)
	}
	return admitted, usage, nil
}

// PruneBefore removes records older than before
func (l *MemoryLedger) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for target, recs := range l.records {
		kept := recs[:0]
		for _, r := range recs {
			if r.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(l.records, target)
		} else {
			l.records[target] = kept
		}
	}
	return removed, nil
}

// Len returns the number of stored records
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, recs := range l.records {
		n += len(recs)
	}
	return n
}

func (l *MemoryLedger) countSince(target integration.TargetCode, since time.Time) int {
	total := 0
	for _, r := range l.records[target] {
		if r.Timestamp.After(since) {
			total += r.CallCount
		}
	}
	return total
}

var (
	_ integration.AdmissionLedger = (*MemoryLedger)(nil)
	_ integration.UsagePruner     = (*MemoryLedger)(nil)
)
