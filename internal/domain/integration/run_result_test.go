package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRunResult_Lifecycle(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := NewSyncRunResult(TierHigh, start)

	assert.Equal(t, RunStatusRunning, r.Status)
	assert.Zero(t, r.Duration())

	require.NoError(t, r.Record(SuccessOutcome("shop-a", Metrics{TotalCount: 3, SuccessCount: 3}, start, time.Second)))
	require.NoError(t, r.Record(SkippedOutcome("shop-b", ReasonDisabled, start)))
	require.NoError(t, r.Record(ThrottledOutcome("shop-c", ReasonRateLimitMinute, start)))

	require.NoError(t, r.Complete(start.Add(10*time.Second)))
	assert.Equal(t, RunStatusCompleted, r.Status)
	assert.Equal(t, 10*time.Second, r.Duration())

	err := r.Record(SuccessOutcome("shop-d", Metrics{}, start, 0))
	assert.ErrorIs(t, err, ErrRunFinalized)
	assert.ErrorIs(t, r.Cancel(start, nil), ErrRunFinalized)

	outcomes := r.Outcomes()
	require.Len(t, outcomes, 3)
	assert.Equal(t, TargetCode("shop-a"), outcomes[0].Target)
	assert.Equal(t, TargetCode("shop-c"), outcomes[2].Target)

	assert.Equal(t, RunSummary{Total: 3, Succeeded: 1, Skipped: 1, Throttled: 1}, r.Summary())
}

func TestSyncRunResult_AbortAndCancel(t *testing.T) {
	now := time.Now()

	aborted := NewSyncRunResult(TierLow, now)
	require.NoError(t, aborted.Abort(now, NewSystemError("ledger", errors.New("db down"))))
	assert.Equal(t, RunStatusAborted, aborted.Status)
	assert.Contains(t, aborted.Error, "db down")

	cancelled := NewSyncRunResult(TierMedium, now)
	require.NoError(t, cancelled.Record(SkippedOutcome("a", ReasonDisabled, now)))
	require.NoError(t, cancelled.Cancel(now, context.Canceled))
	assert.Equal(t, RunStatusCancelled, cancelled.Status)
	assert.Len(t, cancelled.Outcomes(), 1)
}

func TestRestoreSyncRunResult(t *testing.T) {
	r := NewSyncRunResult(TierHigh, time.Now())
	require.NoError(t, r.Record(SkippedOutcome("a", ReasonDisabled, r.StartedAt)))
	require.NoError(t, r.Complete(r.StartedAt))

	restored := RestoreSyncRunResult(r.ID, r.Tier, r.Status, r.StartedAt, r.CompletedAt, r.Error, r.Outcomes())
	assert.Equal(t, r.Outcomes(), restored.Outcomes())
	assert.ErrorIs(t, restored.Record(SkippedOutcome("b", ReasonDisabled, r.StartedAt)), ErrRunFinalized)
}

func TestNewConnectorError_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		reason   ReasonCode
		sentinel error
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ReasonConnectorTimeout, ErrConnectorTimeout},
		{"explicit timeout", ErrConnectorTimeout, ReasonConnectorTimeout, ErrConnectorTimeout},
		{"wrapped cancel from upstream", fmt.Errorf("sdk: %w", context.Canceled), ReasonConnectorError, ErrConnectorFailed},
		{"upstream 429", fmt.Errorf("%w: slow down", ErrUpstreamRateLimited), ReasonUpstreamRateLimited, ErrConnectorFailed},
		{"generic", errors.New("boom"), ReasonConnectorError, ErrConnectorFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cerr := NewConnectorError("shop", TierHigh, tt.err)
			assert.Equal(t, tt.reason, cerr.Reason)
			assert.ErrorIs(t, cerr, tt.sentinel)
			assert.ErrorIs(t, cerr, tt.err)

			o := FailedOutcome(cerr, time.Now(), time.Second)
			assert.Equal(t, OutcomeFailed, o.Status)
			assert.Equal(t, tt.reason, o.Reason)
		})
	}
}

func TestNewCancelledError(t *testing.T) {
	cerr := NewCancelledError("shop", TierLow, context.Canceled)
	assert.Equal(t, ReasonCancelled, cerr.Reason)
	assert.ErrorIs(t, cerr, context.Canceled)
	assert.ErrorIs(t, cerr, ErrConnectorFailed)
}

func TestSystemError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("execute: %w", NewSystemError("registry.Targets", cause))

	assert.True(t, IsSystemError(err))
	assert.ErrorIs(t, err, cause)

	var se *SystemError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "registry.Targets", se.Op)

	assert.False(t, IsSystemError(NewConnectorError("a", TierLow, cause)))
}

func TestTargetPolicy_ValidateAndWindows(t *testing.T) {
	p := TargetPolicy{Target: "shop-a", Enabled: true, PerMinuteLimit: 30, PerHourLimit: 500}
	require.NoError(t, p.Validate())

	limits := p.WindowLimits(DefaultPriorityTierManager(), TierHigh)
	require.Len(t, limits, 2)
	assert.Equal(t, WindowLimit{Window: RateWindowMinute, Span: time.Minute, Cap: 24}, limits[0])
	assert.Equal(t, WindowLimit{Window: RateWindowHour, Span: time.Hour, Cap: 500}, limits[1])

	bad := []TargetPolicy{
		{Target: "", PerMinuteLimit: 1, PerHourLimit: 1},
		{Target: "has space", PerMinuteLimit: 1, PerHourLimit: 1},
		{Target: "a", PerMinuteLimit: 0, PerHourLimit: 1},
		{Target: "a", PerMinuteLimit: 1, PerHourLimit: 0},
	}
	for _, b := range bad {
		assert.ErrorIs(t, b.Validate(), ErrConfiguration)
	}
}

func TestEvaluateWindows(t *testing.T) {
	limits := []WindowLimit{
		{Window: RateWindowMinute, Span: time.Minute, Cap: 2},
		{Window: RateWindowHour, Span: time.Hour, Cap: 10},
	}

	ok, usage := EvaluateWindows(limits, []int{1, 9})
	assert.True(t, ok)
	assert.False(t, usage[0].Exhausted())

	ok, usage = EvaluateWindows(limits, []int{1, 10})
	assert.False(t, ok)
	assert.True(t, usage[1].Exhausted())
}
