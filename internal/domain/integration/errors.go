package integration

import (
	"context"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Integration Errors
// ---------------------------------------------------------------------------

var (
	// Tier errors
	ErrUnknownTier       = errors.New("integration: unknown tier")
	ErrInvalidTierPolicy = errors.New("integration: invalid tier policy")

	// Target errors
	ErrInvalidTargetCode = errors.New("integration: invalid target code")
	ErrTargetNotFound    = errors.New("integration: target not found")
	ErrConfiguration     = errors.New("integration: target configuration invalid")

	// Admission errors
	ErrRateLimitExceeded = errors.New("integration: rate limit exceeded")

	// Connector errors
	ErrConnectorFailed     = errors.New("integration: connector call failed")
	ErrConnectorTimeout    = errors.New("integration: connector call timed out")
	ErrUpstreamRateLimited = errors.New("integration: upstream rate limited")
	ErrInvalidResponse     = errors.New("integration: invalid connector response")
	ErrUpstreamUnavailable = errors.New("integration: upstream temporarily unavailable")

	// Run errors
	ErrSystem        = errors.New("integration: system error")
	ErrRunFinalized  = errors.New("integration: sync run already finalized")
	ErrRunNotFound   = errors.New("integration: sync run not found")
	ErrRunInProgress = errors.New("integration: sync run already in progress for tier")
)

// ---------------------------------------------------------------------------
// ConnectorError
// ---------------------------------------------------------------------------

// ConnectorError is a failure of a single target's connector call.
// It never aborts a run; the scheduler records it against the target.
type ConnectorError struct {
	Target TargetCode
	Tier   Tier
	Reason ReasonCode
	Err    error
}

// NewConnectorError classifies err into a ConnectorError reason. A wrapped
// context.Canceled is an ordinary connector failure; only the run context
// decides cancellation (see NewCancelledError).
func NewConnectorError(target TargetCode, tier Tier, err error) *ConnectorError {
	reason := ReasonConnectorError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrConnectorTimeout):
		reason = ReasonConnectorTimeout
	case errors.Is(err, ErrUpstreamRateLimited):
		reason = ReasonUpstreamRateLimited
	}
	return &ConnectorError{Target: target, Tier: tier, Reason: reason, Err: err}
}

// NewCancelledError records a connector call interrupted because the run
// itself was cancelled.
func NewCancelledError(target TargetCode, tier Tier, err error) *ConnectorError {
	return &ConnectorError{Target: target, Tier: tier, Reason: ReasonCancelled, Err: err}
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("integration: target %s %s sync failed (%s): %v", e.Target, e.Tier, e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause.
func (e *ConnectorError) Unwrap() []error {
	sentinel := ErrConnectorFailed
	if e.Reason == ReasonConnectorTimeout {
		sentinel = ErrConnectorTimeout
	}
	return []error{sentinel, e.Err}
}

// ---------------------------------------------------------------------------
// SystemError
// ---------------------------------------------------------------------------

// SystemError is a failure of a scheduler collaborator (registry, ledger,
// run log). It aborts the current run.
type SystemError struct {
	Op  string
	Err error
}

// NewSystemError wraps err as a SystemError for operation op.
func NewSystemError(op string, err error) *SystemError {
	return &SystemError{Op: op, Err: err}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("integration: system error during %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() []error {
	return []error{ErrSystem, e.Err}
}

// IsSystemError reports whether err is or wraps a SystemError.
func IsSystemError(err error) bool {
	return errors.Is(err, ErrSystem)
}
