package integration

import (
	"context"
	"fmt"
)

// Metrics is what a connector reports back from one sync call
type Metrics struct {
	TotalCount   int              `json:"total_count"`
	SuccessCount int              `json:"success_count"`
	FailedCount  int              `json:"failed_count"`
	Details      map[string]int64 `json:"details,omitempty"`
}

// Connector is the Port interface for one external marketplace.
// Each tier has its own sync operation so that an adapter can choose what
// data is worth refreshing at that cadence.
type Connector interface {
	// IsEnabled reports whether the adapter is currently willing to sync
	IsEnabled(ctx context.Context) bool

	SyncHigh(ctx context.Context) (Metrics, error)
	SyncMedium(ctx context.Context) (Metrics, error)
	SyncLow(ctx context.Context) (Metrics, error)
}

// SyncFor dispatches to the connector operation of tier.
func SyncFor(ctx context.Context, c Connector, tier Tier) (Metrics, error) {
	switch tier {
	case TierHigh:
		return c.SyncHigh(ctx)
	case TierMedium:
		return c.SyncMedium(ctx)
	case TierLow:
		return c.SyncLow(ctx)
	default:
		panic(fmt.Sprintf("integration: unknown tier %q: this is a programming error", tier))
	}
}

// ConnectorRegistry resolves targets to their policy and connector.
// It is a lookup table populated from configuration and performs no network I/O.
type ConnectorRegistry interface {
	// Targets returns the policies of all configured targets in configuration order
	Targets(ctx context.Context) ([]TargetPolicy, error)

	// IsEnabled returns false for unknown or disabled targets
	IsEnabled(target TargetCode) bool

	// Connector returns the connector of target. A missing or unusable
	// connector is reported as ErrConfiguration.
	Connector(target TargetCode) (Connector, error)
}
