package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
)

// Executor runs one tier
type Executor interface {
	Execute(ctx context.Context, tier integration.Tier) (*integration.SyncRunResult, error)
}

// Pruner removes usage older than a retention horizon
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// ---------------------------------------------------------------------------
// TriggerManagerConfig
// ---------------------------------------------------------------------------

// TriggerManagerConfig holds configuration for the tier triggers
type TriggerManagerConfig struct {
	// RunLockTTL bounds how long a crashed run can block its tier
	RunLockTTL time.Duration

	// UsageRetention is the age beyond which usage records are pruned
	UsageRetention time.Duration

	// RetentionInterval is how often pruning runs; zero disables it
	RetentionInterval time.Duration

	// InstanceID identifies this process in run lock ownership
	InstanceID string
}

// DefaultTriggerManagerConfig returns default configuration
func DefaultTriggerManagerConfig() TriggerManagerConfig {
	host, _ := os.Hostname()
	return TriggerManagerConfig{
		RunLockTTL:        2 * time.Hour,
		UsageRetention:    24 * time.Hour,
		RetentionInterval: 15 * time.Minute,
		InstanceID:        host,
	}
}

// ---------------------------------------------------------------------------
// TierStats
// ---------------------------------------------------------------------------

// TierStats summarizes the runs of one tier since process start
type TierStats struct {
	Tier          integration.Tier                `json:"tier"`
	Cadence       time.Duration                   `json:"cadence"`
	Running       bool                            `json:"running"`
	Runs          int64                           `json:"runs"`
	Overlapping   int64                           `json:"overlapping"`
	ByStatus      map[integration.RunStatus]int64 `json:"by_status"`
	LastRunID     string                          `json:"last_run_id,omitempty"`
	LastStatus    integration.RunStatus           `json:"last_status,omitempty"`
	LastStartedAt *time.Time                      `json:"last_started_at,omitempty"`
	LastDuration  time.Duration                   `json:"last_duration"`
	NextRunAt     *time.Time                      `json:"next_run_at,omitempty"`
}

// ---------------------------------------------------------------------------
// TriggerManager
// ---------------------------------------------------------------------------

// TriggerManager fires each tier on its cadence, serializes runs of the same
// tier through a RunLock and prunes old usage. Manual triggers go through
// the same path as timed ones.
type TriggerManager struct {
	config   TriggerManagerConfig
	executor Executor
	tiers    *integration.PriorityTierManager
	runLock  integration.RunLock
	pruner   Pruner
	logger   *zap.Logger
	clock    func() time.Time

	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	statsMu sync.RWMutex
	stats   map[integration.Tier]*TierStats
}

// NewTriggerManager creates a trigger manager. pruner may be nil.
func NewTriggerManager(
	config TriggerManagerConfig,
	executor Executor,
	tiers *integration.PriorityTierManager,
	runLock integration.RunLock,
	pruner Pruner,
	logger *zap.Logger,
) *TriggerManager {
	if config.RunLockTTL <= 0 {
		config.RunLockTTL = DefaultTriggerManagerConfig().RunLockTTL
	}
	if config.UsageRetention < time.Hour {
		config.UsageRetention = DefaultTriggerManagerConfig().UsageRetention
	}
	if config.InstanceID == "" {
		config.InstanceID = "tiersync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stats := make(map[integration.Tier]*TierStats, 3)
	for _, p := range tiers.Policies() {
		stats[p.Tier] = &TierStats{
			Tier:     p.Tier,
			Cadence:  p.Cadence,
			ByStatus: make(map[integration.RunStatus]int64),
		}
	}

	return &TriggerManager{
		config:   config,
		executor: executor,
		tiers:    tiers,
		runLock:  runLock,
		pruner:   pruner,
		logger:   logger.Named("trigger"),
		clock:    func() time.Time { return time.Now().UTC() },
		stats:    stats,
	}
}

// Start starts one ticker loop per tier plus the retention loop
func (m *TriggerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.isRunning = true

	// each Start gets its own group so a restart never joins a pending Stop
	wg := &sync.WaitGroup{}
	m.wg = wg
	for _, p := range m.tiers.Policies() {
		wg.Add(1)
		go m.tierLoop(ctx, wg, p.Tier, p.Cadence)
	}
	if m.pruner != nil && m.config.RetentionInterval > 0 {
		wg.Add(1)
		go m.retentionLoop(ctx, wg)
	}

	m.logger.Info("Tier triggers started",
		zap.String("instance_id", m.config.InstanceID),
		zap.Duration("run_lock_ttl", m.config.RunLockTTL),
		zap.Duration("usage_retention", m.config.UsageRetention),
	)
	return nil
}

// Stop cancels in-flight runs and waits for the loops to exit. In-flight
// runs persist their partial result as CANCELLED.
func (m *TriggerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	cancel, wg := m.cancel, m.wg
	m.cancel, m.wg = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Tier triggers stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Tier trigger stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the ticker loops are active
func (m *TriggerManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// tierLoop fires tier immediately and then every cadence
func (m *TriggerManager) tierLoop(ctx context.Context, wg *sync.WaitGroup, tier integration.Tier, cadence time.Duration) {
	defer wg.Done()

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	m.fire(ctx, tier)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fire(ctx, tier)
		}
	}
}

func (m *TriggerManager) fire(ctx context.Context, tier integration.Tier) {
	_, err := m.RunTier(ctx, tier)
	switch {
	case err == nil:
	case errors.Is(err, integration.ErrRunInProgress):
		m.logger.Info("Tier run still in progress, skipping tick", zap.String("tier", tier.String()))
	default:
		m.logger.Error("Tier run failed", zap.String("tier", tier.String()), zap.Error(err))
	}
}

// RunHighPriority runs the HIGH tier now
func (m *TriggerManager) RunHighPriority(ctx context.Context) (*integration.SyncRunResult, error) {
	return m.RunTier(ctx, integration.TierHigh)
}

// RunMediumPriority runs the MEDIUM tier now
func (m *TriggerManager) RunMediumPriority(ctx context.Context) (*integration.SyncRunResult, error) {
	return m.RunTier(ctx, integration.TierMedium)
}

// RunLowPriority runs the LOW tier now
func (m *TriggerManager) RunLowPriority(ctx context.Context) (*integration.SyncRunResult, error) {
	return m.RunTier(ctx, integration.TierLow)
}

// RunTier executes one run of tier unless a run of the same tier holds the
// run lock, in which case it returns integration.ErrRunInProgress.
func (m *TriggerManager) RunTier(ctx context.Context, tier integration.Tier) (*integration.SyncRunResult, error) {
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: %q", integration.ErrUnknownTier, tier)
	}

	owner := m.config.InstanceID + ":" + uuid.NewString()
	acquired, err := m.runLock.TryAcquire(ctx, tier, owner, m.config.RunLockTTL)
	if err != nil {
		return nil, integration.NewSystemError("runlock.acquire", err)
	}
	if !acquired {
		m.statsMu.Lock()
		m.stats[tier].Overlapping++
		m.statsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", integration.ErrRunInProgress, tier)
	}
	defer func() {
		if err := m.runLock.Release(context.WithoutCancel(ctx), tier, owner); err != nil {
			m.logger.Warn("Failed to release run lock", zap.String("tier", tier.String()), zap.Error(err))
		}
	}()

	started := m.clock()
	m.statsMu.Lock()
	st := m.stats[tier]
	st.Running = true
	st.LastStartedAt = &started
	next := started.Add(st.Cadence)
	st.NextRunAt = &next
	m.statsMu.Unlock()

	result, err := m.executor.Execute(ctx, tier)

	m.statsMu.Lock()
	st.Running = false
	if result != nil {
		st.Runs++
		st.ByStatus[result.Status]++
		st.LastRunID = result.ID.String()
		st.LastStatus = result.Status
		st.LastDuration = result.Duration()
	}
	m.statsMu.Unlock()

	return result, err
}

// NextRunAt returns when tier is next due: last start plus cadence, or the
// zero time before the first run
func (m *TriggerManager) NextRunAt(tier integration.Tier) time.Time {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	st, ok := m.stats[tier]
	if !ok || st.NextRunAt == nil {
		return time.Time{}
	}
	return *st.NextRunAt
}

// Stats returns a snapshot of every tier in priority order
func (m *TriggerManager) Stats() []TierStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := make([]TierStats, 0, len(m.stats))
	for _, tier := range integration.AllTiers() {
		st, ok := m.stats[tier]
		if !ok {
			continue
		}
		cp := *st
		cp.ByStatus = make(map[integration.RunStatus]int64, len(st.ByStatus))
		for k, v := range st.ByStatus {
			cp.ByStatus[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// retentionLoop prunes old usage every RetentionInterval
func (m *TriggerManager) retentionLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(m.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneUsage(ctx); err != nil {
				m.logger.Error("Usage pruning failed", zap.Error(err))
			}
		}
	}
}

// PruneUsage removes usage older than the configured retention
func (m *TriggerManager) PruneUsage(ctx context.Context) (int64, error) {
	if m.pruner == nil {
		return 0, nil
	}
	n, err := m.pruner.Prune(ctx, m.config.UsageRetention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("Pruned usage records",
			zap.Int64("removed", n),
			zap.Duration("retention", m.config.UsageRetention),
		)
	}
	return n, nil
}
