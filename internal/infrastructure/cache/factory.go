package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/config"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
)

// ErrUnsupportedBackend is returned for a backend the factory cannot build
var ErrUnsupportedBackend = errors.New("cache: unsupported backend")

// BackendFactory builds the Redis or in-memory variants of the usage ledger
// and the tier run lock. The Redis client is created on first use and shared.
type BackendFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	dial                  func(config.RedisConfig) (*redis.Client, error)

	mu     sync.Mutex
	client *redis.Client
}

// BackendFactoryOption is a functional option for configuring the factory
type BackendFactoryOption func(*BackendFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory backends when Redis is unavailable
// Default is false
func WithInMemoryFallback(allow bool) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithRedisClient makes the factory use an existing client
func WithRedisClient(client *redis.Client) BackendFactoryOption {
	return func(f *BackendFactory) {
		f.client = client
	}
}

// NewBackendFactory creates a new factory
func NewBackendFactory(cfg config.RedisConfig, opts ...BackendFactoryOption) *BackendFactory {
	f := &BackendFactory{
		redisConfig: cfg,
		logger:      zap.NewNop(),
		dial:        NewRedisClient,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *BackendFactory) redisClient() (*redis.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}
	client, err := f.dial(f.redisConfig)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// CreateUsageLedger creates the ledger for backend "memory" or "redis".
// The database ledger lives in the persistence package.
func (f *BackendFactory) CreateUsageLedger(backend string, retention time.Duration) (integration.AdmissionLedger, error) {
	switch backend {
	case config.LedgerBackendMemory:
		f.logger.Warn("using in-memory usage ledger; rate budgets are not shared between processes")
		return ratelimit.NewMemoryLedger(), nil
	case config.LedgerBackendRedis:
		client, err := f.redisClient()
		if err == nil {
			f.logger.Info("using Redis usage ledger", zap.String("addr", f.redisConfig.Addr()))
			return NewRedisUsageLedger(client, f.redisConfig.KeyPrefix, retention), nil
		}
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("Redis required for usage ledger but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory usage ledger. "+
			"Rate budgets will not be shared between scheduler instances.",
			zap.Error(err),
		)
		return ratelimit.NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("%w: ledger %q", ErrUnsupportedBackend, backend)
	}
}

// CreateRunLock creates the tier run lock for backend "memory" or "redis"
func (f *BackendFactory) CreateRunLock(backend string) (integration.RunLock, error) {
	switch backend {
	case config.LedgerBackendMemory:
		return NewMemoryRunLock(), nil
	case config.LedgerBackendRedis:
		client, err := f.redisClient()
		if err == nil {
			f.logger.Info("using Redis run lock", zap.String("addr", f.redisConfig.Addr()))
			return NewRedisRunLock(client, f.redisConfig.KeyPrefix), nil
		}
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("Redis required for run lock but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory run lock. "+
			"Tier runs may overlap across scheduler instances.",
			zap.Error(err),
		)
		return NewMemoryRunLock(), nil
	default:
		return nil, fmt.Errorf("%w: run lock %q", ErrUnsupportedBackend, backend)
	}
}

// Close closes the shared Redis client if one was created
func (f *BackendFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

// HealthCheck returns a Redis ping check, or nil when no backend uses Redis
func (f *BackendFactory) HealthCheck() func(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		return nil
	}
	client := f.client
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
