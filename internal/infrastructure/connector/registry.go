package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/config"
)

// Connector kinds accepted in target configuration
const (
	KindHTTP = "http"
)

// binding is one configured target
type binding struct {
	policy    integration.TargetPolicy
	connector integration.Connector
	err       error
}

// StaticRegistry is a ConnectorRegistry populated once from configuration.
// It also serves target policies to the rate limiter.
//
// Configuration problems do not fail construction: the target is kept and
// every lookup returns an error wrapping integration.ErrConfiguration, so a
// run skips it while the other targets proceed.
type StaticRegistry struct {
	order    []integration.TargetCode
	bindings map[integration.TargetCode]*binding
	logger   *zap.Logger

	warnMu sync.Mutex
	warned map[integration.TargetCode]struct{}
}

// RegistryOption configures a StaticRegistry
type RegistryOption func(*registryOptions)

type registryOptions struct {
	logger     *zap.Logger
	httpClient *http.Client
	connectors map[integration.TargetCode]integration.Connector
}

// WithLogger sets the logger for configuration warnings
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithHTTPClient shares one HTTP client across gateway connectors
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(o *registryOptions) {
		o.httpClient = client
	}
}

// WithConnector binds an in-process connector to target, taking precedence
// over the configured connector kind.
func WithConnector(target integration.TargetCode, c integration.Connector) RegistryOption {
	return func(o *registryOptions) {
		o.connectors[target] = c
	}
}

// NewStaticRegistry builds the registry from the configured targets.
// Target order is preserved.
func NewStaticRegistry(targets []config.TargetConfig, opts ...RegistryOption) *StaticRegistry {
	o := &registryOptions{
		logger:     zap.NewNop(),
		connectors: make(map[integration.TargetCode]integration.Connector),
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &StaticRegistry{
		order:    make([]integration.TargetCode, 0, len(targets)),
		bindings: make(map[integration.TargetCode]*binding, len(targets)),
		logger:   o.logger.Named("registry"),
		warned:   make(map[integration.TargetCode]struct{}),
	}

	for _, tc := range targets {
		code := integration.TargetCode(tc.Code)
		b := &binding{
			policy: integration.TargetPolicy{
				Target:         code,
				Enabled:        tc.Enabled,
				PerMinuteLimit: tc.PerMinuteLimit,
				PerHourLimit:   tc.PerHourLimit,
			},
		}
		if c, ok := o.connectors[code]; ok {
			b.connector = c
		} else {
			b.connector, b.err = buildConnector(code, tc, o.httpClient)
		}
		if _, dup := r.bindings[code]; !dup {
			r.order = append(r.order, code)
		}
		r.bindings[code] = b
	}
	return r
}

func buildConnector(code integration.TargetCode, tc config.TargetConfig, client *http.Client) (integration.Connector, error) {
	switch tc.Connector {
	case "":
		return nil, fmt.Errorf("%w: target %s: %v", integration.ErrConfiguration, code, errNoConnector)
	case KindHTTP:
		c, err := NewHTTPConnector(code, GatewayConfig{
			BaseURL:   tc.BaseURL,
			AppKey:    tc.AppKey,
			AppSecret: tc.AppSecret,
			Timeout:   tc.Timeout,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", code, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: target %s: unknown connector kind %q", integration.ErrConfiguration, code, tc.Connector)
	}
}

// Targets returns the policies of all configured targets in configuration order
func (r *StaticRegistry) Targets(_ context.Context) ([]integration.TargetPolicy, error) {
	out := make([]integration.TargetPolicy, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.bindings[code].policy)
	}
	return out, nil
}

// IsEnabled returns false for unknown or disabled targets
func (r *StaticRegistry) IsEnabled(target integration.TargetCode) bool {
	b, ok := r.bindings[target]
	return ok && b.policy.Enabled
}

// Connector returns the connector of target
func (r *StaticRegistry) Connector(target integration.TargetCode) (integration.Connector, error) {
	b, ok := r.bindings[target]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", integration.ErrConfiguration, integration.ErrTargetNotFound, target)
	}
	if b.err != nil {
		r.warnOnce(target, b.err)
		return nil, b.err
	}
	return b.connector, nil
}

// Policy implements ratelimit.PolicyLookup
func (r *StaticRegistry) Policy(target integration.TargetCode) (integration.TargetPolicy, error) {
	b, ok := r.bindings[target]
	if !ok {
		return integration.TargetPolicy{}, fmt.Errorf("%w: %w: %s", integration.ErrConfiguration, integration.ErrTargetNotFound, target)
	}
	if err := b.policy.Validate(); err != nil {
		r.warnOnce(target, err)
		return integration.TargetPolicy{}, err
	}
	return b.policy, nil
}

// warnOnce logs a configuration problem the first time it is seen for target
func (r *StaticRegistry) warnOnce(target integration.TargetCode, err error) {
	r.warnMu.Lock()
	_, seen := r.warned[target]
	r.warned[target] = struct{}{}
	r.warnMu.Unlock()

	if !seen {
		r.logger.Warn("Target configuration invalid; target will be skipped",
			zap.String("target", target.String()),
			zap.Error(err),
		)
	}
}

var _ integration.ConnectorRegistry = (*StaticRegistry)(nil)
