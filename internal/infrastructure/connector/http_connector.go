package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tiersync/backend/internal/domain/integration"
)

// maxResponseSize is the maximum allowed response size from a gateway (1MB)
const maxResponseSize = 1 << 20

// HTTPConnector implements integration.Connector against a signed HTTP
// gateway. Each tier maps to POST {base_url}/sync/{tier}.
type HTTPConnector struct {
	target     integration.TargetCode
	config     GatewayConfig
	httpClient *http.Client
	clock      func() time.Time
}

// NewHTTPConnector creates a connector for target with the given configuration
func NewHTTPConnector(target integration.TargetCode, config GatewayConfig, client *http.Client) (*HTTPConnector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPConnector{
		target:     target,
		config:     config,
		httpClient: client,
		clock:      time.Now,
	}, nil
}

// IsEnabled reports whether the connector has usable credentials.
// It performs no network I/O.
func (c *HTTPConnector) IsEnabled(_ context.Context) bool {
	return c.config.AppKey != "" && c.config.AppSecret != ""
}

// SyncHigh refreshes the fast-moving data of the target
func (c *HTTPConnector) SyncHigh(ctx context.Context) (integration.Metrics, error) {
	return c.sync(ctx, integration.TierHigh)
}

// SyncMedium refreshes routine data of the target
func (c *HTTPConnector) SyncMedium(ctx context.Context) (integration.Metrics, error) {
	return c.sync(ctx, integration.TierMedium)
}

// SyncLow refreshes slow-moving data of the target
func (c *HTTPConnector) SyncLow(ctx context.Context) (integration.Metrics, error) {
	return c.sync(ctx, integration.TierLow)
}

func (c *HTTPConnector) sync(ctx context.Context, tier integration.Tier) (integration.Metrics, error) {
	params := map[string]string{
		"target": c.target.String(),
		"tier":   tier.String(),
	}

	body, err := c.doRequest(ctx, c.config.BaseURL+"/sync/"+tier.Slug(), params)
	if err != nil {
		return integration.Metrics{}, err
	}

	var resp GatewayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return integration.Metrics{}, fmt.Errorf("%w: %v", integration.ErrInvalidResponse, err)
	}
	switch {
	case resp.Code == GatewayCodeRateLimited:
		return integration.Metrics{}, fmt.Errorf("%w: %s", integration.ErrUpstreamRateLimited, resp.Message)
	case resp.Code == GatewayCodeUnavailable:
		return integration.Metrics{}, fmt.Errorf("%w: %s", integration.ErrUpstreamUnavailable, resp.Message)
	case !resp.IsSuccess():
		return integration.Metrics{}, fmt.Errorf("gateway error %d: %s (request %s)", resp.Code, resp.Message, resp.RequestID)
	case resp.Data == nil:
		return integration.Metrics{}, fmt.Errorf("%w: missing data", integration.ErrInvalidResponse)
	}

	return integration.Metrics{
		TotalCount:   resp.Data.Total,
		SuccessCount: resp.Data.Succeeded,
		FailedCount:  resp.Data.Failed,
		Details:      resp.Data.Details,
	}, nil
}

// doRequest posts the signed form parameters and returns the response body
func (c *HTTPConnector) doRequest(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	params["app_key"] = c.config.AppKey
	params["timestamp"] = strconv.FormatInt(c.clock().Unix(), 10)
	params["sign_method"] = "hmac-sha256"
	params["sign"] = c.config.Sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// keep deadline and cancellation visible to the caller's classifier
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, fmt.Errorf("%w: %v", integration.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP %d", integration.ErrUpstreamRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", integration.ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("gateway request failed: HTTP %d", resp.StatusCode)
	}

	return body, nil
}

var _ integration.Connector = (*HTTPConnector)(nil)
