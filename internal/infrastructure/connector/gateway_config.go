// Package connector provides the ConnectorRegistry built from configuration
// and the signed HTTP gateway connector.
package connector

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tiersync/backend/internal/domain/integration"
)

// DefaultGatewayTimeout is the HTTP client timeout when a target sets none
const DefaultGatewayTimeout = 30 * time.Second

// Errors for gateway configuration. Each wraps integration.ErrConfiguration.
var (
	ErrGatewayMissingBaseURL   = fmt.Errorf("%w: gateway base url is required", integration.ErrConfiguration)
	ErrGatewayInvalidBaseURL   = fmt.Errorf("%w: gateway base url is invalid", integration.ErrConfiguration)
	ErrGatewayMissingAppKey    = fmt.Errorf("%w: gateway app key is required", integration.ErrConfiguration)
	ErrGatewayMissingAppSecret = fmt.Errorf("%w: gateway app secret is required", integration.ErrConfiguration)
)

// errNoConnector marks a target without any connector binding
var errNoConnector = errors.New("no connector configured")

// GatewayConfig holds the credentials of one marketplace gateway
type GatewayConfig struct {
	// BaseURL is the gateway root; sync calls go to {BaseURL}/sync/{tier}
	BaseURL string
	// AppKey identifies the caller to the gateway
	AppKey string
	// AppSecret signs every request
	AppSecret string
	// Timeout is the HTTP client timeout
	Timeout time.Duration
}

// Validate validates the gateway configuration
func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrGatewayMissingBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrGatewayInvalidBaseURL, c.BaseURL)
	}
	if c.AppKey == "" {
		return ErrGatewayMissingAppKey
	}
	if c.AppSecret == "" {
		return ErrGatewayMissingAppSecret
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultGatewayTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

// Sign returns the hex HMAC-SHA256 of the sorted parameters.
// The sign string is key1value1key2value2... with "sign" itself excluded.
func (c *GatewayConfig) Sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, k := range keys {
		builder.WriteString(k)
		builder.WriteString(params[k])
	}

	h := hmac.New(sha256.New, []byte(c.AppSecret))
	h.Write([]byte(builder.String()))
	return hex.EncodeToString(h.Sum(nil))
}
