// Package credentials fetches and caches the premium account cookie sets
// the relay rotates through.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/siterelay/pkg/domain"
)

const maxPayloadBytes = 4 << 20

// Fetcher reads credential bundles for a site prefix.
type Fetcher interface {
	Fetch(ctx context.Context, prefix string) ([]domain.CredentialBundle, error)
}

// ClientConfig configures the account API client.
type ClientConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client reads bundles from the external account API. It does no caching.
type Client struct {
	endpoint *url.URL
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient validates the endpoint and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("credentials: invalid account api url %q", cfg.URL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{endpoint: endpoint, apiKey: cfg.APIKey, http: httpClient, logger: logger}, nil
}

// Fetch returns the ordered bundles for prefix.
func (c *Client) Fetch(ctx context.Context, prefix string) ([]domain.CredentialBundle, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("prefix", prefix)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.Errorf(domain.ErrNoCredentialsAvailable, "account api unreachable: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, domain.Errorf(domain.ErrNoCredentialsAvailable, "account api returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, domain.Errorf(domain.ErrNoCredentialsAvailable, "read account payload: %v", err)
	}

	bundles, err := ParseAccounts(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched credential bundles", "prefix", prefix, "count", len(bundles))
	return bundles, nil
}
