// Package quota enforces per-user daily download limits against the external
// stats service.
//
// The gate fails open: when the stats service cannot answer, downloads are
// allowed. Recording usage is best-effort and never surfaces to the user.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed  bool `json:"allowed"`
	Count    int  `json:"count"`
	Limit    int  `json:"limit"`
	FailOpen bool `json:"fail_open,omitempty"`
}

// Usage is the metadata attached to a recorded download.
type Usage struct {
	Website string
	IP      string
	Info    map[string]any
}

// Config configures a Gate.
type Config struct {
	URL          string
	APIKey       string
	CountPath    string
	RecordPath   string
	Timeout      time.Duration
	Plans        map[string]int
	DefaultLimit int
	HTTPClient   *http.Client
	// Breaker short-circuits count lookups after repeated failures. Nil
	// disables breaking.
	Breaker *governance.CircuitBreaker
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Gate checks and records daily download usage.
type Gate struct {
	base       *url.URL
	apiKey     string
	countPath  string
	recordPath string
	plans      map[string]int
	defLimit   int
	http       *http.Client
	breaker    *governance.CircuitBreaker
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// NewGate builds a Gate. Plan names are matched case-insensitively.
func NewGate(cfg Config) (*Gate, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.URL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("quota: invalid stats api url %q", cfg.URL)
	}
	if cfg.CountPath == "" {
		cfg.CountPath = "/today-count"
	}
	if cfg.RecordPath == "" {
		cfg.RecordPath = "/today-record"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plans := make(map[string]int, len(cfg.Plans))
	for name, limit := range cfg.Plans {
		plans[strings.ToLower(name)] = limit
	}
	return &Gate{
		base:       base,
		apiKey:     cfg.APIKey,
		countPath:  cfg.CountPath,
		recordPath: cfg.RecordPath,
		plans:      plans,
		defLimit:   cfg.DefaultLimit,
		http:       client,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// LimitFor returns the daily limit of plan. Zero or less means unlimited.
func (g *Gate) LimitFor(plan string) int {
	if limit, ok := g.plans[strings.ToLower(plan)]; ok {
		return limit
	}
	return g.defLimit
}

// CheckAllowed reports whether userKey may download from tool today.
func (g *Gate) CheckAllowed(ctx context.Context, userKey, tool, plan string) Decision {
	limit := g.LimitFor(plan)
	if limit <= 0 {
		g.metrics.RecordQuotaDecision("unlimited")
		return Decision{Allowed: true}
	}

	var count int
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = g.todayCount(ctx, userKey, tool)
		return err
	})
	if err != nil {
		g.logger.Warn("Quota check unavailable, allowing download", "tool", tool, "error", err)
		g.metrics.RecordQuotaDecision("fail_open")
		return Decision{Allowed: true, Limit: limit, FailOpen: true}
	}

	d := Decision{Allowed: count < limit, Count: count, Limit: limit}
	if d.Allowed {
		g.metrics.RecordQuotaDecision("allowed")
	} else {
		g.metrics.RecordQuotaDecision("denied")
	}
	return d
}

type countResponse struct {
	Count int `json:"count"`
}

func (g *Gate) todayCount(ctx context.Context, userKey, tool string) (int, error) {
	u := g.endpoint(g.countPath)
	q := u.Query()
	q.Set("tool", tool)
	q.Set("email", userKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stats api returned %d", resp.StatusCode)
	}

	var out countResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode stats response: %w", err)
	}
	return out.Count, nil
}

type recordRequest struct {
	Tool    string         `json:"tool"`
	Email   string         `json:"email"`
	Plan    string         `json:"plan,omitempty"`
	Website string         `json:"website"`
	IP      string         `json:"ip"`
	Info    map[string]any `json:"info,omitempty"`
}

// RecordUsage records one download. Failures are logged and reported as
// false, never returned as errors.
func (g *Gate) RecordUsage(ctx context.Context, userKey, tool, plan string, usage Usage) bool {
	payload, err := json.Marshal(recordRequest{
		Tool:    tool,
		Email:   userKey,
		Plan:    plan,
		Website: usage.Website,
		IP:      usage.IP,
		Info:    usage.Info,
	})
	if err != nil {
		g.logger.Warn("Quota record encode failed", "tool", tool, "error", err)
		return false
	}

	u := g.endpoint(g.recordPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		g.logger.Warn("Quota record request failed", "tool", tool, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		g.logger.Warn("Quota record failed", "tool", tool, "error", err)
		g.metrics.RecordQuotaDecision("record_failed")
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("Quota record rejected", "tool", tool, "status", resp.StatusCode)
		g.metrics.RecordQuotaDecision("record_failed")
		return false
	}
	g.metrics.RecordQuotaDecision("recorded")
	return true
}

func (g *Gate) endpoint(path string) *url.URL {
	u := *g.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return &u
}

func (g *Gate) authorize(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}
}
