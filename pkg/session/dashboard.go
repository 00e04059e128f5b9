package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// Validator revalidates a decoded session with an external authority.
type Validator interface {
	Validate(ctx context.Context, s domain.UserSession) bool
}

// DashboardConfig configures the dashboard session check.
type DashboardConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *governance.CircuitBreaker
	Caches     *cache.Caches
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// DashboardValidator asks the customer dashboard whether a session is still
// active. Answers are cached per (email, authToken). Transport failures
// count as valid and are not cached.
type DashboardValidator struct {
	url     string
	http    *http.Client
	breaker *governance.CircuitBreaker
	caches  *cache.Caches
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewDashboardValidator builds a DashboardValidator.
func NewDashboardValidator(cfg DashboardConfig) *DashboardValidator {
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
	return &DashboardValidator{
		url:     cfg.URL,
		http:    client,
		breaker: cfg.Breaker,
		caches:  cfg.Caches,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

type dashboardRequest struct {
	Email string `json:"email"`
}

type dashboardResponse struct {
	Valid bool   `json:"valid"`
	Email string `json:"email"`
}

// Validate implements Validator.
func (v *DashboardValidator) Validate(ctx context.Context, s domain.UserSession) bool {
	key := cache.DashboardKey(s.UserEmail, s.AuthToken)
	if cached, ok := v.caches.Dashboard().Get(key); ok {
		v.metrics.RecordCacheLookup("dashboard", true)
		return cached.Valid
	}
	v.metrics.RecordCacheLookup("dashboard", false)

	var result dashboardResponse
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = v.check(ctx, s)
		return err
	})
	if err != nil {
		v.logger.Warn("Dashboard session check unavailable, allowing request", "error", err)
		return true
	}

	valid := result.Valid
	if valid && result.Email != "" && !strings.EqualFold(result.Email, s.UserEmail) {
		valid = false
	}
	v.caches.Dashboard().Set(key, cache.DashboardResult{Valid: valid, Email: result.Email})
	return valid
}

func (v *DashboardValidator) check(ctx context.Context, s domain.UserSession) (dashboardResponse, error) {
	payload, err := json.Marshal(dashboardRequest{Email: s.UserEmail})
	if err != nil {
		return dashboardResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return dashboardResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.AuthToken)

	resp, err := v.http.Do(req)
	if err != nil {
		return dashboardResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return dashboardResponse{}, &statusError{code: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return dashboardResponse{Valid: false}, nil
	}

	var out dashboardResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return dashboardResponse{}, err
	}
	return out, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "dashboard returned " + http.StatusText(e.code)
}

// AllowAll is a Validator that accepts every session. Used when no dashboard
// is configured.
type AllowAll struct{}

// Validate implements Validator.
func (AllowAll) Validate(context.Context, domain.UserSession) bool {
	return true
}
