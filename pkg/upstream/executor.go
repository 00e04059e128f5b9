// Package upstream issues the relay's requests to proxied sites.
//
// Navigation requests never follow redirects so the caller can rewrite the
// Location before relaying it. Asset and download requests follow a bounded
// number of redirects under longer timeouts. Bodies are captured as raw bytes.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// Class selects redirect and timeout behaviour for a request.
type Class string

// Request classes.
const (
	ClassNavigation Class = "navigation"
	ClassAuxiliary  Class = "auxiliary"
	ClassAsset      Class = "asset"
	ClassDownload   Class = "download"
)

// followsRedirects reports whether the class lets the client chase redirects.
func (c Class) followsRedirects() bool {
	return c == ClassAsset || c == ClassDownload
}

// Request describes one upstream call.
type Request struct {
	Site          string
	Class         Class
	Method        string
	URL           string
	Header        http.Header
	Cookies       []domain.Cookie
	OutboundProxy string
	Body          []byte
}

// Response is a captured upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Redirect is an upstream 3xx surfaced to the caller instead of followed.
type Redirect struct {
	StatusCode int
	Location   string
	Header     http.Header
}

// Result holds exactly one of Response or Redirect.
type Result struct {
	Response *Response
	Redirect *Redirect
}

// Config configures an Executor.
type Config struct {
	NavigationTimeout time.Duration
	AssetTimeout      time.Duration
	DownloadTimeout   time.Duration
	DialTimeout       time.Duration
	MaxRedirects      int
	MaxBodyBytes      int64
	UserAgent         string
	// Transport replaces the pooled transports for direct requests. Tests use it.
	Transport http.RoundTripper
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Executor performs upstream requests.
type Executor struct {
	cfg  Config
	pool *transportPool
}

// NewExecutor builds an Executor with defaults for unset fields.
func NewExecutor(cfg Config) *Executor {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 15 * time.Second
	}
	if cfg.AssetTimeout <= 0 {
		cfg.AssetTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{cfg: cfg, pool: newTransportPool(cfg.DialTimeout, cfg.Transport)}
}

// Close drops idle pooled connections.
func (e *Executor) Close() {
	e.pool.closeIdle()
}

func (e *Executor) timeout(class Class) time.Duration {
	switch class {
	case ClassAsset:
		return e.cfg.AssetTimeout
	case ClassDownload:
		return e.cfg.DownloadTimeout
	default:
		return e.cfg.NavigationTimeout
	}
}

func (e *Executor) client(req Request) (*http.Client, error) {
	rt, err := e.pool.get(req.OutboundProxy)
	if err != nil {
		return nil, domain.Errorf(domain.ErrInvalidCredentialFormat, "bundle outbound proxy: %v", err)
	}
	client := &http.Client{Transport: rt, Timeout: e.timeout(req.Class)}
	if req.Class.followsRedirects() {
		maxRedirects := e.cfg.MaxRedirects
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, nil
}

// Execute performs req. Transport failures return domain.ErrUpstreamUnavailable;
// any HTTP status is a successful Result.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Class == "" {
		req.Class = ClassNavigation
	}

	client, err := e.client(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "build upstream request: %v", err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	httpReq.Header.Del("Cookie")
	if cookie := (domain.CredentialBundle{Cookies: req.Cookies}).CookieHeader(); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}
	if httpReq.Header.Get("User-Agent") == "" && e.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		e.record(ctx, req, 0, 0, false, true, time.Since(start))
		return nil, classifyError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !req.Class.followsRedirects() && isRedirect(resp.StatusCode) {
		if location := resp.Header.Get("Location"); location != "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			e.record(ctx, req, resp.StatusCode, 0, true, false, time.Since(start))
			return &Result{Redirect: &Redirect{
				StatusCode: resp.StatusCode,
				Location:   location,
				Header:     resp.Header.Clone(),
			}}, nil
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes+1))
	if err != nil {
		e.record(ctx, req, resp.StatusCode, len(data), false, true, time.Since(start))
		return nil, classifyError(err)
	}
	if int64(len(data)) > e.cfg.MaxBodyBytes {
		e.record(ctx, req, resp.StatusCode, len(data), false, true, time.Since(start))
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "upstream body exceeds %d bytes", e.cfg.MaxBodyBytes)
	}

	e.record(ctx, req, resp.StatusCode, len(data), false, false, time.Since(start))
	return &Result{Response: &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		FinalURL:   resp.Request.URL.String(),
	}}, nil
}

func (e *Executor) record(ctx context.Context, req Request, status, size int, redirect, failed bool, elapsed time.Duration) {
	telemetry.RecordUpstreamMetrics(ctx, telemetry.UpstreamMetrics{
		Site:     req.Site,
		Class:    string(req.Class),
		Method:   req.Method,
		Status:   status,
		Redirect: redirect,
		Failed:   failed,
		Bytes:    size,
		Duration: elapsed,
	})
	e.cfg.Metrics.RecordUpstream(req.Site, string(req.Class), status, elapsed)
	if failed && !errors.Is(ctx.Err(), context.Canceled) {
		e.cfg.Logger.Debug("Upstream request failed", "site", req.Site, "class", req.Class, "status", status, "elapsed", elapsed)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
