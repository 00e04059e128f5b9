package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/quota"
	"github.com/polisai/siterelay/pkg/rewrite"
	"github.com/polisai/siterelay/pkg/session"
	"github.com/polisai/siterelay/pkg/telemetry"
	"github.com/polisai/siterelay/pkg/upstream"
)

// HeaderRequestID carries the relay request ID back to the client.
const HeaderRequestID = "X-Request-Id"

// SiteRegistry serves the current site snapshot.
type SiteRegistry interface {
	Current() *domain.Snapshot
}

// SessionResolver decodes the caller's session from its cookies.
type SessionResolver interface {
	Resolve(r *http.Request) (domain.UserSession, error)
	Expiration() time.Duration
}

// CredentialSource returns the bundles of a site prefix.
type CredentialSource interface {
	Bundles(ctx context.Context, prefix string) ([]domain.CredentialBundle, error)
}

// BundleSelector picks the bundle of the current rotation window.
type BundleSelector interface {
	Pick(bundles []domain.CredentialBundle) (domain.CredentialBundle, error)
}

// Upstream executes upstream requests.
type Upstream interface {
	Execute(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// QuotaGate checks and records daily downloads.
type QuotaGate interface {
	CheckAllowed(ctx context.Context, userKey, tool, plan string) quota.Decision
	RecordUsage(ctx context.Context, userKey, tool, plan string, usage quota.Usage) bool
}

// Renderer produces post-render HTML through a headless browser.
type Renderer interface {
	Render(ctx context.Context, rawURL string, cookies []domain.Cookie) ([]byte, error)
}

// Config wires the collaborators of a Handler.
type Config struct {
	Sites       SiteRegistry
	Sessions    SessionResolver
	Validator   session.Validator
	Credentials CredentialSource
	Selector    BundleSelector
	Upstream    Upstream
	Rewriter    *rewrite.Engine
	// Quota is optional; without it downloads are unmetered.
	Quota QuotaGate
	// Renderer is optional; without it render sites are fetched plainly.
	Renderer Renderer
	Assets   *cache.AssetCache
	// Retry configures the download token flow.
	Retry governance.RetryConfig

	PublicURL    string
	ExpiredPath  string
	DebugErrors  bool
	MaxBodyBytes int64
	// RecordTimeout bounds background usage recording.
	RecordTimeout time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Handler is the data-plane http.Handler.
type Handler struct {
	sites       SiteRegistry
	sessions    SessionResolver
	validator   session.Validator
	credentials CredentialSource
	selector    BundleSelector
	upstream    Upstream
	rewriter    *rewrite.Engine
	quota       QuotaGate
	renderer    Renderer
	assets      *cache.AssetCache
	retry       governance.RetryConfig

	publicURL     string
	expiredPath   string
	debugErrors   bool
	maxBodyBytes  int64
	recordTimeout time.Duration

	routes   router
	patterns *xsync.Map[string, *tokenPattern]
	pending  sync.WaitGroup

	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewHandler builds the relay handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Sites == nil || cfg.Sessions == nil || cfg.Credentials == nil || cfg.Selector == nil || cfg.Upstream == nil {
		panic("relay: sites, sessions, credentials, selector and upstream are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = session.AllowAll{}
	}
	rewriter := cfg.Rewriter
	if rewriter == nil {
		rewriter = rewrite.NewEngine(logger, cfg.Metrics)
	}
	expiredPath := cfg.ExpiredPath
	if expiredPath == "" {
		expiredPath = "/expired"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	return &Handler{
		sites:         cfg.Sites,
		sessions:      cfg.Sessions,
		validator:     validator,
		credentials:   cfg.Credentials,
		selector:      cfg.Selector,
		upstream:      cfg.Upstream,
		rewriter:      rewriter,
		quota:         cfg.Quota,
		renderer:      cfg.Renderer,
		assets:        cfg.Assets,
		retry:         cfg.Retry,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
		expiredPath:   expiredPath,
		debugErrors:   cfg.DebugErrors,
		maxBodyBytes:  cfg.MaxBodyBytes,
		recordTimeout: cfg.RecordTimeout,
		patterns:      xsync.NewMap[string, *tokenPattern](),
		metrics:       cfg.Metrics,
		logger:        logger,
	}
}

// Wait blocks until background usage recordings have finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.New().String()
	}
	rec.Header().Set(HeaderRequestID, requestID)

	site, outcome, err := h.route(rec, r)

	elapsed := time.Since(start)
	name := siteName(site)
	if name != "" {
		h.metrics.RecordRequest(name, outcome, elapsed)
	}
	errorKind := ""
	if err != nil {
		errorKind = string(domain.Classify(err))
	}
	telemetry.RecordRelayOutcome(trace.SpanFromContext(r.Context()), name, outcome, errorKind)
	h.logger.Info("Relay request",
		"request_id", requestID,
		"site", name,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"bytes", rec.bytes,
		"outcome", outcome,
		"duration", elapsed,
	)
}

// route dispatches reserved pages and site traffic, returning the site (if
// any), the outcome label and the error already written to the client.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) (*domain.SiteProfile, string, error) {
	switch cleanPath(r.URL.Path) {
	case "/healthz":
		h.serveHealth(w)
		return nil, "page", nil
	case h.expiredPath, "/expired":
		h.serveExpired(w, r)
		return nil, "page", nil
	case "/limit-reached":
		h.serveLimitReached(w, r, "")
		return nil, "page", nil
	case "/check-session":
		h.serveCheckSession(w, r)
		return nil, "page", nil
	}

	rt, ok := h.routes.resolve(h.sites.Current(), r.URL.Path)
	if !ok {
		err := domain.Errorf(domain.ErrSiteNotFound, "no site serves %s", r.URL.Path)
		h.writeFailure(w, r, nil, err)
		return nil, outcomeOf(r, err), err
	}

	if !rt.asset {
		switch {
		case rt.rel == "/limit-reached":
			h.serveLimitReached(w, r, rt.site.Name)
			return rt.site, "page", nil
		case rt.site.IsPixel(rt.rel):
			h.servePixel(w)
			return rt.site, "pixel", nil
		}
	}

	outcome, err := h.serveSite(w, r, rt)
	if err != nil {
		h.writeFailure(w, r, rt.site, err)
		return rt.site, outcomeOf(r, err), err
	}
	return rt.site, outcome, nil
}
