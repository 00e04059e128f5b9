// Package admin serves the operator endpoints of the relay: cache control,
// cache statistics, the loaded site snapshot, Prometheus metrics and a
// liveness probe. Cache and site endpoints require the shared secret in the
// "secret" query parameter.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// SnapshotSource serves the current site snapshot.
type SnapshotSource interface {
	Current() *domain.Snapshot
}

// Invalidator drops derived state built from site profiles.
type Invalidator interface {
	Invalidate()
}

// Config wires the admin handler.
type Config struct {
	// Secret gates the cache and site endpoints. Empty disables them.
	Secret string
	Caches *cache.Caches
	// Rules is invalidated together with the caches; optional.
	Rules Invalidator
	Sites SnapshotSource
	// Limiter throttles gated endpoints per client address; optional.
	Limiter *governance.RateLimiter
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type response struct {
	Status     string       `json:"status"`
	Message    string       `json:"message,omitempty"`
	CacheStats *cache.Stats `json:"cache_stats,omitempty"`
	Sites      *siteSummary `json:"sites,omitempty"`
}

type siteSummary struct {
	Generation string    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
	Names      []string  `json:"names"`
}

type handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler returns the admin mux.
func NewHandler(cfg Config) http.Handler {
	if cfg.Caches == nil {
		panic("admin: caches are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /admin/cache/clear", h.gated(h.clearCache))
	mux.Handle("POST /admin/cache/clear", h.gated(h.clearCache))
	mux.Handle("GET /admin/cache/stats", h.gated(h.cacheStats))
	mux.Handle("GET /admin/sites", h.gated(h.sites))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// gated applies the per-client limit and the shared secret check.
func (h *handler) gated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Limiter.Allow(remoteHost(r)) {
			governance.WriteRetryAfter(w, h.cfg.Limiter.Limit())
			writeJSON(w, http.StatusTooManyRequests, response{Status: "error", Message: "too many requests"})
			return
		}
		if !h.authorized(r) {
			h.logger.Warn("Admin request rejected", "path", r.URL.Path, "remote", remoteHost(r))
			writeJSON(w, http.StatusForbidden, response{Status: "error", Message: "forbidden"})
			return
		}
		next(w, r)
	})
}

func (h *handler) authorized(r *http.Request) bool {
	if h.cfg.Secret == "" {
		return false
	}
	got := r.URL.Query().Get("secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) == 1
}

func (h *handler) clearCache(w http.ResponseWriter, _ *http.Request) {
	h.cfg.Caches.ClearAll()
	if h.cfg.Rules != nil {
		h.cfg.Rules.Invalidate()
	}
	h.logger.Info("Caches cleared by admin request")
	writeJSON(w, http.StatusOK, response{Status: "ok", Message: "cache cleared"})
}

func (h *handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.cfg.Caches.Stats()
	writeJSON(w, http.StatusOK, response{Status: "ok", CacheStats: &stats})
}

func (h *handler) sites(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Sites == nil {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Message: "no site registry"})
		return
	}
	snapshot := h.cfg.Sites.Current()
	if snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "no sites loaded"})
		return
	}
	names := snapshot.Names()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, response{Status: "ok", Sites: &siteSummary{
		Generation: snapshot.Generation,
		LoadedAt:   snapshot.Timestamp,
		Names:      names,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
