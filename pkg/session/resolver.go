// Package session resolves the caller's relay session from its cookies and
// optionally revalidates it against the customer dashboard.
package session

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// DefaultExpiration is the session lifetime when none is configured.
const DefaultExpiration = 24 * time.Hour

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Codec      Codec
	Caches     *cache.Caches
	Expiration time.Duration
	Clock      func() time.Time
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Resolver decodes sessions, caching them by the fingerprint of the raw
// cookie values so repeat requests skip decryption.
type Resolver struct {
	codec      Codec
	caches     *cache.Caches
	expiration time.Duration
	now        func() time.Time
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// NewResolver builds a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		codec:      cfg.Codec,
		caches:     cfg.Caches,
		expiration: cfg.Expiration,
		now:        cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Expiration returns the session lifetime.
func (r *Resolver) Expiration() time.Duration {
	return r.expiration
}

// Resolve returns the caller's session. Missing, undecodable, incomplete or
// expired sessions all fail with domain.ErrSessionExpired.
func (r *Resolver) Resolve(req *http.Request) (domain.UserSession, error) {
	names := r.codec.CookieNames()
	values := make(map[string]string, len(names))
	ordered := make([]string, 0, len(names))
	for _, name := range names {
		c, err := req.Cookie(name)
		if err != nil || c.Value == "" {
			return domain.UserSession{}, domain.Errorf(domain.ErrSessionExpired, "missing session cookie %s", name)
		}
		values[name] = c.Value
		ordered = append(ordered, c.Value)
	}

	fingerprint := cache.Fingerprint(ordered...)
	now := r.now()

	if s, ok := r.caches.Sessions().Get(fingerprint); ok {
		r.metrics.RecordCacheLookup("session", true)
		if s.Expired(now, r.expiration) {
			r.caches.Sessions().Delete(fingerprint)
			return domain.UserSession{}, domain.Errorf(domain.ErrSessionExpired, "session aged out")
		}
		return s, nil
	}
	r.metrics.RecordCacheLookup("session", false)

	s, err := r.codec.Decode(values)
	if err != nil {
		r.logger.Debug("Session decode failed", "error", err)
		return domain.UserSession{}, domain.Errorf(domain.ErrSessionExpired, "invalid session: %v", err)
	}
	if missing := missingField(s); missing != "" {
		return domain.UserSession{}, domain.Errorf(domain.ErrSessionExpired, "session has no %s", missing)
	}
	if s.Expired(now, r.expiration) {
		return domain.UserSession{}, domain.Errorf(domain.ErrSessionExpired, "session aged out")
	}

	r.caches.Sessions().Set(fingerprint, s)
	return s, nil
}

func missingField(s domain.UserSession) string {
	switch {
	case strings.TrimSpace(s.AuthToken) == "":
		return "auth token"
	case strings.TrimSpace(s.Prefix) == "":
		return "prefix"
	case strings.TrimSpace(s.Site) == "":
		return "site"
	case strings.TrimSpace(s.UserEmail) == "":
		return "email"
	case s.IssuedAt.IsZero():
		return "timestamp"
	default:
		return ""
	}
}
