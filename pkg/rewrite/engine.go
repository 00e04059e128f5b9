// Package rewrite re-roots upstream response bodies into the relay's URL
// namespace.
//
// Each site compiles into a Ruleset: an ordered table of substitution steps.
// Script injection runs first, then HTML hygiene, the domain map (longest
// domain first), root-relative attributes and CSS url() references, JS
// string literals and custom rules, with a doubled-prefix collapse last.
// Rewriting is best-effort string substitution over possibly broken markup,
// and applying it twice yields the same bytes as applying it once.
package rewrite

import (
	"log/slog"
	"unicode/utf8"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// Engine caches compiled rulesets and dispatches bodies by content type.
type Engine struct {
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	rulesets *xsync.Map[string, *Ruleset]
}

// NewEngine creates an Engine. A nil logger falls back to slog.Default.
func NewEngine(logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:   logger,
		metrics:  metrics,
		rulesets: xsync.NewMap[string, *Ruleset](),
	}
}

// Ruleset returns the compiled ruleset for site under proxyBaseURL,
// compiling it on first use or when the profile was replaced by a reload.
func (e *Engine) Ruleset(site *domain.SiteProfile, proxyBaseURL string) (*Ruleset, error) {
	if site == nil {
		return &Ruleset{}, nil
	}
	key := site.Name + "\x00" + proxyBaseURL
	if rs, ok := e.rulesets.Load(key); ok && rs.site == site {
		return rs, nil
	}
	rs, err := Compile(site, proxyBaseURL)
	if err != nil {
		return nil, err
	}
	e.rulesets.Store(key, rs)
	return rs, nil
}

// Invalidate drops every cached ruleset.
func (e *Engine) Invalidate() {
	e.rulesets.Clear()
}

// Rewrite produces the proxy-safe form of body. HTML gets the full table,
// CSS and JavaScript only their domain, url() and literal rewrites, and any
// other content type passes through unmodified. A site whose rules fail to
// compile passes through as well.
func (e *Engine) Rewrite(body []byte, contentType string, site *domain.SiteProfile, proxyBaseURL string) []byte {
	kind := DetectKind(contentType)
	if kind == KindOther || len(body) == 0 || site == nil {
		return body
	}
	return e.transform(body, kind, site, proxyBaseURL, func(rs *Ruleset, text string) string {
		return rs.Apply(text, kind)
	})
}

// SubstituteDomains applies only the domain map to a CSS or JavaScript body.
// Static files use it to skip the more expensive passes.
func (e *Engine) SubstituteDomains(body []byte, contentType string, site *domain.SiteProfile, proxyBaseURL string) []byte {
	kind := DetectKind(contentType)
	if (kind != KindCSS && kind != KindJS) || len(body) == 0 || site == nil {
		return body
	}
	return e.transform(body, kind, site, proxyBaseURL, func(rs *Ruleset, text string) string {
		return rs.SubstituteDomains(text)
	})
}

// RewriteLocation maps an upstream redirect target into the proxy namespace.
func (e *Engine) RewriteLocation(location string, site *domain.SiteProfile, proxyBaseURL string) string {
	rs, err := e.Ruleset(site, proxyBaseURL)
	if err != nil {
		e.logger.Warn("Rewrite rules failed to compile", "site", site.Name, "error", err)
		return location
	}
	return rs.Location(location)
}

func (e *Engine) transform(body []byte, kind Kind, site *domain.SiteProfile, proxyBaseURL string, fn func(*Ruleset, string) string) (out []byte) {
	rs, err := e.Ruleset(site, proxyBaseURL)
	if err != nil {
		e.logger.Warn("Rewrite rules failed to compile", "site", site.Name, "error", err)
		return body
	}
	if !utf8.Valid(body) {
		e.logger.Debug("Rewriting body with invalid UTF-8", "site", site.Name, "kind", kind.String())
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Rewrite panicked, relaying original body", "site", site.Name, "kind", kind.String(), "panic", r)
			out = body
		}
	}()

	out = []byte(fn(rs, string(body)))
	e.metrics.RecordRewrite(kind.String(), len(body), len(out))
	return out
}
