package browser

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/polisai/siterelay/pkg/domain"
)

const probeTimeout = 5 * time.Second

// Renderer produces the post-render HTML of a page.
type Renderer struct {
	launcher *Launcher
	timeout  time.Duration
	logger   *slog.Logger
	// alive reports whether the browser still answers CDP calls.
	alive func(*rod.Browser) bool
}

// NewRenderer builds a Renderer on top of launcher.
func NewRenderer(launcher *Launcher, timeout time.Duration, logger *slog.Logger) *Renderer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{launcher: launcher, timeout: timeout, logger: logger, alive: respondsToCDP}
}

func respondsToCDP(b *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err := b.Context(ctx).Version()
	return err == nil
}

// Render opens rawURL in a fresh incognito context carrying only cookies and
// returns the document HTML once the page has loaded. Failures are reported
// as domain.ErrUpstreamUnavailable; a browser that stopped answering is
// discarded so the next render relaunches it.
func (r *Renderer) Render(ctx context.Context, rawURL string, cookies []domain.Cookie) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "render target %q is not absolute", rawURL)
	}

	b, release, err := r.launcher.Acquire(ctx)
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "acquire browser: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	html, err := r.render(ctx, b, rawURL, cookieParams(target, cookies))
	if err != nil {
		r.checkBrowser(ctx, b)
		return nil, err
	}
	return html, nil
}

func (r *Renderer) render(ctx context.Context, b *rod.Browser, rawURL string, cookies []*proto.NetworkCookieParam) ([]byte, error) {
	// Each render gets its own cookie jar so bundles never mix.
	incognito, err := b.Context(ctx).Incognito()
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "open browser context: %v", err)
	}
	// Disposing the context closes its tabs too.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		if err := incognito.Context(closeCtx).Close(); err != nil {
			r.logger.Debug("Closing render context failed", "error", err)
		}
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "open tab: %v", err)
	}

	if err := page.SetCookies(cookies); err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "set cookies: %v", err)
	}
	if err := page.Navigate(rawURL); err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "navigate: %v", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "wait for load: %v", err)
	}
	html, err := page.HTML()
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "read document: %v", err)
	}
	return []byte(html), nil
}

// checkBrowser resets the launcher when b no longer answers. Renders the
// caller abandoned leave the browser alone.
func (r *Renderer) checkBrowser(ctx context.Context, b *rod.Browser) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if !r.alive(b) {
		r.launcher.Reset(b)
	}
}

func cookieParams(target *url.URL, cookies []domain.Cookie) []*proto.NetworkCookieParam {
	origin := (&url.URL{Scheme: target.Scheme, Host: target.Host}).String()
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			URL:    origin,
			Path:   "/",
			Secure: target.Scheme == "https",
		})
	}
	return params
}
