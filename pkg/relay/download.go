package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/upstream"
)

var (
	errTokenMissing  = errors.New("download token not found")
	errTokenRejected = errors.New("download token rejected")
)

// statusTokenExpired is the non-standard "page expired" answer some
// frameworks give for a stale anti-forgery token.
const statusTokenExpired = 419

type tokenPattern struct {
	re  *regexp.Regexp
	err error
}

func (h *Handler) tokenRegexp(pattern string) (*regexp.Regexp, error) {
	p, _ := h.patterns.LoadOrCompute(pattern, func() (*tokenPattern, bool) {
		re, err := regexp.Compile(pattern)
		return &tokenPattern{re: re, err: err}, false
	})
	return p.re, p.err
}

// executeWithToken scrapes a fresh anti-forgery token and then issues the
// download with it. A missing or rejected token repeats the whole sequence
// with backoff since the token may be momentarily stale.
func (h *Handler) executeWithToken(ctx context.Context, site *domain.SiteProfile, req upstream.Request) (*upstream.Result, error) {
	tok := site.Download.Token
	re, err := h.tokenRegexp(tok.Pattern)
	if err != nil {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "download token pattern: %v", err)
	}

	retry := h.retry
	if tok.MaxAttempts > 0 {
		retry.MaxAttempts = tok.MaxAttempts
	}
	policy := governance.NewRetryPolicy(retry)

	pageURL := site.Origin() + tok.PagePath
	var result *upstream.Result
	err = policy.ExecuteWithRetry(ctx, func(ctx context.Context, attempt int) error {
		page, err := h.upstream.Execute(ctx, upstream.Request{
			Site:          req.Site,
			Class:         upstream.ClassNavigation,
			Method:        http.MethodGet,
			URL:           pageURL,
			Header:        pageHeaders(req.Header),
			Cookies:       req.Cookies,
			OutboundProxy: req.OutboundProxy,
		})
		if err != nil {
			return err
		}
		if page.Response == nil {
			return governance.Retryable(errTokenMissing)
		}
		text, err := upstream.DecodeBody(page.Response.Body, page.Response.Header.Get("Content-Encoding"))
		if err != nil {
			return governance.Retryable(errTokenMissing)
		}
		match := re.FindSubmatch(text)
		if len(match) < 2 || len(match[1]) == 0 {
			h.logger.Debug("Download token not found", "site", site.Name, "attempt", attempt)
			return governance.Retryable(errTokenMissing)
		}

		res, err := h.upstream.Execute(ctx, withToken(req, tok, string(match[1])))
		if err != nil {
			return err
		}
		if res.Response != nil && (res.Response.StatusCode == http.StatusForbidden || res.Response.StatusCode == statusTokenExpired) {
			h.logger.Debug("Download token rejected", "site", site.Name, "attempt", attempt, "status", res.Response.StatusCode)
			return governance.Retryable(errTokenRejected)
		}
		result = res
		return nil
	})
	if errors.Is(err, governance.ErrRetriesExhausted) {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "download token flow: %v", err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pageHeaders keeps only what a browser would send for a page load.
func pageHeaders(src http.Header) http.Header {
	header := make(http.Header)
	for _, key := range []string{"User-Agent", "Accept-Language", "Accept-Encoding"} {
		if v := src.Get(key); v != "" {
			header.Set(key, v)
		}
	}
	header.Set("Accept", "text/html,application/xhtml+xml")
	return header
}

func withToken(req upstream.Request, tok *domain.TokenConfig, token string) upstream.Request {
	out := req
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if tok.Header != "" {
		out.Header.Set(tok.Header, token)
	}
	if tok.Param != "" {
		if u, err := url.Parse(req.URL); err == nil {
			q := u.Query()
			q.Set(tok.Param, token)
			u.RawQuery = q.Encode()
			out.URL = u.String()
		}
	}
	return out
}

// shouldRender reports whether a navigation should go through the browser.
func (h *Handler) shouldRender(site *domain.SiteProfile, r *http.Request, class upstream.Class) bool {
	if h.renderer == nil || !site.Render || class != upstream.ClassNavigation || r.Method != http.MethodGet {
		return false
	}
	accept := r.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

func (h *Handler) render(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	html, err := h.renderer.Render(ctx, req.URL, req.Cookies)
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	return &upstream.Result{Response: &upstream.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       html,
		FinalURL:   req.URL,
	}}, nil
}
