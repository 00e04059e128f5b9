package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/logging"
	"github.com/polisai/siterelay/pkg/quota"
	"github.com/polisai/siterelay/pkg/rotation"
	"github.com/polisai/siterelay/pkg/upstream"
)

const relayBase = "https://relay.test"

type staticSites struct{ snapshot *domain.Snapshot }

func (s staticSites) Current() *domain.Snapshot { return s.snapshot }

type fakeSessions struct {
	session domain.UserSession
	err     error
}

func (f fakeSessions) Resolve(*http.Request) (domain.UserSession, error) { return f.session, f.err }
func (fakeSessions) Expiration() time.Duration { return 24 * time.Hour }

type fakeCredentials struct {
	bundles []domain.CredentialBundle
	err     error
	prefix  atomic.Value
}

func (f *fakeCredentials) Bundles(_ context.Context, prefix string) ([]domain.CredentialBundle, error) {
	f.prefix.Store(prefix)
	return f.bundles, f.err
}

type fakeQuota struct {
	mu       sync.Mutex
	decision quota.Decision
	checks   int
	usages   []quota.Usage
}

func (f *fakeQuota) CheckAllowed(context.Context, string, string, string) quota.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.decision
}

func (f *fakeQuota) RecordUsage(_ context.Context, _, _, _ string, usage quota.Usage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages = append(f.usages, usage)
	return true
}

type denyAll struct{}

func (denyAll) Validate(context.Context, domain.UserSession) bool { return false }

type fakeRenderer struct {
	html  string
	calls atomic.Int32
}

func (f *fakeRenderer) Render(context.Context, string, []domain.Cookie) ([]byte, error) {
	f.calls.Add(1)
	return []byte(f.html), nil
}

// hostRewriter sends every upstream request to the test server while keeping
// the original Host header, so handlers can dispatch on r.Host.
type hostRewriter struct {
	target *url.URL
}

func (t hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Hostname() == "offline.test" {
		return nil, errors.New("dial tcp: connection refused")
	}
	out := req.Clone(req.Context())
	out.Host = req.URL.Host
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

// fakeUpstream counts hits per host+path.
type fakeUpstream struct {
	server *httptest.Server
	hits   *xsync.Map[string, int]
	mux    map[string]http.HandlerFunc
	last   atomic.Pointer[http.Request]
}

func newFakeUpstream(t *testing.T, routes map[string]http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{hits: xsync.NewMap[string, int](), mux: routes}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Host + r.URL.Path
		f.hits.Compute(key, func(old int, _ bool) (int, xsync.ComputeOp) { return old + 1, xsync.UpdateOp })
		f.last.Store(r)
		if h, ok := f.mux[key]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) hitCount(key string) int {
	n, _ := f.hits.Load(key)
	return n
}

func acmeProfile() domain.SiteProfile {
	return domain.SiteProfile{
		Name:               "acme",
		Domain:             "www.acme.test",
		Scheme:             "https",
		RedirectPath:       "/",
		BannedPaths:        []string{"config"},
		AssetDomains:       []domain.AssetDomain{{From: "cdn.acme.test", To: "/acme-cdn"}},
		AuxiliaryJSONPaths: []string{"/api/aux"},
		PixelPaths:         []string{"/pixel"},
		Download:           &domain.DownloadConfig{Paths: []string{"/download/"}, Tool: "acme-dl"},
	}
}

type harness struct {
	handler     *Handler
	upstream    *fakeUpstream
	credentials *fakeCredentials
	quota       *fakeQuota
}

type harnessOption func(*Config)

func newHarness(t *testing.T, routes map[string]http.HandlerFunc, sites []domain.SiteProfile, opts ...harnessOption) *harness {
	t.Helper()
	up := newFakeUpstream(t, routes)
	target, err := url.Parse(up.server.URL)
	require.NoError(t, err)

	if sites == nil {
		sites = []domain.SiteProfile{acmeProfile()}
	}
	creds := &fakeCredentials{bundles: []domain.CredentialBundle{
		{Cookies: []domain.Cookie{{Name: "sid", Value: "zero"}}},
		{Cookies: []domain.Cookie{{Name: "sid", Value: "one"}}},
		{Cookies: []domain.Cookie{{Name: "sid", Value: "two"}}},
	}}
	gate := &fakeQuota{decision: quota.Decision{Allowed: true, Limit: 5}}
	assets, err := cache.NewAssetCache(1<<20, time.Minute)
	require.NoError(t, err)

	clock := func() time.Time { return time.Date(2026, 3, 2, 0, 47, 0, 0, time.UTC) }
	cfg := Config{
		Sites: staticSites{snapshot: domain.NewSnapshot("test", sites, time.Now())},
		Sessions: fakeSessions{session: domain.UserSession{
			Prefix: "acme", Product: "pro", Site: "acme", UserEmail: "user@example.com", IssuedAt: time.Now(),
		}},
		Credentials: creds,
		Selector:    rotation.NewSelector(10*time.Minute, time.UTC, rotation.WithClock(clock)),
		Upstream:    upstream.NewExecutor(upstream.Config{Transport: hostRewriter{target: target}, Logger: logging.Discard()}),
		Quota:       gate,
		Assets:      assets,
		Retry:       governance.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2},
		PublicURL:   relayBase,
		Logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{handler: NewHandler(cfg), upstream: up, credentials: creds, quota: gate}
}

func (h *harness) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func htmlPage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHandler_RewritesHTMLWithRotatedCookies(t *testing.T) {
	var cookie atomic.Value
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/page": func(w http.ResponseWriter, r *http.Request) {
			cookie.Store(r.Header.Get("Cookie"))
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Set-Cookie", "premium=secret")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			_, _ = w.Write(gzipped(t, `<a href="/foo">x</a><img src="https://cdn.acme.test/i.png">`))
		},
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme/page", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<a href="/acme/foo">`)
	assert.Contains(t, body, `src="https://relay.test/acme-cdn/i.png"`)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	// 00:47 in 10 minute buckets over three bundles selects index 1.
	assert.Equal(t, "sid=one", cookie.Load())
	assert.Equal(t, "acme", h.credentials.prefix.Load())
}

func TestHandler_NoBundles(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.credentials.bundles = nil

	rec := h.do(t, http.MethodGet, "/acme/page", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "no accounts available", rec.Body.String())
}

func TestHandler_CollaboratorCancellationOnLiveRequest(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.credentials.err = context.Canceled

	rec := h.do(t, http.MethodGet, "/acme/page", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "upstream service unavailable", rec.Body.String())
}

func TestHandler_ClientGoneWritesNothing(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.credentials.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/acme/page", nil).WithContext(ctx))

	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Body.String())
}

func TestHandler_ExpiredSessionRedirects(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *Config) {
		cfg.Sessions = fakeSessions{err: domain.Errorf(domain.ErrSessionExpired, "issued too long ago")}
	})

	rec := h.do(t, http.MethodGet, "/acme/page", nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/expired", rec.Header().Get("Location"))
	assert.Zero(t, h.upstream.hitCount("www.acme.test/page"))
}

func TestHandler_SessionForOtherSiteIsDenied(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *Config) {
		cfg.Sessions = fakeSessions{session: domain.UserSession{Site: "other", Prefix: "other", IssuedAt: time.Now()}}
	})

	rec := h.do(t, http.MethodGet, "/acme/page", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_DashboardRejection(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *Config) { cfg.Validator = denyAll{} })

	rec := h.do(t, http.MethodGet, "/acme/page", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_BannedPaths(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/config-files/a": htmlPage("ok"),
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme/config/secrets", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access denied", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/acme/config-files/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UnknownSite(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/nope/page", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_JSONErrorBody(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.credentials.bundles = nil

	rec := h.do(t, http.MethodGet, "/acme/page", http.Header{"Accept": {"application/json"}})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp domain.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, string(domain.KindNoCredentialsAvailable), resp.Code)
	assert.Equal(t, "no accounts available", resp.Message)
}

func TestHandler_DebugErrorsAppendCause(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *Config) { cfg.DebugErrors = true })
	h.credentials.err = domain.Errorf(domain.ErrInvalidCredentialFormat, "prefix acme: bad cookie json")

	rec := h.do(t, http.MethodGet, "/acme/page", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "invalid account configuration: "))
	assert.Contains(t, rec.Body.String(), "bad cookie json")
}

func TestHandler_UpstreamUnavailable(t *testing.T) {
	offline := domain.SiteProfile{Name: "offline", Domain: "offline.test", Scheme: "https", AuxiliaryJSONPaths: []string{"/api/aux"}}
	h := newHarness(t, nil, []domain.SiteProfile{offline}, func(cfg *Config) {
		cfg.Sessions = fakeSessions{session: domain.UserSession{Site: "offline", Prefix: "offline", IssuedAt: time.Now()}}
	})

	rec := h.do(t, http.MethodGet, "/offline/page", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "upstream service unavailable", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/offline/api/aux", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", rec.Body.String())
}

func TestHandler_RedirectLocationIsRewritten(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/account": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Set-Cookie", "premium=secret")
			http.Redirect(w, r, "https://www.acme.test/login?next=1", http.StatusFound)
		},
		"www.acme.test/old": func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
		},
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme/account", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/acme/login?next=1", rec.Header().Get("Location"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))

	rec = h.do(t, http.MethodGet, "/acme/old", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/acme/new", rec.Header().Get("Location"))
}

func TestHandler_RootRedirectsToLanding(t *testing.T) {
	site := acmeProfile()
	site.RedirectPath = "/home"
	h := newHarness(t, nil, []domain.SiteProfile{site})

	rec := h.do(t, http.MethodGet, "/acme/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/acme/home", rec.Header().Get("Location"))
}

func TestHandler_AuxiliaryFallback(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/api/aux/limited": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme/api/aux/missing", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = h.do(t, http.MethodGet, "/acme/api/aux/limited", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", rec.Body.String())

	// Outside the auxiliary list a 404 is relayed as is.
	rec = h.do(t, http.MethodGet, "/acme/api/other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_StaticAssetsAreCached(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/static/app.css": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, `body{background:url(https://cdn.acme.test/bg.png)}`)
		},
	}, nil)

	first := h.do(t, http.MethodGet, "/acme/static/app.css", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, `body{background:url(https://relay.test/acme-cdn/bg.png)}`, first.Body.String())
	assert.Empty(t, first.Header().Get("X-Relay-Cache"))

	second := h.do(t, http.MethodGet, "/acme/static/app.css", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Relay-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, h.upstream.hitCount("www.acme.test/static/app.css"))
}

func TestHandler_AssetDomainRoute(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"cdn.acme.test/img/logo.png": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		},
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme-cdn/img/logo.png", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes())
	assert.Equal(t, 1, h.upstream.hitCount("cdn.acme.test/img/logo.png"))
}

func TestHandler_OutboundHeaders(t *testing.T) {
	site := acmeProfile()
	site.DefaultHeaders = map[string]string{"X-Site": "acme"}
	h := newHarness(t, map[string]http.HandlerFunc{"www.acme.test/form": htmlPage("ok")}, []domain.SiteProfile{site})

	rec := h.do(t, http.MethodGet, "/acme/form", http.Header{
		"Origin":          {relayBase},
		"Referer":         {relayBase + "/acme/list?page=2"},
		"X-Forwarded-For": {"203.0.113.9"},
		"Cookie":          {"relay_session=abc"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got := h.upstream.last.Load()
	require.NotNil(t, got)
	assert.Equal(t, "https://www.acme.test", got.Header.Get("Origin"))
	assert.Equal(t, "https://www.acme.test/list?page=2", got.Header.Get("Referer"))
	assert.Equal(t, "acme", got.Header.Get("X-Site"))
	assert.Equal(t, "sid=one", got.Header.Get("Cookie"))
	assert.Empty(t, got.Header.Get("X-Forwarded-For"))
}

func TestHandler_QuotaDeniedRedirectsToLimitPage(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{"www.acme.test/download/file": htmlPage("file")}, nil)
	h.quota.decision = quota.Decision{Allowed: false, Count: 5, Limit: 5}

	rec := h.do(t, http.MethodGet, "/acme/download/file", nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/acme/limit-reached?limit=5", rec.Header().Get("Location"))
	assert.Zero(t, h.upstream.hitCount("www.acme.test/download/file"))

	page := h.do(t, http.MethodGet, "/acme/limit-reached?limit=5", nil)
	assert.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "5 downloads per day on acme")
}

func TestHandler_DownloadIsRecorded(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/download/file": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/zip")
			_, _ = io.WriteString(w, "PK")
		},
	}, nil)

	rec := h.do(t, http.MethodGet, "/acme/download/file?id=7", http.Header{"X-Forwarded-For": {"198.51.100.4, 10.0.0.1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()

	h.quota.mu.Lock()
	defer h.quota.mu.Unlock()
	assert.Equal(t, 1, h.quota.checks)
	require.Len(t, h.quota.usages, 1)
	usage := h.quota.usages[0]
	assert.Equal(t, "www.acme.test", usage.Website)
	assert.Equal(t, "198.51.100.4", usage.IP)
	assert.Equal(t, "/download/file", usage.Info["path"])
	assert.Equal(t, "id=7", usage.Info["query"])
}

func TestHandler_FailedDownloadIsNotRecorded(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/acme/download/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	h.handler.Wait()

	h.quota.mu.Lock()
	defer h.quota.mu.Unlock()
	assert.Empty(t, h.quota.usages)
}

func tokenSite() domain.SiteProfile {
	site := acmeProfile()
	site.Download.Token = &domain.TokenConfig{
		PagePath: "/download/page",
		Pattern:  `name="_token" value="([^"]+)"`,
		Param:    "t",
	}
	return site
}

func TestHandler_DownloadTokenRetry(t *testing.T) {
	var pages atomic.Int32
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/download/page": func(w http.ResponseWriter, _ *http.Request) {
			if pages.Add(1) == 1 {
				_, _ = io.WriteString(w, "<form></form>")
				return
			}
			_, _ = io.WriteString(w, `<input name="_token" value="tok-2">`)
		},
		"www.acme.test/download/file": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("t") != "tok-2" {
				w.WriteHeader(statusTokenExpired)
				return
			}
			_, _ = io.WriteString(w, "payload")
		},
	}, []domain.SiteProfile{tokenSite()})

	rec := h.do(t, http.MethodGet, "/acme/download/file?id=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, int32(2), pages.Load())
	assert.Equal(t, 1, h.upstream.hitCount("www.acme.test/download/file"))
	h.handler.Wait()
}

func TestHandler_DownloadTokenExhausted(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{
		"www.acme.test/download/page": htmlPage("<form></form>"),
	}, []domain.SiteProfile{tokenSite()})

	rec := h.do(t, http.MethodGet, "/acme/download/file", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 3, h.upstream.hitCount("www.acme.test/download/page"))
	assert.Zero(t, h.upstream.hitCount("www.acme.test/download/file"))
}

func TestHandler_RenderedNavigation(t *testing.T) {
	site := acmeProfile()
	site.Render = true
	renderer := &fakeRenderer{html: `<html><body><a href="https://www.acme.test/next">n</a></body></html>`}
	h := newHarness(t, nil, []domain.SiteProfile{site}, func(cfg *Config) { cfg.Renderer = renderer })

	rec := h.do(t, http.MethodGet, "/acme/app", http.Header{"Accept": {"text/html"}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="https://relay.test/acme/next"`)
	assert.Equal(t, int32(1), renderer.calls.Load())
	assert.Zero(t, h.upstream.hitCount("www.acme.test/app"))
}

func TestHandler_PixelIsAnsweredLocally(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *Config) {
		cfg.Sessions = fakeSessions{err: domain.Errorf(domain.ErrSessionExpired, "no cookie")}
	})

	rec := h.do(t, http.MethodGet, "/acme/pixel/collect?e=1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, transparentGIF, rec.Body.Bytes())
	assert.Zero(t, h.upstream.hitCount("www.acme.test/pixel/collect"))
}

func TestHandler_ReservedPages(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/expired", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Your session has expired")

	rec = h.do(t, http.MethodGet, "/limit-reached?limit=abc", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "downloads per day")
}

func TestHandler_CheckSession(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, nil, nil, func(cfg *Config) {
		cfg.Sessions = fakeSessions{session: domain.UserSession{Site: "acme", UserEmail: "user@example.com", IssuedAt: issued}}
	})

	rec := h.do(t, http.MethodGet, "/check-session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status sessionStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Valid)
	assert.Equal(t, "acme", status.Site)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, issued.Add(24*time.Hour).Equal(*status.ExpiresAt))

	expired := newHarness(t, nil, nil, func(cfg *Config) {
		cfg.Sessions = fakeSessions{err: domain.Errorf(domain.ErrSessionExpired, "old")}
	})
	rec = expired.do(t, http.MethodGet, "/check-session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false}`, rec.Body.String())
}

func TestHandler_RequestIDIsEchoed(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/healthz", http.Header{HeaderRequestID: {"req-123"}})
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
}

func TestHandler_RequestBodyLimit(t *testing.T) {
	h := newHarness(t, map[string]http.HandlerFunc{"www.acme.test/form": htmlPage("ok")}, nil, func(cfg *Config) {
		cfg.MaxBodyBytes = 4
	})

	req := httptest.NewRequest(http.MethodPost, "/acme/form", strings.NewReader("too large"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, h.upstream.hitCount("www.acme.test/form"))
}
