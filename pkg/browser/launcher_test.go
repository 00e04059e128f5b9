package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/logging"
)

type fakeLauncher struct {
	calls  atomic.Int32
	closed atomic.Int32
	gate   chan struct{}
	err    error
}

func (f *fakeLauncher) launch(ctx context.Context) (*rod.Browser, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return rod.New(), nil
}

func (f *fakeLauncher) close(*rod.Browser) error {
	f.closed.Add(1)
	return nil
}

func newTestLauncher(f *fakeLauncher) *Launcher {
	return NewLauncher(f.launch, logging.Discard(), WithCloseFunc(f.close))
}

func TestAcquire_ReusesBrowser(t *testing.T) {
	f := &fakeLauncher{}
	l := newTestLauncher(f)

	b1, release1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	b2, release2, err := l.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 2, l.inUse())

	release1()
	release1()
	assert.Equal(t, 1, l.inUse())
	release2()
	assert.Equal(t, 0, l.inUse())
}

func TestAcquire_ConcurrentCallersWaitForOneLaunch(t *testing.T) {
	f := &fakeLauncher{gate: make(chan struct{})}
	l := newTestLauncher(f)

	const callers = 8
	var wg sync.WaitGroup
	browsers := make([]*rod.Browser, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, release, err := l.Acquire(context.Background())
			browsers[i], errs[i] = b, err
			if release != nil {
				release()
			}
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, browsers[0], browsers[i])
	}
	assert.Equal(t, 1, l.launchCount())
}

func TestAcquire_WaiterHonoursContext(t *testing.T) {
	f := &fakeLauncher{gate: make(chan struct{})}
	l := newTestLauncher(f)
	defer close(f.gate)

	go func() { _, _, _ = l.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_LaunchFailureAllowsRetry(t *testing.T) {
	f := &fakeLauncher{err: errors.New("no chrome")}
	l := newTestLauncher(f)

	_, _, err := l.Acquire(context.Background())
	require.Error(t, err)

	f.err = nil
	b, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	release()
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestLauncher_ResetAndClose(t *testing.T) {
	f := &fakeLauncher{}
	l := newTestLauncher(f)

	b, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()

	l.Reset(b)
	assert.Equal(t, int32(1), f.closed.Load())

	_, release, err = l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.Equal(t, int32(2), f.calls.Load())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, int32(2), f.closed.Load())

	_, _, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRender_RejectsRelativeURL(t *testing.T) {
	r := NewRenderer(newTestLauncher(&fakeLauncher{}), time.Second, logging.Discard())
	_, err := r.Render(context.Background(), "/relative", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestRender_ClosedLauncher(t *testing.T) {
	l := newTestLauncher(&fakeLauncher{})
	require.NoError(t, l.Close())

	r := NewRenderer(l, time.Second, logging.Discard())
	_, err := r.Render(context.Background(), "https://www.acme.test/", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestCookieParams(t *testing.T) {
	target, err := url.Parse("https://www.acme.test:8443/app")
	require.NoError(t, err)

	params := cookieParams(target, []domain.Cookie{{Name: "sid", Value: "abc"}})
	require.Len(t, params, 1)
	assert.Equal(t, "sid", params[0].Name)
	assert.Equal(t, "abc", params[0].Value)
	assert.Equal(t, "https://www.acme.test:8443", params[0].URL)
	assert.Empty(t, params[0].Domain)
	assert.Equal(t, "/", params[0].Path)
	assert.True(t, params[0].Secure)
}

func TestLauncher_ResetIgnoresReplacedBrowser(t *testing.T) {
	f := &fakeLauncher{}
	l := newTestLauncher(f)

	stale, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	l.Reset(stale)

	fresh, release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()
	require.NotSame(t, stale, fresh)

	// A second report about the old browser must not kill its replacement.
	l.Reset(stale)
	l.Reset(nil)
	again, release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()

	assert.Same(t, fresh, again)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, int32(1), f.closed.Load())
}

func TestRenderer_CheckBrowserRelaunchesDeadBrowser(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		cancel     bool
		wantLaunch int32
	}{
		{name: "dead browser is replaced", alive: false, wantLaunch: 2},
		{name: "healthy browser is kept", alive: true, wantLaunch: 1},
		{name: "abandoned render leaves browser", alive: false, cancel: true, wantLaunch: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeLauncher{}
			l := newTestLauncher(f)
			r := NewRenderer(l, time.Second, logging.Discard())
			r.alive = func(*rod.Browser) bool { return tt.alive }

			b, release, err := l.Acquire(context.Background())
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			}
			r.checkBrowser(ctx, b)
			cancel()
			release()

			_, release, err = l.Acquire(context.Background())
			require.NoError(t, err)
			release()
			assert.Equal(t, tt.wantLaunch, f.calls.Load())
		})
	}
}

func TestRender_IsolatesCookiesBetweenBundles(t *testing.T) {
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no browser binary available")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><pre id=\"cookies\">" + r.Header.Get("Cookie") + "</pre></body></html>"))
	}))
	defer srv.Close()

	l := NewLauncher(DefaultLaunch(Config{Bin: bin, Headless: true, NoSandbox: true}), logging.Discard())
	defer func() { _ = l.Close() }()
	r := NewRenderer(l, 30*time.Second, logging.Discard())

	first, err := r.Render(context.Background(), srv.URL+"/", []domain.Cookie{
		{Name: "sid", Value: "bundle-a"},
		{Name: "extra", Value: "bundle-a"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(first), "extra=bundle-a")

	second, err := r.Render(context.Background(), srv.URL+"/", []domain.Cookie{{Name: "sid", Value: "bundle-b"}})
	require.NoError(t, err)
	assert.Contains(t, string(second), "sid=bundle-b")
	assert.NotContains(t, string(second), "extra")
	assert.NotContains(t, string(second), "bundle-a")
}
