package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/logging"
	"github.com/polisai/siterelay/pkg/telemetry"
)

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme_pro", r.URL.Query().Get("prefix"))
		assert.Equal(t, "k3y", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accounts": [[{"name":"sid","value":"v"}]]}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL + "/api/accounts", APIKey: "k3y", Logger: logging.Discard()})
	require.NoError(t, err)

	bundles, err := c.Fetch(context.Background(), "acme_pro")
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "sid=v", bundles[0].CookieHeader())
}

func TestClient_FetchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("prefix") {
		case "down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"accounts": [12]}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "down")
	assert.ErrorIs(t, err, domain.ErrNoCredentialsAvailable)

	_, err = c.Fetch(context.Background(), "garbled")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "acme")
	assert.ErrorIs(t, err, domain.ErrNoCredentialsAvailable)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientConfig{URL: "not a url"})
	assert.Error(t, err)
}

type countingFetcher struct {
	calls   atomic.Int32
	bundles []domain.CredentialBundle
	err     error
	delay   time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, prefix string) ([]domain.CredentialBundle, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.bundles, f.err
}

func TestProvider_CachesBundles(t *testing.T) {
	fetcher := &countingFetcher{bundles: []domain.CredentialBundle{{Cookies: []domain.Cookie{{Name: "a", Value: "1"}}}}}
	caches := cache.New(cache.Config{})
	p := NewProvider(fetcher, caches, telemetry.NewMetrics(), logging.Discard())

	for i := 0; i < 3; i++ {
		got, err := p.Bundles(context.Background(), "acme")
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())

	caches.ClearAll()
	_, err := p.Bundles(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProvider_EmptyNotCached(t *testing.T) {
	fetcher := &countingFetcher{}
	p := NewProvider(fetcher, cache.New(cache.Config{}), nil, logging.Discard())

	for i := 0; i < 2; i++ {
		got, err := p.Bundles(context.Background(), "acme")
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProvider_ErrorPropagates(t *testing.T) {
	fetcher := &countingFetcher{err: domain.Errorf(domain.ErrInvalidCredentialFormat, "account 0: bad")}
	p := NewProvider(fetcher, cache.New(cache.Config{}), nil, logging.Discard())

	_, err := p.Bundles(context.Background(), "acme")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)
}

func TestProvider_ConcurrentMissesShareFetch(t *testing.T) {
	fetcher := &countingFetcher{
		bundles: []domain.CredentialBundle{{Cookies: []domain.Cookie{{Name: "a", Value: "1"}}}},
		delay:   50 * time.Millisecond,
	}
	p := NewProvider(fetcher, cache.New(cache.Config{}), nil, logging.Discard())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = p.Bundles(context.Background(), "acme")
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, fetcher.calls.Load(), int32(2))
}

func TestWarmer_RunOnceRefreshes(t *testing.T) {
	fetcher := &countingFetcher{bundles: []domain.CredentialBundle{{Cookies: []domain.Cookie{{Name: "a", Value: "1"}}}}}
	caches := cache.New(cache.Config{})
	p := NewProvider(fetcher, caches, nil, logging.Discard())

	w, err := NewWarmer(p, "@every 1h", []string{"acme", "globex"}, logging.Discard())
	require.NoError(t, err)
	w.RunOnce()

	assert.Equal(t, int32(2), fetcher.calls.Load())
	_, ok := caches.Credentials().Get("globex")
	assert.True(t, ok)

	w.Start()
	w.Stop()
}

func TestWarmer_InvalidSchedule(t *testing.T) {
	_, err := NewWarmer(nil, "every so often", nil, nil)
	assert.Error(t, err)
}

type gatedFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, prefix string) ([]domain.CredentialBundle, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
		return []domain.CredentialBundle{{Cookies: []domain.Cookie{{Name: "sid", Value: prefix}}}}, nil
	}
}

func TestProvider_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	fetcher := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	p := NewProvider(fetcher, cache.New(cache.Config{}), nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Bundles(ctx, "acme")
		firstErr <- err
	}()
	<-fetcher.started

	type result struct {
		bundles []domain.CredentialBundle
		err     error
	}
	second := make(chan result, 1)
	go func() {
		bundles, err := p.Bundles(context.Background(), "acme")
		second <- result{bundles, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller kept waiting")
	}

	close(fetcher.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.bundles, 1)
		assert.Equal(t, "sid=acme", res.bundles[0].CookieHeader())
	case <-time.After(time.Second):
		t.Fatal("waiter never got the shared fetch")
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
}
