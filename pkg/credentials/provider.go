package credentials

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// sharedFetchTimeout bounds a fetch that is no longer tied to the caller
// that started it.
const sharedFetchTimeout = 30 * time.Second

// Provider serves bundles from the credentials namespace and falls back to
// the Fetcher on a miss. Concurrent misses for one prefix share a fetch.
type Provider struct {
	fetcher Fetcher
	caches  *cache.Caches
	metrics *telemetry.Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// NewProvider wires a fetcher to the cache group.
func NewProvider(fetcher Fetcher, caches *cache.Caches, metrics *telemetry.Metrics, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{fetcher: fetcher, caches: caches, metrics: metrics, logger: logger}
}

// Bundles returns the bundles for prefix. An empty result is not cached so
// the next request asks the account API again.
func (p *Provider) Bundles(ctx context.Context, prefix string) ([]domain.CredentialBundle, error) {
	if bundles, ok := p.caches.Credentials().Get(prefix); ok {
		p.metrics.RecordCacheLookup("credentials", true)
		return bundles, nil
	}
	p.metrics.RecordCacheLookup("credentials", false)
	return p.load(ctx, prefix)
}

// Refresh fetches prefix and replaces whatever is cached.
func (p *Provider) Refresh(ctx context.Context, prefix string) error {
	_, err := p.load(ctx, prefix)
	return err
}

func (p *Provider) load(ctx context.Context, prefix string) ([]domain.CredentialBundle, error) {
	// Waiters share one fetch, so it runs detached from the caller that
	// started it and each caller only stops waiting on its own context.
	ch := p.group.DoChan(prefix, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()

		bundles, err := p.fetcher.Fetch(fetchCtx, prefix)
		if err != nil {
			p.metrics.RecordCredentialFetch("error")
			return nil, err
		}
		if len(bundles) == 0 {
			p.metrics.RecordCredentialFetch("empty")
			return bundles, nil
		}
		p.metrics.RecordCredentialFetch("ok")
		p.caches.Credentials().Set(prefix, bundles)
		return bundles, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			p.logger.Warn("Credential fetch failed", "prefix", prefix, "kind", domain.Classify(res.Err), "error", res.Err)
			return nil, res.Err
		}
		return res.Val.([]domain.CredentialBundle), nil
	}
}
