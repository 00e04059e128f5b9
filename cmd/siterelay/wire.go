package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/siterelay/internal/governance"
	"github.com/polisai/siterelay/pkg/admin"
	"github.com/polisai/siterelay/pkg/browser"
	"github.com/polisai/siterelay/pkg/cache"
	"github.com/polisai/siterelay/pkg/config"
	"github.com/polisai/siterelay/pkg/credentials"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/quota"
	"github.com/polisai/siterelay/pkg/relay"
	"github.com/polisai/siterelay/pkg/rewrite"
	"github.com/polisai/siterelay/pkg/rotation"
	"github.com/polisai/siterelay/pkg/session"
	"github.com/polisai/siterelay/pkg/telemetry"
	"github.com/polisai/siterelay/pkg/upstream"
)

// Breaker settings for the dashboard and stats services.
const (
	breakerMaxFailures = 5
	breakerOpenTimeout = 30 * time.Second
)

// app is the assembled component graph.
type app struct {
	data    http.Handler
	admin   http.Handler
	relay   *relay.Handler
	closers []func()
}

// Close releases background workers in reverse start order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires every component from cfg. watch enables the sites file
// watcher.
func buildApp(cfg *config.Config, watch bool, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics := telemetry.NewMetrics()

	caches := cache.New(cache.Config{
		SessionTTL:     cfg.Session.CacheTTL,
		DashboardTTL:   cfg.Dashboard.CacheTTL,
		CredentialsTTL: cfg.Credentials.CacheTTL,
	})
	var assets *cache.AssetCache
	if cfg.AssetCache.Enabled {
		assets, err = cache.NewAssetCache(cfg.AssetCache.MaxBytes, cfg.AssetCache.TTL)
		if err != nil {
			return nil, err
		}
		caches.AttachAssets(assets)
		a.closers = append(a.closers, assets.Close)
	}

	codec, err := session.NewCodec(cfg.Session.Codec, cfg.Session.Secret, cfg.Session.Cookies, cfg.Session.JWTCookie)
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	resolver := session.NewResolver(session.ResolverConfig{
		Codec:      codec,
		Caches:     caches,
		Expiration: cfg.Session.Expiration(),
		Metrics:    metrics,
		Logger:     logger,
	})

	var validator session.Validator = session.AllowAll{}
	if cfg.Dashboard.URL != "" {
		validator = session.NewDashboardValidator(session.DashboardConfig{
			URL:     cfg.Dashboard.URL,
			Timeout: cfg.Dashboard.Timeout,
			Breaker: newBreaker("dashboard", logger),
			Caches:  caches,
			Metrics: metrics,
			Logger:  logger,
		})
	}

	client, err := credentials.NewClient(credentials.ClientConfig{
		URL:     cfg.Credentials.URL,
		APIKey:  cfg.Credentials.APIKey,
		Timeout: cfg.Credentials.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	provider := credentials.NewProvider(client, caches, metrics, logger)
	if cfg.Credentials.WarmSchedule != "" {
		warmer, err := credentials.NewWarmer(provider, cfg.Credentials.WarmSchedule, cfg.Credentials.WarmPrefixes, logger)
		if err != nil {
			return nil, err
		}
		warmer.Start()
		a.closers = append(a.closers, warmer.Stop)
	}

	location, err := rotation.ParseLocation(cfg.Rotation.Timezone)
	if err != nil {
		return nil, err
	}
	selector := rotation.NewSelector(cfg.Rotation.Interval, location)

	executor := upstream.NewExecutor(upstream.Config{
		NavigationTimeout: cfg.Upstream.NavigationTimeout,
		AssetTimeout:      cfg.Upstream.AssetTimeout,
		DownloadTimeout:   cfg.Upstream.DownloadTimeout,
		DialTimeout:       cfg.Upstream.DialTimeout,
		MaxRedirects:      cfg.Upstream.MaxRedirects,
		MaxBodyBytes:      cfg.Upstream.MaxBodyBytes,
		UserAgent:         cfg.Upstream.UserAgent,
		Metrics:           metrics,
		Logger:            logger,
	})
	a.closers = append(a.closers, executor.Close)

	rewriter := rewrite.NewEngine(logger, metrics)

	registry := config.NewRegistry(config.BuildSnapshot(cfg.Sites, time.Now()))
	if watch && cfg.SitesFile != "" {
		watcher, err := config.NewSitesWatcher(config.SitesWatcherConfig{
			Path:      cfg.SitesFile,
			Inline:    cfg.InlineSites(),
			PublicURL: cfg.Server.PublicURL,
			Registry:  registry,
			OnReload:  func(*domain.Snapshot) { rewriter.Invalidate() },
			Metrics:   metrics,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := watcher.Close(); err != nil {
				logger.Warn("Closing sites watcher failed", "error", err)
			}
		})
	}

	relayCfg := relay.Config{
		Sites:         registry,
		Sessions:      resolver,
		Validator:     validator,
		Credentials:   provider,
		Selector:      selector,
		Upstream:      executor,
		Rewriter:      rewriter,
		Assets:        assets,
		Retry:         governance.DefaultRetryConfig(),
		PublicURL:     cfg.Server.PublicURL,
		ExpiredPath:   cfg.Session.ExpiredPath,
		DebugErrors:   cfg.Server.DebugErrors,
		MaxBodyBytes:  cfg.Upstream.MaxBodyBytes,
		Metrics:       metrics,
		Logger:        logger,
		RecordTimeout: cfg.Quota.Timeout,
	}

	if cfg.Quota.URL != "" {
		gate, err := quota.NewGate(quota.Config{
			URL:          cfg.Quota.URL,
			APIKey:       cfg.Quota.APIKey,
			Timeout:      cfg.Quota.Timeout,
			Plans:        cfg.Quota.Plans,
			DefaultLimit: cfg.Quota.DefaultLimit,
			Breaker:      newBreaker("quota", logger),
			Metrics:      metrics,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		relayCfg.Quota = gate
	} else {
		logger.Warn("No quota service configured, downloads are unmetered")
	}

	if cfg.Browser.Enabled {
		launcher := browser.NewLauncher(browser.DefaultLaunch(cfg.Browser.Config), logger)
		a.closers = append(a.closers, func() {
			if err := launcher.Close(); err != nil {
				logger.Warn("Closing browser failed", "error", err)
			}
		})
		relayCfg.Renderer = browser.NewRenderer(launcher, cfg.Browser.RenderTimeout, logger)
	}

	a.relay = relay.NewHandler(relayCfg)
	a.data = otelhttp.NewHandler(a.relay, "siterelay.data")
	a.admin = admin.NewHandler(admin.Config{
		Secret: cfg.Admin.Secret,
		Caches: caches,
		Rules:  rewriter,
		Sites:  registry,
		Limiter: governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.Admin.RequestsPerSecond,
			BurstSize:         cfg.Admin.Burst,
		}),
		Metrics: metrics,
		Logger:  logger,
	})
	return a, nil
}

func newBreaker(name string, logger *slog.Logger) *governance.CircuitBreaker {
	return governance.NewCircuitBreaker(name, governance.CircuitBreakerConfig{
		MaxFailures:         breakerMaxFailures,
		Timeout:             breakerOpenTimeout,
		MaxHalfOpenRequests: 1,
	}, governance.WithStateChangeHook(func(name string, from, to governance.CircuitBreakerState) {
		logger.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}))
}
