package cache

import (
	"sync/atomic"
	"time"

	"github.com/polisai/siterelay/pkg/domain"
)

// Default namespace TTLs.
const (
	DefaultSessionTTL     = 30 * time.Second
	DefaultDashboardTTL   = 15 * time.Second
	DefaultCredentialsTTL = 10 * time.Minute
)

// Config sets the namespace TTLs.
type Config struct {
	SessionTTL     time.Duration
	DashboardTTL   time.Duration
	CredentialsTTL time.Duration
	Clock          func() time.Time
}

// DashboardResult is a cached dashboard validation outcome.
type DashboardResult struct {
	Valid bool
	Email string
}

type namespaces struct {
	sessions    *Store[domain.UserSession]
	dashboard   *Store[DashboardResult]
	credentials *Store[[]domain.CredentialBundle]
	cleared     time.Time
}

// Caches groups the session, dashboard and credential namespaces. ClearAll
// swaps in a fresh generation so readers never observe a partial clear.
type Caches struct {
	cfg     Config
	current atomic.Pointer[namespaces]
	assets  *AssetCache
}

// New builds the namespace group.
func New(cfg Config) *Caches {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.DashboardTTL == 0 {
		cfg.DashboardTTL = DefaultDashboardTTL
	}
	if cfg.CredentialsTTL == 0 {
		cfg.CredentialsTTL = DefaultCredentialsTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	c := &Caches{cfg: cfg}
	c.current.Store(c.fresh(time.Time{}))
	return c
}

func (c *Caches) fresh(cleared time.Time) *namespaces {
	return &namespaces{
		sessions:    NewStore[domain.UserSession]("session", c.cfg.SessionTTL, c.cfg.Clock),
		dashboard:   NewStore[DashboardResult]("dashboard", c.cfg.DashboardTTL, c.cfg.Clock),
		credentials: NewStore[[]domain.CredentialBundle]("credentials", c.cfg.CredentialsTTL, c.cfg.Clock),
		cleared:     cleared,
	}
}

// AttachAssets registers the static asset cache so ClearAll and Stats cover it.
func (c *Caches) AttachAssets(assets *AssetCache) {
	c.assets = assets
}

// Assets returns the attached asset cache, or nil.
func (c *Caches) Assets() *AssetCache {
	return c.assets
}

// Sessions is the decoded-session namespace keyed by cookie fingerprint.
func (c *Caches) Sessions() *Store[domain.UserSession] {
	return c.current.Load().sessions
}

// Dashboard is the dashboard revalidation namespace keyed by DashboardKey.
func (c *Caches) Dashboard() *Store[DashboardResult] {
	return c.current.Load().dashboard
}

// Credentials is the credential bundle namespace keyed by site prefix.
func (c *Caches) Credentials() *Store[[]domain.CredentialBundle] {
	return c.current.Load().credentials
}

// ClearAll empties every namespace in one step.
func (c *Caches) ClearAll() {
	c.current.Store(c.fresh(c.cfg.Clock()))
	if c.assets != nil {
		c.assets.Clear()
	}
}

// Stats is the admin view of all namespaces.
type Stats struct {
	Session     NamespaceStats `json:"session"`
	Dashboard   NamespaceStats `json:"dashboard"`
	Credentials NamespaceStats `json:"credentials"`
	Assets      *AssetStats    `json:"assets,omitempty"`
	LastCleared *time.Time     `json:"last_cleared,omitempty"`
}

// Stats snapshots the counters of the current generation.
func (c *Caches) Stats() Stats {
	ns := c.current.Load()
	stats := Stats{
		Session:     ns.sessions.Stats(),
		Dashboard:   ns.dashboard.Stats(),
		Credentials: ns.credentials.Stats(),
	}
	if !ns.cleared.IsZero() {
		cleared := ns.cleared
		stats.LastCleared = &cleared
	}
	if c.assets != nil {
		assetStats := c.assets.Stats()
		stats.Assets = &assetStats
	}
	return stats
}
