// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/siterelay/pkg/browser"
	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/session"
)

// Config holds the global configuration for the relay.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Session     SessionConfig     `yaml:"session"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Quota       QuotaConfig       `yaml:"quota"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	AssetCache  AssetCacheConfig  `yaml:"asset_cache"`
	Browser     BrowserConfig     `yaml:"browser"`
	Admin       AdminConfig       `yaml:"admin"`

	Sites     []domain.SiteProfile `yaml:"sites"`
	SitesFile string               `yaml:"sites_file"`

	// fileSites counts the trailing entries of Sites read from SitesFile.
	fileSites int
}

// InlineSites returns the sites declared in the main config file.
func (c *Config) InlineSites() []domain.SiteProfile {
	return c.Sites[:len(c.Sites)-c.fileSites]
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
	DataAddress  string `yaml:"data_address"`
	// PublicURL is the externally visible base URL of the relay. Rewritten
	// absolute URLs point here. Empty means root-relative rewriting.
	PublicURL         string        `yaml:"public_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// DebugErrors appends the wrapped cause to client-facing error bodies.
	DebugErrors bool `yaml:"debug_errors"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// SessionConfig configures session cookie decoding.
type SessionConfig struct {
	// Codec is "secretbox" (per-field encrypted cookies) or "jwt".
	Codec           string              `yaml:"codec"`
	Secret          string              `yaml:"secret"`
	Cookies         session.CookieNames `yaml:"cookies"`
	JWTCookie       string              `yaml:"jwt_cookie"`
	ExpirationHours int                 `yaml:"expiration_hours"`
	CacheTTL        time.Duration       `yaml:"cache_ttl"`
	ExpiredPath     string              `yaml:"expired_path"`
}

// Expiration returns the session lifetime.
func (c SessionConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationHours) * time.Hour
}

// DashboardConfig configures the optional dashboard revalidation.
type DashboardConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CredentialsConfig configures the account API.
type CredentialsConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Timeout      time.Duration `yaml:"timeout"`
	WarmSchedule string        `yaml:"warm_schedule"`
	WarmPrefixes []string      `yaml:"warm_prefixes"`
}

// RotationConfig configures the time-bucketed bundle rotation.
type RotationConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timezone string        `yaml:"timezone"`
}

// QuotaConfig configures the stats service used for download quotas.
type QuotaConfig struct {
	URL          string         `yaml:"url"`
	APIKey       string         `yaml:"api_key"`
	Timeout      time.Duration  `yaml:"timeout"`
	Plans        map[string]int `yaml:"plans"`
	DefaultLimit int            `yaml:"default_limit"`
}

// UpstreamConfig configures the upstream executor.
type UpstreamConfig struct {
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	AssetTimeout      time.Duration `yaml:"asset_timeout"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	MaxRedirects      int           `yaml:"max_redirects"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	UserAgent         string        `yaml:"user_agent"`
}

// AssetCacheConfig configures the rewritten static asset cache.
type AssetCacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxBytes int           `yaml:"max_bytes"`
	TTL      time.Duration `yaml:"ttl"`
}

// BrowserConfig configures the headless render session.
type BrowserConfig struct {
	Enabled        bool `yaml:"enabled"`
	browser.Config `yaml:",inline"`
}

// AdminConfig configures the admin surface.
type AdminConfig struct {
	Secret string `yaml:"secret"`
	// RequestsPerSecond and Burst bound admin calls per client address.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:      ":19090",
			DataAddress:       ":8090",
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       90 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName: "siterelay",
		},
		Session: SessionConfig{
			Codec:           "secretbox",
			Cookies:         session.DefaultCookieNames(),
			JWTCookie:       "relay_session",
			ExpirationHours: 24,
			CacheTTL:        time.Hour,
			ExpiredPath:     "/expired",
		},
		Dashboard: DashboardConfig{
			CacheTTL: 10 * time.Minute,
			Timeout:  5 * time.Second,
		},
		Credentials: CredentialsConfig{
			CacheTTL: 10 * time.Minute,
			Timeout:  10 * time.Second,
		},
		Rotation: RotationConfig{
			Interval: 10 * time.Minute,
			Timezone: "UTC",
		},
		Quota: QuotaConfig{
			Timeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			NavigationTimeout: 15 * time.Second,
			AssetTimeout:      30 * time.Second,
			DownloadTimeout:   60 * time.Second,
			DialTimeout:       10 * time.Second,
			MaxRedirects:      5,
			MaxBodyBytes:      64 << 20,
		},
		AssetCache: AssetCacheConfig{
			MaxBytes: 256 << 20,
			TTL:      time.Hour,
		},
		Browser: BrowserConfig{
			Config: browser.Config{
				Headless:      true,
				LaunchTimeout: 30 * time.Second,
				RenderTimeout: 45 * time.Second,
			},
		},
		Admin: AdminConfig{
			RequestsPerSecond: 1,
			Burst:             10,
		},
	}
}

// Load reads configuration from a file, expands ${VAR} references, applies
// environment variable overrides and validates the result. Sites declared in
// sites_file are appended to the inline ones.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.SitesFile != "" {
		sites, err := LoadSitesFile(cfg.SitesFile)
		if err != nil {
			return nil, err
		}
		cfg.Sites = append(cfg.Sites, sites...)
		cfg.fileSites = len(sites)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setBool := func(key string, dst *bool) {
		if val, err := strconv.ParseBool(os.Getenv(key)); err == nil {
			*dst = val
		}
	}

	setString("SITERELAY_ADMIN_ADDR", &cfg.Server.AdminAddress)
	setString("SITERELAY_DATA_ADDR", &cfg.Server.DataAddress)
	setString("SITERELAY_PUBLIC_URL", &cfg.Server.PublicURL)
	setBool("SITERELAY_DEBUG_ERRORS", &cfg.Server.DebugErrors)

	setString("SITERELAY_LOG_LEVEL", &cfg.Logging.Level)

	setString("SITERELAY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	setBool("SITERELAY_OTLP_INSECURE", &cfg.Telemetry.Insecure)

	setString("SITERELAY_SESSION_SECRET", &cfg.Session.Secret)
	setString("SITERELAY_DASHBOARD_URL", &cfg.Dashboard.URL)

	setString("SITERELAY_CREDENTIALS_URL", &cfg.Credentials.URL)
	setString("SITERELAY_CREDENTIALS_API_KEY", &cfg.Credentials.APIKey)

	setString("SITERELAY_QUOTA_URL", &cfg.Quota.URL)
	setString("SITERELAY_QUOTA_API_KEY", &cfg.Quota.APIKey)

	setString("SITERELAY_ADMIN_SECRET", &cfg.Admin.Secret)
	setString("SITERELAY_SITES_FILE", &cfg.SitesFile)

	if val := os.Getenv("SITERELAY_ROTATION_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Rotation.Interval = d
		}
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration: %w", err)
	}
	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials configuration: %w", err)
	}
	if err := c.Rotation.Validate(); err != nil {
		return fmt.Errorf("rotation configuration: %w", err)
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota configuration: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}
	if c.AssetCache.Enabled && c.AssetCache.MaxBytes <= 0 {
		return fmt.Errorf("asset cache configuration: max_bytes must be positive")
	}
	if c.Dashboard.CacheTTL < 0 || c.Dashboard.Timeout < 0 {
		return fmt.Errorf("dashboard configuration: durations must not be negative")
	}
	if err := ValidateSites(c.Sites, c.Server.PublicURL); err != nil {
		return fmt.Errorf("sites: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address must differ (both %q)", c.DataAddress)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("public_url %q must be an absolute http(s) URL", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of session configuration.
func (c *SessionConfig) Validate() error {
	switch strings.ToLower(c.Codec) {
	case "", "secretbox":
		c.Codec = "secretbox"
	case "jwt":
		c.Codec = "jwt"
	default:
		return fmt.Errorf("unknown codec %q, supported codecs: secretbox, jwt", c.Codec)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.ExpirationHours <= 0 {
		return fmt.Errorf("expiration_hours must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	if c.ExpiredPath == "" {
		c.ExpiredPath = "/expired"
	}
	return nil
}

// Validate performs validation of credentials configuration.
func (c *CredentialsConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.CacheTTL < 0 || c.Timeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.WarmSchedule != "" && len(c.WarmPrefixes) == 0 {
		return fmt.Errorf("warm_schedule requires warm_prefixes")
	}
	return nil
}

// Validate performs validation of rotation configuration.
func (c *RotationConfig) Validate() error {
	if c.Interval < time.Minute {
		return fmt.Errorf("interval must be at least one minute, got %s", c.Interval)
	}
	if c.Interval%time.Minute != 0 {
		return fmt.Errorf("interval must be a whole number of minutes, got %s", c.Interval)
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Validate performs validation of quota configuration. Without a URL the
// quota gate is disabled.
func (c *QuotaConfig) Validate() error {
	for plan, limit := range c.Plans {
		if limit < 0 {
			return fmt.Errorf("plan %q has a negative limit", plan)
		}
	}
	if c.DefaultLimit < 0 {
		return fmt.Errorf("default_limit must not be negative")
	}
	return nil
}

// Validate performs validation of upstream configuration.
func (c *UpstreamConfig) Validate() error {
	if c.NavigationTimeout < 0 || c.AssetTimeout < 0 || c.DownloadTimeout < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must not be negative")
	}
	return nil
}
