package domain

import (
	"strings"
	"time"
)

// Snapshot represents a point-in-time set of site profiles. Reloads build a
// new Snapshot and swap it in whole.
type Snapshot struct {
	Generation string
	Sites      map[string]*SiteProfile
	Timestamp  time.Time
}

// NewSnapshot indexes the given profiles by name.
func NewSnapshot(generation string, sites []SiteProfile, now time.Time) *Snapshot {
	index := make(map[string]*SiteProfile, len(sites))
	for i := range sites {
		site := sites[i]
		index[site.Name] = &site
	}
	return &Snapshot{Generation: generation, Sites: index, Timestamp: now}
}

// Site returns the profile with the given name.
func (s *Snapshot) Site(name string) (*SiteProfile, bool) {
	if s == nil {
		return nil, false
	}
	site, ok := s.Sites[name]
	return site, ok
}

// Names lists the configured site names.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Sites))
	for name := range s.Sites {
		names = append(names, name)
	}
	return names
}

// ScriptPosition controls where an injected script lands in an HTML document.
type ScriptPosition string

const (
	// ScriptHead places the script right after the opening head tag.
	ScriptHead ScriptPosition = "head"
	// ScriptBodyEnd places the script right before the closing body tag.
	ScriptBodyEnd ScriptPosition = "body_end"
)

// ScriptInjection is a snippet added to every rewritten HTML document of a site.
type ScriptInjection struct {
	ID       string         `yaml:"id" json:"id"`
	Position ScriptPosition `yaml:"position" json:"position"`
	Content  string         `yaml:"content" json:"content"`
}

// AssetDomain maps an upstream asset host onto a local proxy path.
type AssetDomain struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// RuleSpec declares an extra rewrite rule for a site.
type RuleSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Pattern      string   `yaml:"pattern" json:"pattern"`
	Replacement  string   `yaml:"replacement" json:"replacement"`
	Regex        bool     `yaml:"regex" json:"regex"`
	ContentTypes []string `yaml:"content_types" json:"content_types"`
}

// TokenConfig describes how an anti-forgery token is scraped before a download.
type TokenConfig struct {
	PagePath    string `yaml:"page_path" json:"page_path"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Param       string `yaml:"param" json:"param"`
	Header      string `yaml:"header" json:"header"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
}

// DownloadConfig marks the endpoints subject to the daily quota.
type DownloadConfig struct {
	Paths []string     `yaml:"paths" json:"paths"`
	Tool  string       `yaml:"tool" json:"tool"`
	Token *TokenConfig `yaml:"token,omitempty" json:"token,omitempty"`
}

// SiteProfile is the static description of one proxied upstream site.
type SiteProfile struct {
	Name                      string            `yaml:"name" json:"name"`
	Domain                    string            `yaml:"domain" json:"domain"`
	Scheme                    string            `yaml:"scheme" json:"scheme"`
	RedirectPath              string            `yaml:"redirect_path" json:"redirect_path"`
	BannedPaths               []string          `yaml:"banned_paths" json:"banned_paths"`
	UsesExternalOutboundProxy bool              `yaml:"uses_external_outbound_proxy" json:"uses_external_outbound_proxy"`
	AssetDomains              []AssetDomain     `yaml:"asset_domains" json:"asset_domains"`
	SkipRewritePaths          []string          `yaml:"skip_rewrite_paths" json:"skip_rewrite_paths"`
	DefaultHeaders            map[string]string `yaml:"default_headers" json:"default_headers"`
	Scripts                   []ScriptInjection `yaml:"scripts" json:"scripts"`
	RewriteRules              []RuleSpec        `yaml:"rewrite_rules" json:"rewrite_rules"`
	JSPathPrefixes            []string          `yaml:"js_path_prefixes" json:"js_path_prefixes"`
	AuxiliaryJSONPaths        []string          `yaml:"auxiliary_json_paths" json:"auxiliary_json_paths"`
	PixelPaths                []string          `yaml:"pixel_paths" json:"pixel_paths"`
	StripResponseHeaders      []string          `yaml:"strip_response_headers" json:"strip_response_headers"`
	Download                  *DownloadConfig   `yaml:"download,omitempty" json:"download,omitempty"`
	Render                    bool              `yaml:"render" json:"render"`
}

// Origin returns scheme://domain for the upstream site.
func (s *SiteProfile) Origin() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + s.Domain
}

// LocalPrefix is the path prefix the site is served under, e.g. "/acme".
func (s *SiteProfile) LocalPrefix() string {
	return "/" + s.Name
}

// IsBanned reports whether a site-relative path is blocked. A banned entry
// matches when its segments equal the leading segments of the path, so
// "config" bans "/config/x" but not "/config-files/x" or "/Config/x".
func (s *SiteProfile) IsBanned(relPath string) bool {
	segments := splitSegments(relPath)
	for _, banned := range s.BannedPaths {
		want := splitSegments(banned)
		if len(want) == 0 || len(want) > len(segments) {
			continue
		}
		match := true
		for i := range want {
			if want[i] != segments[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// SkipsRewrite reports whether responses for relPath bypass body rewriting.
func (s *SiteProfile) SkipsRewrite(relPath string) bool {
	return hasAnyPrefix(relPath, s.SkipRewritePaths)
}

// IsAuxiliaryJSON reports whether relPath is a best-effort JSON endpoint.
func (s *SiteProfile) IsAuxiliaryJSON(relPath string) bool {
	return hasAnyPrefix(relPath, s.AuxiliaryJSONPaths)
}

// IsPixel reports whether relPath is an analytics beacon answered locally.
func (s *SiteProfile) IsPixel(relPath string) bool {
	return hasAnyPrefix(relPath, s.PixelPaths)
}

// IsDownload reports whether relPath is a quota-metered download endpoint.
func (s *SiteProfile) IsDownload(relPath string) bool {
	return s.Download != nil && hasAnyPrefix(relPath, s.Download.Paths)
}

// ToolName is the quota key for downloads on this site.
func (s *SiteProfile) ToolName() string {
	if s.Download != nil && s.Download.Tool != "" {
		return s.Download.Tool
	}
	return s.Name
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
