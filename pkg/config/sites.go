package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/rewrite"
)

// ReservedNames are top-level routes a site name must not shadow.
var ReservedNames = []string{"expired", "check-session", "limit-reached", "healthz", "admin", "metrics"}

var siteNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// sitesDocument is the on-disk shape of a sites file.
type sitesDocument struct {
	Sites []domain.SiteProfile `yaml:"sites"`
}

// LoadSitesFile reads site profiles from a YAML file with a top-level
// "sites" list. ${VAR} references are expanded.
func LoadSitesFile(path string) ([]domain.SiteProfile, error) {
	//nolint:gosec // Sites file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file %s: %w", path, err)
	}
	return ParseSites(data)
}

// ParseSites decodes a sites document.
func ParseSites(data []byte) ([]domain.SiteProfile, error) {
	var doc sitesDocument
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sites: %w", err)
	}
	return doc.Sites, nil
}

// ValidateSites normalises and checks site profiles in place. Every profile
// must compile into a rewrite ruleset against publicURL.
func ValidateSites(sites []domain.SiteProfile, publicURL string) error {
	seen := make(map[string]struct{}, len(sites))
	for i := range sites {
		site := &sites[i]
		site.Name = strings.ToLower(strings.TrimSpace(site.Name))
		site.Domain = strings.ToLower(strings.TrimSpace(site.Domain))

		if !siteNamePattern.MatchString(site.Name) {
			return fmt.Errorf("site %d: invalid name %q", i, site.Name)
		}
		for _, reserved := range ReservedNames {
			if site.Name == reserved {
				return fmt.Errorf("site %q: name collides with a reserved route", site.Name)
			}
		}
		if _, dup := seen[site.Name]; dup {
			return fmt.Errorf("site %q: duplicate name", site.Name)
		}
		seen[site.Name] = struct{}{}

		if err := validateSite(site); err != nil {
			return fmt.Errorf("site %q: %w", site.Name, err)
		}
		if _, err := rewrite.Compile(site, publicURL); err != nil {
			return fmt.Errorf("site %q: %w", site.Name, err)
		}
	}
	return validateAssetPaths(sites, seen)
}

// validateAssetPaths rejects asset paths that a site or reserved route would
// shadow, since the first path segment is matched against site names first.
func validateAssetPaths(sites []domain.SiteProfile, names map[string]struct{}) error {
	for _, site := range sites {
		for _, asset := range site.AssetDomains {
			first, _, _ := strings.Cut(strings.TrimPrefix(asset.To, "/"), "/")
			first = strings.ToLower(first)
			if _, taken := names[first]; taken {
				return fmt.Errorf("site %q: asset path %q is shadowed by site %q", site.Name, asset.To, first)
			}
			for _, reserved := range ReservedNames {
				if first == reserved {
					return fmt.Errorf("site %q: asset path %q collides with a reserved route", site.Name, asset.To)
				}
			}
		}
	}
	return nil
}

func validateSite(site *domain.SiteProfile) error {
	if site.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if strings.ContainsAny(site.Domain, "/ ") {
		return fmt.Errorf("domain %q must be a bare host", site.Domain)
	}
	switch site.Scheme {
	case "":
		site.Scheme = "https"
	case "http", "https":
	default:
		return fmt.Errorf("scheme %q must be http or https", site.Scheme)
	}
	if site.RedirectPath == "" {
		site.RedirectPath = "/"
	}
	if !strings.HasPrefix(site.RedirectPath, "/") {
		return fmt.Errorf("redirect_path %q must start with /", site.RedirectPath)
	}
	for _, asset := range site.AssetDomains {
		if asset.From == "" {
			return fmt.Errorf("asset domain with empty from")
		}
		if !strings.HasPrefix(asset.To, "/") || asset.To == "/" {
			return fmt.Errorf("asset domain %q: local path %q must be an absolute path", asset.From, asset.To)
		}
	}
	for _, script := range site.Scripts {
		switch script.Position {
		case domain.ScriptHead, domain.ScriptBodyEnd:
		default:
			return fmt.Errorf("script %q: position must be head or body_end", script.ID)
		}
	}
	if d := site.Download; d != nil {
		if len(d.Paths) == 0 {
			return fmt.Errorf("download needs at least one path")
		}
		if t := d.Token; t != nil {
			if t.PagePath == "" || t.Pattern == "" {
				return fmt.Errorf("download token needs page_path and pattern")
			}
			re, err := regexp.Compile(t.Pattern)
			if err != nil {
				return fmt.Errorf("download token pattern: %w", err)
			}
			if re.NumSubexp() < 1 {
				return fmt.Errorf("download token pattern must capture the token")
			}
			if t.Param == "" && t.Header == "" {
				return fmt.Errorf("download token needs param or header")
			}
			if t.MaxAttempts < 0 {
				return fmt.Errorf("download token max_attempts must not be negative")
			}
		}
	}
	return nil
}

// BuildSnapshot indexes sites into an immutable registry. The generation is
// a content hash so identical reloads are recognisable.
func BuildSnapshot(sites []domain.SiteProfile, now time.Time) *domain.Snapshot {
	data, err := yaml.Marshal(sites)
	generation := "unknown"
	if err == nil {
		generation = fmt.Sprintf("%016x", xxh3.Hash(data))
	}
	return domain.NewSnapshot(generation, sites, now)
}
