package rewrite

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Location rewrites an upstream redirect target into a proxy-relative path.
// Targets on an asset domain map to its local path, targets on the site's
// registrable domain map under the site prefix, root-relative targets are
// re-rooted and anything else is returned unchanged.
func (rs *Ruleset) Location(location string) string {
	location = strings.TrimSpace(location)
	if location == "" || rs.site == nil {
		return location
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	if u.Host == "" {
		if u.Scheme != "" {
			return location
		}
		return rs.relative(location)
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return location
	}

	host := strings.ToLower(hostOnly(u.Host))
	for _, m := range rs.domains {
		if host == hostOnly(m.from) {
			return joinLocal(m.to, u)
		}
	}
	if site := strings.ToLower(hostOnly(rs.site.Domain)); site != "" && sameRegistrableDomain(host, site) {
		return joinLocal(rs.prefix, u)
	}
	return location
}

func joinLocal(prefix string, u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	out := prefix + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

func sameRegistrableDomain(a, b string) bool {
	if a == b {
		return true
	}
	ra, err := publicsuffix.EffectiveTLDPlusOne(a)
	if err != nil {
		return false
	}
	rb, err := publicsuffix.EffectiveTLDPlusOne(b)
	if err != nil {
		return false
	}
	return ra == rb
}
