package relay

import (
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/polisai/siterelay/pkg/domain"
)

// route is the resolved target of an inbound path.
type route struct {
	site *domain.SiteProfile
	// host is the upstream host: the site domain or an asset domain.
	host string
	// rel is the upstream path, always starting with "/".
	rel string
	// asset is set for requests that arrived under an asset domain path.
	asset bool
}

type assetRoute struct {
	local string
	host  string
	site  *domain.SiteProfile
}

// routeTable indexes asset paths of one snapshot, longest first.
type routeTable struct {
	snapshot *domain.Snapshot
	assets   []assetRoute
}

func buildRouteTable(snapshot *domain.Snapshot) *routeTable {
	t := &routeTable{snapshot: snapshot}
	if snapshot == nil {
		return t
	}
	for _, site := range snapshot.Sites {
		for _, asset := range site.AssetDomains {
			local := strings.TrimRight(asset.To, "/")
			if local == "" {
				continue
			}
			t.assets = append(t.assets, assetRoute{local: local, host: strings.ToLower(asset.From), site: site})
		}
	}
	sort.SliceStable(t.assets, func(i, j int) bool {
		if len(t.assets[i].local) != len(t.assets[j].local) {
			return len(t.assets[i].local) > len(t.assets[j].local)
		}
		return t.assets[i].local < t.assets[j].local
	})
	return t
}

// router caches the route table of the latest snapshot it saw.
type router struct {
	table atomic.Pointer[routeTable]
}

func (r *router) tableFor(snapshot *domain.Snapshot) *routeTable {
	if t := r.table.Load(); t != nil && t.snapshot == snapshot {
		return t
	}
	t := buildRouteTable(snapshot)
	r.table.Store(t)
	return t
}

// resolve maps an inbound path onto a site or asset route.
func (r *router) resolve(snapshot *domain.Snapshot, rawPath string) (route, bool) {
	cleaned := cleanPath(rawPath)

	name, rest := splitFirst(cleaned)
	if site, ok := snapshot.Site(name); ok {
		return route{site: site, host: site.Domain, rel: rest}, true
	}

	for _, a := range r.tableFor(snapshot).assets {
		if cleaned == a.local || strings.HasPrefix(cleaned, a.local+"/") {
			rel := strings.TrimPrefix(cleaned, a.local)
			if rel == "" {
				rel = "/"
			}
			return route{site: a.site, host: a.host, rel: rel, asset: true}, true
		}
	}
	return route{}, false
}

// cleanPath normalises dot segments while keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// splitFirst splits "/a/b/c" into "a" and "/b/c".
func splitFirst(p string) (string, string) {
	trimmed := strings.TrimPrefix(p, "/")
	name, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return name, "/"
	}
	return name, "/" + rest
}
