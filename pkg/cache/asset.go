package cache

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/maypok86/otter"
)

// CachedAsset is a rewritten static response kept for reuse.
type CachedAsset struct {
	Status int
	Header http.Header
	Body   []byte
}

// AssetCache is a byte-bounded cache of static asset responses.
type AssetCache struct {
	cache    otter.Cache[string, CachedAsset]
	maxBytes int
}

// AssetStats reports asset cache usage.
type AssetStats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	MaxBytes int   `json:"max_bytes"`
}

// NewAssetCache builds an asset cache bounded to maxBytes of bodies.
func NewAssetCache(maxBytes int, ttl time.Duration) (*AssetCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("asset cache: max bytes must be positive")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c, err := otter.MustBuilder[string, CachedAsset](maxBytes).
		CollectStats().
		Cost(func(key string, value CachedAsset) uint32 {
			return assetCost(key, value)
		}).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("asset cache: %w", err)
	}
	return &AssetCache{cache: c, maxBytes: maxBytes}, nil
}

func assetCost(key string, value CachedAsset) uint32 {
	size := len(key) + len(value.Body)
	if size > math.MaxUint32 {
		return math.MaxUint32
	}
	if size == 0 {
		return 1
	}
	return uint32(size)
}

// AssetKey builds the cache key for a site-relative asset request.
func AssetKey(site, path, rawQuery string) string {
	if rawQuery == "" {
		return site + "|" + path
	}
	return site + "|" + path + "?" + rawQuery
}

// Get returns a cached asset.
func (a *AssetCache) Get(key string) (CachedAsset, bool) {
	if a == nil {
		return CachedAsset{}, false
	}
	return a.cache.Get(key)
}

// Set stores an asset. Entries larger than the whole budget are skipped.
func (a *AssetCache) Set(key string, asset CachedAsset) bool {
	if a == nil || len(asset.Body) >= a.maxBytes {
		return false
	}
	return a.cache.Set(key, asset)
}

// Clear drops every cached asset.
func (a *AssetCache) Clear() {
	if a == nil {
		return
	}
	a.cache.Clear()
}

// Stats snapshots asset cache counters.
func (a *AssetCache) Stats() AssetStats {
	stats := a.cache.Stats()
	return AssetStats{
		Entries:  a.cache.Size(),
		Hits:     stats.Hits(),
		Misses:   stats.Misses(),
		MaxBytes: a.maxBytes,
	}
}

// Close releases the cache's background resources.
func (a *AssetCache) Close() {
	if a == nil {
		return
	}
	a.cache.Close()
}
