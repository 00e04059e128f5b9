package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetCache_SetGetClear(t *testing.T) {
	a, err := NewAssetCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer a.Close()

	key := AssetKey("acme", "/static/app.css", "v=1")
	assert.Equal(t, "acme|/static/app.css?v=1", key)

	asset := CachedAsset{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/css"}}, Body: []byte("body{}")}
	require.True(t, a.Set(key, asset))

	got, ok := a.Get(key)
	require.True(t, ok)
	assert.Equal(t, asset.Body, got.Body)

	a.Clear()
	_, ok = a.Get(key)
	assert.False(t, ok)
}

func TestAssetCache_RejectsOversized(t *testing.T) {
	a, err := NewAssetCache(16, time.Minute)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Set("k", CachedAsset{Body: make([]byte, 32)}))
	assert.Equal(t, 16, a.Stats().MaxBytes)
}

func TestAssetCache_InvalidBudget(t *testing.T) {
	_, err := NewAssetCache(0, time.Minute)
	assert.Error(t, err)
}

func TestAssetCache_NilSafe(t *testing.T) {
	var a *AssetCache
	_, ok := a.Get("k")
	assert.False(t, ok)
	assert.False(t, a.Set("k", CachedAsset{}))
	a.Clear()
	a.Close()
}

func TestCaches_ClearAllCoversAssets(t *testing.T) {
	assets, err := NewAssetCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer assets.Close()

	c := New(Config{})
	c.AttachAssets(assets)
	assets.Set("k", CachedAsset{Body: []byte("x")})

	c.ClearAll()
	_, ok := assets.Get("k")
	assert.False(t, ok)
	require.NotNil(t, c.Stats().Assets)
}
