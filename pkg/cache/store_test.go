package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/siterelay/pkg/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_GetSetAndLazyEviction(t *testing.T) {
	clock := newFakeClock()
	s := NewStore[string]("session", 30*time.Second, clock.Now)

	s.Set("k", "v")
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	clock.Advance(30 * time.Second)
	_, ok = s.Get("k")
	assert.True(t, ok, "entry is still live at its expiry instant")

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Len(), "stale entries linger until read")
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "stale entry removed on read")

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 30.0, stats.TTLSeconds)
}

func TestStore_NoExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewStore[int]("pinned", 0, clock.Now)

	s.Set("a", 1)
	s.SetWithTTL("b", 2, -time.Second)
	clock.Advance(365 * 24 * time.Hour)

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = s.Get("b")
	assert.True(t, ok)

	s.Clear()
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestStore_OverwriteReplacesWholeEntry(t *testing.T) {
	clock := newFakeClock()
	s := NewStore[[]string]("credentials", time.Minute, clock.Now)

	s.Set("acme", []string{"a", "b"})
	clock.Advance(50 * time.Second)
	s.Set("acme", []string{"c"})
	clock.Advance(50 * time.Second)

	got, ok := s.Get("acme")
	require.True(t, ok, "overwrite resets expiry")
	assert.Equal(t, []string{"c"}, got)
}

func TestCaches_ClearAllEmptiesEveryNamespace(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Clock: clock.Now})

	c.Sessions().Set("fp", domain.UserSession{UserEmail: "a@example.com"})
	c.Dashboard().Set(DashboardKey("a@example.com", "tok"), DashboardResult{Valid: true})
	c.Credentials().Set("acme", []domain.CredentialBundle{{}})

	before := c.Stats()
	assert.Equal(t, 1, before.Session.Entries)
	assert.Equal(t, 1, before.Dashboard.Entries)
	assert.Equal(t, 1, before.Credentials.Entries)
	assert.Nil(t, before.LastCleared)

	c.ClearAll()

	after := c.Stats()
	assert.Zero(t, after.Session.Entries)
	assert.Zero(t, after.Dashboard.Entries)
	assert.Zero(t, after.Credentials.Entries)
	require.NotNil(t, after.LastCleared)
	assert.Equal(t, clock.Now(), *after.LastCleared)

	_, ok := c.Sessions().Get("fp")
	assert.False(t, ok)
}

func TestCaches_DefaultTTLs(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultSessionTTL, c.Sessions().TTL())
	assert.Equal(t, DefaultDashboardTTL, c.Dashboard().TTL())
	assert.Equal(t, DefaultCredentialsTTL, c.Credentials().TTL())
}

func TestCaches_ConcurrentAccess(t *testing.T) {
	c := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Sessions().Set("fp", domain.UserSession{Product: "p"})
				c.Sessions().Get("fp")
				if j%50 == 0 && i == 0 {
					c.ClearAll()
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("tok", "prefix", "site")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("tok", "prefix", "site"))
	assert.NotEqual(t, a, Fingerprint("tok", "prefixsite", ""))
	assert.NotEqual(t, a, Fingerprint("site", "prefix", "tok"))

	assert.Equal(t, DashboardKey("A@Example.com ", "t"), DashboardKey("a@example.com", "t"))
	assert.NotEqual(t, DashboardKey("a@example.com", "t1"), DashboardKey("a@example.com", "t2"))
}

func TestProperty_TTLBoundary(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		ttlSeconds := rapid.IntRange(1, 3600).Draw(t, "ttl")
		elapsed := rapid.IntRange(0, 7200).Draw(t, "elapsed")
		ttl := time.Duration(ttlSeconds) * time.Second

		s := NewStore[int]("p", ttl, clock.Now)
		s.Set("k", 7)
		clock.Advance(time.Duration(elapsed) * time.Second)

		_, ok := s.Get("k")
		if want := elapsed <= ttlSeconds; ok != want {
			t.Fatalf("ttl=%ds elapsed=%ds: live=%v want %v", ttlSeconds, elapsed, ok, want)
		}
	})
}
