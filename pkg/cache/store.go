// Package cache holds the relay's in-memory TTL namespaces.
//
// Entries are evicted lazily: a stale entry is removed only when it is read.
// Writes replace the whole entry, so concurrent writers resolve as
// last-write-wins.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Entry is a cached value with an optional expiry. A zero ExpiresAt never
// expires through TTL.
type Entry[V any] struct {
	Data      V
	ExpiresAt time.Time
}

// Stale reports whether the entry has outlived its TTL at now.
func (e Entry[V]) Stale(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is a concurrent key-value namespace with per-entry TTL.
type Store[V any] struct {
	name    string
	ttl     time.Duration
	now     func() time.Time
	entries *xsync.Map[string, Entry[V]]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewStore creates a namespace whose Set uses ttl. A ttl of zero or less
// stores entries without expiry. A nil clock means time.Now.
func NewStore[V any](name string, ttl time.Duration, now func() time.Time) *Store[V] {
	if now == nil {
		now = time.Now
	}
	return &Store[V]{
		name:    name,
		ttl:     ttl,
		now:     now,
		entries: xsync.NewMap[string, Entry[V]](),
	}
}

// Name returns the namespace name.
func (s *Store[V]) Name() string {
	return s.name
}

// TTL returns the namespace default TTL.
func (s *Store[V]) TTL() time.Duration {
	return s.ttl
}

// Get returns the live value for key. A stale entry is deleted in place and
// reported as absent.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	entry, ok := s.entries.Load(key)
	if !ok {
		s.misses.Add(1)
		return zero, false
	}

	now := s.now()
	if entry.Stale(now) {
		s.entries.Compute(key, func(current Entry[V], loaded bool) (Entry[V], xsync.ComputeOp) {
			if !loaded {
				return current, xsync.CancelOp
			}
			if current.Stale(now) {
				return current, xsync.DeleteOp
			}
			// Rewritten concurrently, keep it.
			return current, xsync.CancelOp
		})
		s.evictions.Add(1)
		s.misses.Add(1)
		return zero, false
	}

	s.hits.Add(1)
	return entry.Data, true
}

// Set stores value under key with the namespace TTL.
func (s *Store[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, s.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	entry := Entry[V]{Data: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.entries.Store(key, entry)
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	s.entries.Delete(key)
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	s.entries.Clear()
}

// Len returns the number of stored entries, stale ones included.
func (s *Store[V]) Len() int {
	return s.entries.Size()
}

// NamespaceStats is a point-in-time view of one namespace.
type NamespaceStats struct {
	Entries    int     `json:"entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

// Stats reports counters for the namespace.
func (s *Store[V]) Stats() NamespaceStats {
	return NamespaceStats{
		Entries:    s.entries.Size(),
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
		TTLSeconds: s.ttl.Seconds(),
	}
}
