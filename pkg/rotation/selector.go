// Package rotation maps wall-clock time onto a credential bundle index.
//
// Every request inside the same interval bucket gets the same index, so
// independent workers and instances share one account at a time without
// coordinating.
package rotation

import (
	"fmt"
	"time"

	"github.com/polisai/siterelay/pkg/domain"
)

// DefaultInterval is the length of one rotation bucket.
const DefaultInterval = 10 * time.Minute

// SelectIndex returns floor(minutesSinceMidnight/interval) mod bundleCount.
// Minutes are read in now's location; sub-minute precision of interval is
// ignored and intervals under a minute are treated as one minute.
func SelectIndex(bundleCount int, now time.Time, interval time.Duration) (int, error) {
	if bundleCount <= 0 {
		return 0, domain.Errorf(domain.ErrNoCredentialsAvailable, "rotation over %d bundles", bundleCount)
	}
	minutes := intervalMinutes(interval)
	minuteOfDay := now.Hour()*60 + now.Minute()
	bucket := minuteOfDay / minutes
	return bucket % bundleCount, nil
}

// Selector binds an interval and time zone to SelectIndex.
type Selector struct {
	interval time.Duration
	location *time.Location
	now      func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSelector returns a Selector for the given interval, evaluated in loc.
// A nil loc means UTC.
func NewSelector(interval time.Duration, loc *time.Location, opts ...Option) *Selector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Selector{interval: interval, location: loc, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the rotation bucket length.
func (s *Selector) Interval() time.Duration {
	return s.interval
}

// Index returns the bundle index for the current time.
func (s *Selector) Index(bundleCount int) (int, error) {
	return SelectIndex(bundleCount, s.now().In(s.location), s.interval)
}

// Pick returns the bundle selected for the current time.
func (s *Selector) Pick(bundles []domain.CredentialBundle) (domain.CredentialBundle, error) {
	idx, err := s.Index(len(bundles))
	if err != nil {
		return domain.CredentialBundle{}, err
	}
	return bundles[idx], nil
}

// ParseLocation resolves a time zone name; empty means UTC.
func ParseLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load rotation timezone %q: %w", name, err)
	}
	return loc, nil
}

func intervalMinutes(interval time.Duration) int {
	minutes := int(interval / time.Minute)
	if minutes < 1 {
		return 1
	}
	return minutes
}
