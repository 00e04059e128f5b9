package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Warmer refreshes a fixed list of prefixes on a cron schedule so the first
// request after a TTL expiry does not pay for the account API round trip.
type Warmer struct {
	provider *Provider
	prefixes []string
	timeout  time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewWarmer schedules refreshes of prefixes. The schedule accepts standard
// five-field specs and descriptors such as "@every 5m".
func NewWarmer(provider *Provider, schedule string, prefixes []string, logger *slog.Logger) (*Warmer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Warmer{
		provider: provider,
		prefixes: append([]string(nil), prefixes...),
		timeout:  30 * time.Second,
		cron:     cron.New(),
		logger:   logger,
	}
	if _, err := w.cron.AddFunc(schedule, w.RunOnce); err != nil {
		return nil, fmt.Errorf("credentials: invalid warm schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start begins the schedule in the background.
func (w *Warmer) Start() {
	w.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (w *Warmer) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce refreshes every prefix.
func (w *Warmer) RunOnce() {
	for _, prefix := range w.prefixes {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.provider.Refresh(ctx, prefix); err != nil {
			w.logger.Warn("Credential warm-up failed", "prefix", prefix, "error", err)
		}
		cancel()
	}
}
