package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/siterelay/pkg/domain"
	"github.com/polisai/siterelay/pkg/telemetry"
)

// Registry holds the current site snapshot. Readers always see a complete
// snapshot; reloads replace it whole.
type Registry struct {
	current atomic.Pointer[domain.Snapshot]
}

// NewRegistry creates a registry serving snapshot.
func NewRegistry(snapshot *domain.Snapshot) *Registry {
	r := &Registry{}
	r.current.Store(snapshot)
	return r
}

// Current returns the active snapshot.
func (r *Registry) Current() *domain.Snapshot {
	return r.current.Load()
}

// Swap installs snapshot and returns the previous one.
func (r *Registry) Swap(snapshot *domain.Snapshot) *domain.Snapshot {
	return r.current.Swap(snapshot)
}

// SitesWatcherConfig configures a SitesWatcher.
type SitesWatcherConfig struct {
	Path string
	// Inline sites from the main config are merged ahead of the file's.
	Inline    []domain.SiteProfile
	PublicURL string
	Registry  *Registry
	// OnReload runs after a new snapshot is installed.
	OnReload func(*domain.Snapshot)
	Debounce time.Duration
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// SitesWatcher reloads the sites file on change. A file that fails to parse
// or validate leaves the previous snapshot in place.
type SitesWatcher struct {
	cfg     SitesWatcherConfig
	path    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	timer   *time.Timer
}

// NewSitesWatcher starts watching cfg.Path.
func NewSitesWatcher(cfg SitesWatcherConfig) (*SitesWatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("sites watcher: registry is required")
	}
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &SitesWatcher{
		cfg:     cfg,
		path:    absPath,
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Reload reads, validates and installs the sites file immediately.
func (w *SitesWatcher) Reload() error {
	fileSites, err := LoadSitesFile(w.path)
	if err != nil {
		w.cfg.Metrics.RecordConfigReload(false)
		return err
	}
	sites := make([]domain.SiteProfile, 0, len(w.cfg.Inline)+len(fileSites))
	sites = append(sites, w.cfg.Inline...)
	sites = append(sites, fileSites...)
	if err := ValidateSites(sites, w.cfg.PublicURL); err != nil {
		w.cfg.Metrics.RecordConfigReload(false)
		return fmt.Errorf("sites validation failed: %w", err)
	}

	snapshot := BuildSnapshot(sites, time.Now())
	previous := w.cfg.Registry.Swap(snapshot)
	w.cfg.Metrics.RecordConfigReload(true)
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(snapshot)
	}

	prevGeneration := ""
	if previous != nil {
		prevGeneration = previous.Generation
	}
	w.cfg.Logger.Info("Sites reloaded",
		"path", w.path,
		"sites", len(snapshot.Sites),
		"generation", snapshot.Generation,
		"previous_generation", prevGeneration)
	return nil
}

// Close stops the watcher.
func (w *SitesWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *SitesWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("Sites watcher error", "error", err)
		}
	}
}

func (w *SitesWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		if err := w.Reload(); err != nil {
			w.cfg.Logger.Error("Sites reload failed, keeping previous snapshot", "path", w.path, "error", err)
		}
	})
}
