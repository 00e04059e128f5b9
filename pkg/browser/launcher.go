// Package browser provides the headless-browser render session used for
// sites whose pages only exist after client-side rendering.
//
// At most one browser process runs at a time. Concurrent callers that
// arrive while a launch is in flight wait for it instead of racing a second
// launch.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser launcher closed")

// LaunchFunc starts a connected browser.
type LaunchFunc func(ctx context.Context) (*rod.Browser, error)

// CloseFunc shuts a browser down.
type CloseFunc func(*rod.Browser) error

// Config configures the default launch function.
type Config struct {
	// RemoteURL connects to an already running browser (ws://...) instead of
	// launching one.
	RemoteURL string `yaml:"remote_url"`
	Bin       string `yaml:"bin"`
	Headless  bool   `yaml:"headless"`
	NoSandbox bool   `yaml:"no_sandbox"`
	// LaunchTimeout bounds process start and CDP connect.
	LaunchTimeout time.Duration `yaml:"launch_timeout"`
	// RenderTimeout bounds a single page render.
	RenderTimeout time.Duration `yaml:"render_timeout"`
}

// DefaultLaunch returns a LaunchFunc backed by rod's launcher.
func DefaultLaunch(cfg Config) LaunchFunc {
	return func(ctx context.Context) (*rod.Browser, error) {
		if cfg.RemoteURL != "" {
			b := rod.New().ControlURL(cfg.RemoteURL)
			if err := b.Connect(); err != nil {
				return nil, err
			}
			return b, nil
		}

		// The process outlives the acquiring request, so it is not bound to ctx.
		l := launcher.New().Headless(cfg.Headless).NoSandbox(cfg.NoSandbox)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}

		type launched struct {
			url string
			err error
		}
		ch := make(chan launched, 1)
		go func() {
			u, err := l.Launch()
			ch <- launched{url: u, err: err}
		}()

		timeout := cfg.LaunchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		var res launched
		select {
		case res = <-ch:
		case <-time.After(timeout):
			l.Kill()
			return nil, errors.New("browser launch timed out")
		case <-ctx.Done():
			l.Kill()
			return nil, ctx.Err()
		}
		if res.err != nil {
			return nil, res.err
		}

		b := rod.New().ControlURL(res.url)
		if err := b.Connect(); err != nil {
			l.Kill()
			return nil, err
		}
		return b, nil
	}
}

// Launcher owns the singleton browser.
type Launcher struct {
	launch LaunchFunc
	close  CloseFunc
	logger *slog.Logger

	mu        sync.Mutex
	browser   *rod.Browser
	refs      int
	launching chan struct{}
	closed    bool
	launches  int
}

// Option customises a Launcher.
type Option func(*Launcher)

// WithCloseFunc replaces how browsers are shut down.
func WithCloseFunc(fn CloseFunc) Option {
	return func(l *Launcher) {
		l.close = fn
	}
}

// NewLauncher builds a Launcher around launch.
func NewLauncher(launch LaunchFunc, logger *slog.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{
		launch: launch,
		close:  func(b *rod.Browser) error { return b.Close() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire returns the shared browser, launching it if needed. If a launch is
// already in flight the caller waits for it or for ctx. The returned release
// func must be called exactly once when the caller is done; extra calls are
// ignored.
func (l *Launcher) Acquire(ctx context.Context) (*rod.Browser, func(), error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if l.browser != nil {
			b := l.acquireLocked()
			l.mu.Unlock()
			return b, l.releaser(), nil
		}
		if wait := l.launching; wait != nil {
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		l.launching = done
		l.launches++
		l.mu.Unlock()

		b, err := l.launch(ctx)

		l.mu.Lock()
		l.launching = nil
		close(done)
		if err != nil {
			l.mu.Unlock()
			l.logger.Warn("Browser launch failed", "error", err)
			return nil, nil, err
		}
		if l.closed {
			l.mu.Unlock()
			l.shutdown(b)
			return nil, nil, ErrClosed
		}
		l.browser = b
		b = l.acquireLocked()
		l.mu.Unlock()
		l.logger.Info("Browser launched")
		return b, l.releaser(), nil
	}
}

func (l *Launcher) acquireLocked() *rod.Browser {
	l.refs++
	return l.browser
}

func (l *Launcher) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.refs > 0 {
				l.refs--
			}
			l.mu.Unlock()
		})
	}
}

func (l *Launcher) inUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

func (l *Launcher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Reset discards stale after it crashed or disconnected; the next Acquire
// launches a fresh browser. It is a no-op when stale was already replaced.
func (l *Launcher) Reset(stale *rod.Browser) {
	l.mu.Lock()
	if stale == nil || l.browser != stale {
		l.mu.Unlock()
		return
	}
	l.browser = nil
	l.refs = 0
	l.mu.Unlock()
	l.logger.Warn("Discarding unresponsive browser")
	l.shutdown(stale)
}

// Close shuts the browser down and fails every later Acquire.
func (l *Launcher) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	b := l.browser
	l.browser = nil
	l.mu.Unlock()
	if b == nil {
		return nil
	}
	return l.close(b)
}

func (l *Launcher) shutdown(b *rod.Browser) {
	if err := l.close(b); err != nil {
		l.logger.Debug("Browser close failed", "error", err)
	}
}
