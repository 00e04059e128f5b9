package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/siterelay/pkg/config"
	"github.com/polisai/siterelay/pkg/logging"
	"github.com/polisai/siterelay/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty || opts.pretty,
	})
	slog.SetDefault(logger)
	logger.Info("Starting siterelay", "version", version, "config", opts.configPath, "sites", len(cfg.Sites))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Environment: os.Getenv("SITERELAY_ENVIRONMENT"),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	application, err := buildApp(cfg, opts.watch, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	servers := []*http.Server{
		newServer(cfg.Server.DataAddress, application.data, cfg.Server),
		newServer(cfg.Server.AdminAddress, application.admin, cfg.Server),
	}
	errCh := make(chan error, len(servers))
	for i, name := range []string{"data", "admin"} {
		if err := startServer(servers[i], name, errCh, logger); err != nil {
			shutdownHTTPServers(servers[:i], cfg.Server.ShutdownTimeout, logger)
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed, shutting down", "error", err)
	}

	shutdownHTTPServers(servers, cfg.Server.ShutdownTimeout, logger)
	application.relay.Wait()
	logger.Info("Shutdown complete")
	return err
}

func newServer(addr string, handler http.Handler, cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// startServer binds synchronously so a taken port fails startup, then serves
// in the background.
func startServer(server *http.Server, name string, errCh chan<- error, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("%s server listen on %s: %w", name, server.Addr, err)
	}
	logger.Info("Server listening", "server", name, "addr", ln.Addr().String())
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

func shutdownHTTPServers(servers []*http.Server, timeout time.Duration, logger *slog.Logger) {
	if len(servers) == 0 {
		return
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "addr", server.Addr, "error", err)
		}
	}
}
