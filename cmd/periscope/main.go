// Command periscope is the browser streaming worker. It pulls session
// provisioning requests from the shared queue, runs a headless Chrome
// screencast per session, relays frames to the backend, and serves the
// task/tunnel HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/config"
	"github.com/odvcencio/periscope/pkg/gateway"
	"github.com/odvcencio/periscope/pkg/metrics"
	"github.com/odvcencio/periscope/pkg/provision"
	"github.com/odvcencio/periscope/pkg/relay"
	"github.com/odvcencio/periscope/pkg/store"
	"github.com/odvcencio/periscope/pkg/tunnel"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "periscope: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("periscope starting",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"port", cfg.Port,
		"queue", cfg.QueueName,
	)

	st, err := store.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect session store: %w", err)
	}
	defer st.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		logger.Warn("session store unreachable at startup, continuing", "error", err)
	}
	cancelPing()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captureCfg := capture.Config{
		Format:        cfg.CaptureFormat,
		Quality:       cfg.CaptureQuality,
		MaxWidth:      cfg.CaptureWidth,
		MaxHeight:     cfg.CaptureHeight,
		EveryNthFrame: cfg.CaptureEveryNth,
	}

	provCfg := provision.Config{
		QueueName:             cfg.QueueName,
		PollWait:              cfg.QueuePollWait,
		IdleSleep:             cfg.IdleSleep,
		ErrorBackoff:          cfg.ErrorBackoff,
		ConnectBackoffInitial: cfg.ConnectBackoffInitial,
		ConnectBackoffMax:     cfg.ConnectBackoffMax,
		ConnectMaxElapsed:     cfg.ConnectMaxElapsed,
		Capture:               captureCfg,
	}

	newEngine := func(engineCtx context.Context) (capture.Engine, error) {
		opts := capture.DefaultOptions()
		opts.Width = cfg.CaptureWidth
		opts.Height = cfg.CaptureHeight
		opts.NoSandbox = cfg.NoSandbox
		opts.Logger = logger
		return capture.NewChromeEngine(engineCtx, opts), nil
	}

	provisioner := provision.New(st, provCfg, newEngine, consumerDialer(cfg, logger), m, logger)
	go provisioner.Run(ctx)
	defer provisioner.StopAll(context.Background())

	var tunnelHandler http.Handler
	if cfg.TunnelEnabled() {
		tunnelHandler = tunnel.NewServer(tunnel.Config{
			UpstreamAddr:  cfg.TunnelUpstream,
			Secret:        cfg.TunnelSecret,
			StrictSession: cfg.TunnelStrictSession,
		}, m, logger)
	} else {
		logger.Info("tunnel endpoint disabled, no secret configured")
	}

	gw := gateway.NewServer(gateway.Config{}, provisioner, st, nil, tunnelHandler, registry, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	provisioner.StopAll(shutdownCtx)
	logger.Info("periscope stopped")
	return nil
}

// consumerDialer connects a session's frame stream to the backend websocket,
// carrying the session token as a query parameter. An empty backend URL
// disables the consumer channel; frames then travel over store pub/sub only.
func consumerDialer(cfg *config.Config, logger *slog.Logger) provision.ConsumerDialer {
	if cfg.BackendWSURL == "" {
		return nil
	}
	return func(ctx context.Context, req provision.ProvisionRequest, token string) (relay.FrameSink, error) {
		target, err := url.Parse(cfg.BackendWSURL)
		if err != nil {
			return nil, fmt.Errorf("parse backend url: %w", err)
		}
		q := target.Query()
		q.Set("sessionId", req.SessionID)
		if req.AgentID != "" {
			q.Set("agentId", req.AgentID)
		}
		if token != "" {
			q.Set("token", token)
		}
		target.RawQuery = q.Encode()

		// Identifying headers keep edge networks from rejecting the upgrade
		// as anonymous.
		opts := relay.DefaultDialOptions()
		opts.Origin = (&url.URL{Scheme: httpScheme(target.Scheme), Host: target.Host}).String()
		opts.UserAgent = "periscope/" + version
		opts.Logger = logger
		return relay.DialConsumer(ctx, target.String(), opts)
	}
}

func httpScheme(wsScheme string) string {
	if wsScheme == "wss" {
		return "https"
	}
	return "http"
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
