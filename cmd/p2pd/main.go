// Command p2pd is the peer-to-peer networking daemon: it drives a single
// Service Core event loop and exposes it through a JSON admin HTTP surface
// and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/tentanet/p2pd/internal/addr"
	"github.com/tentanet/p2pd/internal/admin"
	"github.com/tentanet/p2pd/internal/config"
	"github.com/tentanet/p2pd/internal/handshake"
	"github.com/tentanet/p2pd/internal/metrics"
	"github.com/tentanet/p2pd/internal/muxer"
	"github.com/tentanet/p2pd/internal/nat"
	"github.com/tentanet/p2pd/internal/service"
	"github.com/tentanet/p2pd/internal/transport"
	"github.com/tentanet/p2pd/internal/version"

	"log/slog"
)

// shutdownTimeout bounds how long the admin/metrics HTTP servers are given
// to drain in-flight requests once shutdown begins.
const shutdownTimeout = 10 * time.Second

// drainTimeout is how long Run is given to process its own graceful shutdown
// (closing listeners, tearing down sessions) before the HTTP servers are
// told to stop.
const drainTimeout = 1 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("p2pd starting",
		slog.String("version", version.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc, err := buildService(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to build service", slog.String("error", err.Error()))
		return 1
	}

	if err := runDaemon(cfg, svc, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("p2pd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("p2pd stopped")
	return 0
}

// buildService assembles the Service Core from configuration: a TCP
// transport, an ed25519 Secure handshake, and an smux-backed muxer whose
// negotiator consults the configured protocol table. Every cfg.Protocol
// entry is registered with a loggingProtocol service-level handler.
func buildService(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*service.Service, error) {
	secure, err := handshake.NewSecure()
	if err != nil {
		return nil, fmt.Errorf("create handshaker: %w", err)
	}

	metas := make(map[service.ProtocolID]service.ProtocolMeta, len(cfg.Protocol))
	for _, p := range cfg.Protocol {
		metas[service.ProtocolID(p.ID)] = service.ProtocolMeta{
			ID:                service.ProtocolID(p.ID),
			Name:              p.Name,
			SupportedVersions: p.Versions,
		}
	}

	negotiator := func(proto service.ProtocolID, remote []string) (string, bool) {
		meta, ok := metas[proto]
		if !ok {
			return "", false
		}
		return meta.Negotiate(remote)
	}

	builder := service.NewBuilder(logger).
		WithTransport(transport.NewTCP()).
		WithHandshaker(secure).
		WithMuxer(muxer.New(negotiator)).
		WithServiceHandle(newDaemonHandle(collector, logger)).
		WithHandshakeTimeout(cfg.Service.HandshakeTimeout)

	if cfg.Service.Forever {
		builder = builder.WithForever()
	}

	for _, p := range cfg.Protocol {
		builder = builder.WithServiceProtocol(metas[service.ProtocolID(p.ID)], newLoggingProtocol(p.Name, collector, logger))
	}

	return builder.Build()
}

// runDaemon wires the run loop, HTTP servers, and signal-aware shutdown
// together using an errgroup, mirroring the structure of a conventional
// errgroup-driven Go daemon: every goroutine exits when gCtx is cancelled,
// and g.Wait's first non-nil error becomes the process's exit status.
func runDaemon(
	cfg *config.Config,
	svc *service.Service,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	adminSrv := newAdminServer(cfg.Admin, svc, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error {
		svc.Run(gCtx)
		return nil
	})
	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	for _, listenAddr := range cfg.Listen {
		svc.Control().Normal(service.TaskListen{Address: listenAddr})
	}
	for _, dialAddr := range cfg.Dial {
		resolved, peerID, err := addr.ResolveDialAddress(dialAddr)
		if err != nil {
			logger.Error("invalid configured dial address", slog.String("address", dialAddr), slog.Any("error", err))
			continue
		}
		svc.Control().Normal(service.TaskDial{Address: resolved, Target: service.AllProtocols(), PeerID: peerID})
	}

	mapper := mapListeners(gCtx, cfg.NAT.UPnP, cfg.Listen, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, svc, logger, mapper, cfg.Listen, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startSIGHUPHandler(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

// reloadLogLevel reloads configuration from configPath on SIGHUP and
// applies only the log level dynamically, via the shared LevelVar. Dial
// and listen addresses are not reconciled: the Control Surface already
// lets an operator add/remove them at runtime through the admin endpoints,
// so a config-file-driven reconciliation pass would just duplicate that.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)
	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()))
}

func gracefulShutdown(
	ctx context.Context,
	svc *service.Service,
	logger *slog.Logger,
	mapper nat.Mapper,
	listenAddrs []string,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")

	svc.Control().Normal(service.TaskShutdown{Quick: false})
	time.Sleep(drainTimeout)

	unmapListeners(mapper, listenAddrs, logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newAdminServer(cfg config.AdminConfig, svc *service.Service, logger *slog.Logger) *http.Server {
	path, handler := admin.New(svc, logger)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
