// Waypiped -- server-side Wayland forwarding proxy supervisor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pdietl/waypipe-go/internal/config"
	wpmetrics "github.com/pdietl/waypipe-go/internal/metrics"
	"github.com/pdietl/waypipe-go/internal/supervisor"
	appversion "github.com/pdietl/waypipe-go/internal/version"
	"github.com/pdietl/waypipe-go/internal/worker"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	configPath  string
	channelAddr string
	display     string
	controlPath string
	oneshot     bool
	unlinkAtEnd bool
	loginShell  bool
	showVersion bool
	argv        []string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file (YAML)")
	flag.StringVar(&f.channelAddr, "socket", "", "unix socket path of the channel endpoint")
	flag.StringVar(&f.display, "display", "wayland-waypipe", "display name (absolute path or relative to $XDG_RUNTIME_DIR)")
	flag.StringVar(&f.controlPath, "control", "", "control FIFO path enabling reconnection")
	flag.BoolVar(&f.oneshot, "oneshot", false, "serve a single application connection")
	flag.BoolVar(&f.unlinkAtEnd, "unlink-socket", false, "unlink the display socket on exit")
	flag.BoolVar(&f.loginShell, "login-shell", false, "run the fallback $SHELL as a login shell")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.Parse()
	f.argv = flag.Args()
	return f
}

func run() int {
	f := parseFlags()

	if f.showVersion {
		fmt.Println(appversion.Full("waypiped"))
		return 0
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	if f.channelAddr == "" {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("missing required -socket flag")
		return 1
	}

	// Logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("waypiped starting",
		slog.String("version", appversion.Version),
		slog.String("channel", f.channelAddr),
		slog.String("display", f.display),
		slog.Bool("oneshot", f.oneshot),
		slog.String("compression", cfg.Replication.Compression),
	)

	status, err := runSupervised(f, cfg, logger, logLevel)
	if err != nil {
		logger.Error("waypiped exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("waypiped stopped", slog.Int("status", status))
	return status
}

// runSupervised wires signals, metrics, and the watchdog around the
// session supervisor, and returns the application's exit status.
func runSupervised(
	f cliFlags,
	cfg *config.Config,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
) (int, error) {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	var collector *wpmetrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = wpmetrics.NewCollector(reg)
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, f.configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	status, runErr := supervisor.RunServer(gCtx, supervisor.Options{
		ChannelAddr:        f.channelAddr,
		WaylandDisplay:     f.display,
		ControlPath:        f.controlPath,
		Config:             cfg,
		Oneshot:            f.oneshot,
		UnlinkAtEnd:        f.unlinkAtEnd,
		Argv:               f.argv,
		LoginShellIfBackup: f.loginShell,
		Logger:             logger,
		Metrics:            collector,
		Loop: func(
			ctx context.Context,
			chanFd, appFd, linkFd int,
			rc config.ReplicationConfig,
			isClient bool,
			logger *slog.Logger,
		) error {
			return worker.InterfaceLoop(ctx, chanFd, appFd, linkFd,
				rc, isClient, logger, worker.WithMetrics(collector))
		},
	})

	notifyStopping(logger)
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("background goroutine error",
			slog.String("error", err.Error()),
		)
	}

	if runErr != nil {
		return status, fmt.Errorf("run supervised: %w", runErr)
	}
	return status, nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the dynamic log level from
// the configuration file. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration and updates the dynamic log
// level. Errors during reload are logged but do not stop the daemon --
// the previous configuration remains in effect. Replication settings are
// immutable for live sessions and are not reloaded.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Metrics Server
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener and serves HTTP requests until the
// server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload. Diagnostics go to
// stderr; the application owns stdout.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
