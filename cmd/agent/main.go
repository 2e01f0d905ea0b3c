// Command agent is the low-privilege DecoyVerse agent binary. It loads the
// shared configuration file, watches honeytoken files and outbound network
// connections, reports detections to the backend, relays block instructions
// to the firewall helper through the block request queue, exposes a status
// HTTP API, and shuts down gracefully on SIGTERM, SIGINT, or a backend
// uninstall request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/decoyverse/agent/internal/agent"
	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/config"
	"github.com/decoyverse/agent/internal/metrics"
	"github.com/decoyverse/agent/internal/queue"
	"github.com/decoyverse/agent/internal/rules"
	"github.com/decoyverse/agent/internal/sysinfo"
	"github.com/decoyverse/agent/internal/transport"
	"github.com/decoyverse/agent/internal/watcher"
	"github.com/decoyverse/agent/internal/window"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the DecoyVerse configuration file (YAML, TOML, or JSON)")
	printToken := flag.Bool("token", false, "print a status API bearer token signed with the node API key and exit")
	tokenTTL := flag.Duration("token-ttl", time.Hour, "validity of the token printed by -token")
	exportPath := flag.String("export-alerts", "", "write this run's honeytoken alerts as JSON to this path on shutdown")
	flag.Parse()

	// Load and validate configuration.
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decoyverse-agent: %v\n", err)
		os.Exit(1)
	}

	if *printToken {
		if cfg.NodeAPIKey == "" {
			fmt.Fprintln(os.Stderr, "decoyverse-agent: node_api_key is not configured; the status API is unauthenticated")
			os.Exit(1)
		}
		tok, err := agent.IssueToken([]byte(cfg.NodeAPIKey), "operator", *tokenTTL, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "decoyverse-agent: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	// Initialise structured slog logger from config log level.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("backend_url", cfg.BackendURL),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
		slog.Bool("ml_enabled", cfg.MLPredictEndpoint != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := sysinfo.Collect(ctx)
	m := metrics.New()

	reporter := transport.New(transport.Config{
		BackendURL:   cfg.BackendURL,
		NodeID:       cfg.NodeID,
		NodeAPIKey:   cfg.NodeAPIKey,
		AgentVersion: cfg.AgentVersion,
		RPS:          cfg.RateLimit.RPS,
		Burst:        cfg.RateLimit.Burst,
	}, logger, transport.WithMetrics(m))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.String("path", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	outbox, err := queue.New(cfg.OutboxPath)
	if err != nil {
		logger.Error("failed to open outbox", slog.Any("error", err))
		os.Exit(1)
	}

	opts := []agent.Option{
		agent.WithReporter(reporter),
		agent.WithOutbox(outbox),
		agent.WithBlockQueue(blockqueue.New(cfg.BlockQueuePath)),
		agent.WithMetrics(m),
		agent.WithHostInfo(host),
	}
	// Detection keeps running without an audit trail.
	if auditLog, err := audit.Open(cfg.AuditLogPath, audit.WithLogger(logger)); err != nil {
		logger.Warn("audit log unavailable; continuing without it", slog.Any("error", err))
	} else {
		defer auditLog.Close()
		opts = append(opts, agent.WithAudit(auditLog))
	}
	if cfg.NodeAPIKey != "" {
		opts = append(opts, agent.WithTokenKey([]byte(cfg.NodeAPIKey)))
	}

	files := newHoneytokenWatcher(cfg, host, m, logger)
	opts = append(opts, agent.WithHoneytokenWatcher(files))
	if !cfg.Network.Disabled {
		opts = append(opts, agent.WithNetworkWatcher(newNetworkWatcher(cfg, host, m, logger)))
	}

	ag := agent.New(cfg, logger, opts...)
	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	statusServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      ag.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.HealthAddr))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM, SIGINT, or an uninstall request.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ag.Done():
		logger.Warn("uninstall requested by backend")
	}

	// Graceful shutdown: stop the agent first, then the HTTP server.
	ag.Stop()

	if *exportPath != "" {
		if err := files.ExportAlerts(*exportPath); err != nil {
			logger.Warn("alert export failed", slog.Any("error", err))
		} else {
			logger.Info("alerts exported", slog.String("path", *exportPath))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", slog.Any("error", err))
	}

	logger.Info("decoyverse agent exited cleanly")
}

// newHoneytokenWatcher registers the configured honeytokens, falling back to
// every regular file below watch_dir when none are listed. An empty result
// is logged, not fatal: the network monitor still runs.
func newHoneytokenWatcher(cfg *config.Config, host sysinfo.Info, m *metrics.Metrics, logger *slog.Logger) *watcher.HoneytokenWatcher {
	w := watcher.NewHoneytokenWatcher(logger,
		watcher.WithFilePollInterval(cfg.FilePollInterval.Std()),
		watcher.WithDedupWindow(cfg.DedupWindow.Std()),
		watcher.WithHostInfo(host),
		watcher.WithFileMetrics(m),
	)

	var (
		n   int
		err error
	)
	switch {
	case len(cfg.Honeytokens) > 0:
		n, err = w.Register(cfg.Honeytokens)
	case cfg.WatchDir != "":
		n, err = w.RegisterDir(cfg.WatchDir)
	default:
		err = watcher.ErrNoHoneytokens
	}
	if err != nil {
		logger.Warn("no honeytokens registered", slog.Any("error", err))
	} else {
		logger.Info("honeytokens registered", slog.Int("files", n))
	}
	return w
}

func newNetworkWatcher(cfg *config.Config, host sysinfo.Info, m *metrics.Metrics, logger *slog.Logger) *watcher.NetworkWatcher {
	n := cfg.Network
	engine := rules.NewEngine(n.StandardPorts, n.HighRiskPorts, rules.Thresholds{
		ScanPorts: n.ScanPortThreshold,
		Rate:      n.RateThreshold,
		Beacon:    n.BeaconThreshold,
	})

	opts := []watcher.NetworkOption{
		watcher.WithNetworkPollInterval(n.PollInterval.Std()),
		watcher.WithRiskThreshold(n.RiskThreshold),
		watcher.WithMaxConsecutiveFailures(n.MaxConsecutiveFailures),
		watcher.WithHostname(host.Hostname),
		watcher.WithNetworkMetrics(m),
	}
	if cfg.MLPredictEndpoint != "" {
		opts = append(opts, watcher.WithMLScorer(transport.NewMLClient(cfg.MLPredictEndpoint, n.MLTimeout.Std())))
	}
	return watcher.NewNetworkWatcher(engine, window.New(n.Window.Std()), logger, opts...)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}
