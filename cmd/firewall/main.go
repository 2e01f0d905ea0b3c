// Command firewall is the privileged DecoyVerse firewall helper. It shares
// the agent's configuration file but runs as a separate, elevated process:
// it drains the block request queue the agent writes, installs inbound and
// outbound block rules through the OS firewall, and confirms each block with
// the backend. It opens no listening socket.
//
// Usage:
//
//	firewall -run-once            one pass over pending blocks (scheduler mode)
//	firewall -loop                poll every firewall.poll_interval until signalled
//	firewall -install             register with Task Scheduler or systemd
//	firewall -uninstall           remove that registration
//	firewall -unblock 203.0.113.5 remove both rules for one IP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/config"
	"github.com/decoyverse/agent/internal/firewall"
	"github.com/decoyverse/agent/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", filepath.Join(config.DefaultDataDir(), "config.yaml"), "path to the DecoyVerse configuration file")
	runOnce := flag.Bool("run-once", false, "process pending blocks once and exit")
	loop := flag.Bool("loop", false, "process pending blocks every firewall.poll_interval until signalled")
	install := flag.Bool("install", false, "register the helper with the OS scheduler")
	uninstall := flag.Bool("uninstall", false, "remove the helper from the OS scheduler")
	unblock := flag.String("unblock", "", "remove the block rules for this IP")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decoyverse-firewall: %v\n", err)
		return 1
	}

	logger, closeLog := newLogger(cfg.LogLevel, cfg.Firewall.LogPath)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runner := firewall.ExecRunner{Timeout: cfg.Firewall.CommandTimeout.Std()}

	switch {
	case *install || *uninstall:
		return runInstaller(ctx, cfg, *configPath, runner, *uninstall, logger)
	case *unblock != "":
		return withHelper(cfg, runner, logger, func(h *firewall.Helper) error {
			return h.Unblock(ctx, *unblock)
		})
	case *loop:
		return withHelper(cfg, runner, logger, func(h *firewall.Helper) error {
			return h.Run(ctx, cfg.Firewall.PollInterval.Std())
		})
	case *runOnce:
		return withHelper(cfg, runner, logger, func(h *firewall.Helper) error {
			res, err := h.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("firewall helper pass complete",
				slog.Int("blocked", len(res.Blocked)),
				slog.Int("failed", len(res.Failed)),
				slog.Int("unconfirmed", len(res.Unconfirmed)),
			)
			return nil
		})
	default:
		flag.Usage()
		return 2
	}
}

// withHelper builds the helper from cfg, runs fn, and maps its error to an
// exit code. A cancelled context is a clean exit.
func withHelper(cfg *config.Config, runner firewall.CommandRunner, logger *slog.Logger, fn func(*firewall.Helper) error) int {
	backend, err := firewall.NewBackend(cfg.Firewall.Backend)
	if err != nil {
		logger.Error("firewall helper: invalid backend", slog.Any("error", err))
		return 1
	}

	opts := []firewall.Option{
		firewall.WithRunner(runner),
		firewall.WithRulePrefix(cfg.Firewall.RulePrefix),
		firewall.WithConfirmTimeout(cfg.Firewall.ConfirmTimeout.Std()),
	}
	// Enforcement keeps running without an audit trail.
	if auditLog, err := audit.Open(cfg.Firewall.AuditLogPath, audit.WithLogger(logger)); err != nil {
		logger.Warn("firewall helper: audit log unavailable; continuing without it", slog.Any("error", err))
	} else {
		defer auditLog.Close()
		opts = append(opts, firewall.WithAudit(auditLog))
	}
	if cfg.HasCredentials() {
		opts = append(opts, firewall.WithConfirmer(transport.New(transport.Config{
			BackendURL:   cfg.BackendURL,
			NodeID:       cfg.NodeID,
			NodeAPIKey:   cfg.NodeAPIKey,
			AgentVersion: cfg.AgentVersion,
		}, logger)))
	} else {
		logger.Warn("firewall helper: no backend credentials; blocks will not be confirmed")
	}

	h := firewall.NewHelper(blockqueue.New(cfg.BlockQueuePath), backend, logger, opts...)
	if err := fn(h); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("firewall helper failed", slog.Any("error", err))
		return 1
	}
	return 0
}

func runInstaller(ctx context.Context, cfg *config.Config, configPath string, runner firewall.CommandRunner, remove bool, logger *slog.Logger) int {
	exe, err := os.Executable()
	if err != nil {
		logger.Error("firewall helper: cannot locate executable", slog.Any("error", err))
		return 1
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	inst := &firewall.Installer{
		TaskName:   cfg.Firewall.TaskName,
		Executable: exe,
		ConfigPath: configPath,
		Runner:     runner,
	}
	if remove {
		if err := inst.Uninstall(ctx); err != nil {
			logger.Error("firewall helper: uninstall failed", slog.Any("error", err))
			return 1
		}
		logger.Info("firewall helper unregistered", slog.String("task", cfg.Firewall.TaskName))
		return 0
	}
	if err := inst.Install(ctx); err != nil {
		logger.Error("firewall helper: install failed", slog.Any("error", err))
		return 1
	}
	logger.Info("firewall helper registered",
		slog.String("task", cfg.Firewall.TaskName),
		slog.String("executable", exe),
	)
	return 0
}

// newLogger writes JSON records to stderr and, when the log file can be
// opened, to firewall.log as well. The returned func closes the file.
func newLogger(level, path string) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
				w = io.MultiWriter(os.Stderr, f)
				closeFn = func() { _ = f.Close() }
			} else {
				fmt.Fprintf(os.Stderr, "decoyverse-firewall: cannot open log file: %v\n", err)
			}
		}
	}
	return slog.New(slog.NewJSONHandler(w, opts)), closeFn
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
