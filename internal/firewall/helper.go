// Package firewall is the privileged half of the DecoyVerse agent. The
// Helper drains the block request queue written by the unprivileged agent,
// installs one inbound and one outbound block rule per IP through the OS
// firewall CLI, and moves the IP to done. Once every pending IP has been
// tried, the cycle confirms the new blocks with the backend concurrently,
// so a slow backend never holds back enforcement.
//
// The Helper never opens a listening socket and never reads anything but
// the queue file and its own configuration. An IP whose rules could not be
// installed stays pending and is retried on the next cycle; rule names are
// derived from the IP so a retry after a partial install is idempotent.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/metrics"
)

// DefaultPollInterval is the cadence of Run.
const DefaultPollInterval = 30 * time.Second

// DefaultConfirmTimeout bounds the confirmations of one cycle.
const DefaultConfirmTimeout = 60 * time.Second

// Block transitions recorded in metrics.
const (
	transitionApplied = "applied"
	transitionFailed  = "failed"
	transitionRemoved = "removed"
)

// Confirmer reports an applied block to the backend.
type Confirmer interface {
	ConfirmBlock(ctx context.Context, ip string) error
}

// Result summarises one ProcessOnce cycle. Unconfirmed lists blocked IPs
// the backend did not acknowledge in time; their rules stay in place.
type Result struct {
	Blocked     []string
	Failed      []string
	Unconfirmed []string
}

// Helper applies pending blocks. Create it with NewHelper.
type Helper struct {
	queue     *blockqueue.Queue
	backend   Backend
	runner    CommandRunner
	prefix    string
	confirmer Confirmer
	confirmTO time.Duration
	audit     *audit.Logger
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option is a functional option for NewHelper.
type Option func(*Helper)

// WithRunner replaces the os/exec runner.
func WithRunner(r CommandRunner) Option {
	return func(h *Helper) { h.runner = r }
}

// WithRulePrefix overrides DefaultRulePrefix.
func WithRulePrefix(prefix string) Option {
	return func(h *Helper) {
		if prefix != "" {
			h.prefix = prefix
		}
	}
}

// WithConfirmer enables backend confirmation of applied blocks.
func WithConfirmer(c Confirmer) Option {
	return func(h *Helper) { h.confirmer = c }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(h *Helper) {
		if d > 0 {
			h.confirmTO = d
		}
	}
}

// WithAudit records every block transition in l.
func WithAudit(l *audit.Logger) Option {
	return func(h *Helper) { h.audit = l }
}

// WithMetrics records block transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Helper) { h.metrics = m }
}

// NewHelper returns a Helper that applies the pending entries of q with
// backend.
func NewHelper(q *blockqueue.Queue, backend Backend, logger *slog.Logger, opts ...Option) *Helper {
	h := &Helper{
		queue:     q,
		backend:   backend,
		runner:    ExecRunner{Timeout: 15 * time.Second},
		prefix:    DefaultRulePrefix,
		confirmTO: DefaultConfirmTimeout,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProcessOnce re-reads the queue and tries every pending IP once, then
// confirms the IPs it blocked. Per-IP failures are logged and reported in
// Result; only a failure to read the queue is returned as an error.
func (h *Helper) ProcessOnce(ctx context.Context) (Result, error) {
	var res Result

	pending, err := h.queue.Pending()
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		h.logger.Debug("firewall: no pending blocks")
		return res, nil
	}

	for _, ip := range pending {
		if ctx.Err() != nil {
			break
		}
		norm, err := h.apply(ctx, ip)
		if err != nil {
			h.logger.Error("firewall: block failed, keeping in pending",
				slog.String("ip", ip),
				slog.Any("error", err),
			)
			h.metrics.BlockTransition(transitionFailed)
			h.record(audit.KindBlockFailed, map[string]string{"ip": ip, "error": err.Error()})
			res.Failed = append(res.Failed, ip)
			continue
		}
		res.Blocked = append(res.Blocked, norm)
	}

	res.Unconfirmed = h.confirm(ctx, res.Blocked)
	return res, nil
}

// confirm reports ips to the backend in parallel, giving up on all of them
// after the confirm timeout, and returns those that were not acknowledged.
func (h *Helper) confirm(ctx context.Context, ips []string) []string {
	if h.confirmer == nil || len(ips) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.confirmTO)
	defer cancel()

	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			if err := h.confirmer.ConfirmBlock(ctx, ip); err != nil {
				h.logger.Warn("firewall: backend confirmation failed",
					slog.String("ip", ip),
					slog.Any("error", err),
				)
				mu.Lock()
				failed = append(failed, ip)
				mu.Unlock()
			}
		}(ip)
	}
	wg.Wait()
	return failed
}

// apply installs both rules for ip and marks it done. It returns the
// normalized IP.
func (h *Helper) apply(ctx context.Context, ip string) (string, error) {
	norm, err := blockqueue.NormalizeIP(ip)
	if err != nil {
		return "", err
	}
	if err := h.Block(ctx, norm); err != nil {
		return "", err
	}

	rec, err := h.queue.MarkDone(norm)
	if err != nil {
		// The rules exist; the next cycle finds them and retries MarkDone.
		return "", fmt.Errorf("firewall: mark %s done: %w", norm, err)
	}
	h.logger.Warn("firewall: IP blocked",
		slog.String("ip", norm),
		slog.String("blocked_at", rec.BlockedAt),
	)
	h.metrics.BlockTransition(transitionApplied)
	h.record(audit.KindBlockApplied, rec)
	return norm, nil
}

// Block installs the inbound and outbound rules for ip. A rule that already
// exists is left alone.
func (h *Helper) Block(ctx context.Context, ip string) error {
	for _, dir := range Directions {
		name := RuleName(h.prefix, ip, dir)
		if h.exists(ctx, name, ip, dir) {
			h.logger.Debug("firewall: rule already present", slog.String("rule", name))
			continue
		}
		cmd := h.backend.Add(name, ip, dir)
		if _, err := h.runner.Run(ctx, cmd.Name, cmd.Args...); err != nil {
			return fmt.Errorf("firewall: add %s rule for %s: %w", dir, ip, err)
		}
		h.logger.Info("firewall: rule added", slog.String("rule", name))
	}
	return nil
}

func (h *Helper) exists(ctx context.Context, name, ip string, dir Direction) bool {
	cmd := h.backend.Check(name, ip, dir)
	_, err := h.runner.Run(ctx, cmd.Name, cmd.Args...)
	return err == nil
}

// Unblock removes both rules for ip and forgets it in the queue so the
// backend can block it again later. Missing rules are not an error.
func (h *Helper) Unblock(ctx context.Context, ip string) error {
	norm, err := blockqueue.NormalizeIP(ip)
	if err != nil {
		return err
	}

	var errs []error
	for _, dir := range Directions {
		name := RuleName(h.prefix, norm, dir)
		if !h.exists(ctx, name, norm, dir) {
			continue
		}
		cmd := h.backend.Delete(name, norm, dir)
		if _, err := h.runner.Run(ctx, cmd.Name, cmd.Args...); err != nil {
			errs = append(errs, fmt.Errorf("firewall: delete %s rule for %s: %w", dir, norm, err))
			continue
		}
		h.logger.Info("firewall: rule removed", slog.String("rule", name))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if _, err := h.queue.Remove(norm); err != nil {
		return err
	}
	h.metrics.BlockTransition(transitionRemoved)
	h.record(audit.KindBlockRemoved, map[string]string{"ip": norm})
	return nil
}

// Run calls ProcessOnce immediately and then every interval until ctx is
// cancelled.
func (h *Helper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	h.logger.Info("firewall: helper running",
		slog.String("backend", h.backend.Name()),
		slog.String("queue", h.queue.Path()),
		slog.Duration("poll_interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := h.ProcessOnce(ctx); err != nil {
			h.logger.Error("firewall: cycle failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Helper) record(kind string, v any) {
	if h.audit == nil {
		return
	}
	if _, err := h.audit.Record(kind, v); err != nil {
		h.logger.Warn("firewall: audit append failed", slog.Any("error", err))
	}
}
