// Package agent contains the DecoyVerse agent orchestrator. It wires the
// honeytoken and network watchers to the reporting client, the local outbox,
// the audit trail, and the block request queue, managing their lifecycle
// through a shared context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/config"
	"github.com/decoyverse/agent/internal/metrics"
	"github.com/decoyverse/agent/internal/queue"
	"github.com/decoyverse/agent/internal/sysinfo"
	"github.com/decoyverse/agent/internal/transport"
	"github.com/decoyverse/agent/internal/watcher"
)

// Watcher is the common interface implemented by the honeytoken and network
// watchers. Implementations must be safe for concurrent use.
type Watcher interface {
	// Start begins monitoring and publishes detections on Reports.
	Start(ctx context.Context) error
	// Stop signals the watcher to cease monitoring. It blocks until all
	// internal goroutines have exited.
	Stop()
	// Reports returns the channel detections are published on.
	Reports() <-chan watcher.Report
}

// HoneytokenSource is a Watcher that also keeps the run's alert log.
type HoneytokenSource interface {
	Watcher
	Alerts() []watcher.HoneytokenAlert
	MonitoredCount() int
}

// NetworkSource is a Watcher that can disable itself after repeated
// failures.
type NetworkSource interface {
	Watcher
	Disabled() bool
}

// Reporter delivers detections and heartbeats to the backend.
type Reporter interface {
	Configured() bool
	Deliver(ctx context.Context, r watcher.Report) error
	Send(ctx context.Context, kind, eventID string, payload []byte) error
	Heartbeat(ctx context.Context, req transport.HeartbeatRequest) (transport.HeartbeatResponse, error)
}

// Outbox stores reports the backend did not accept for redelivery.
type Outbox interface {
	EnqueueReport(ctx context.Context, r watcher.Report) (bool, error)
	Dequeue(ctx context.Context, n int) ([]queue.Entry, error)
	Ack(ctx context.Context, ids []int64) error
	RecordFailure(ctx context.Context, id int64, cause error) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Depth() int
	Close() error
}

// Agent is the central orchestrator of the DecoyVerse agent.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	watchers []Watcher
	files    HoneytokenSource
	network  NetworkSource
	reporter Reporter
	outbox   Outbox
	audit    *audit.Logger
	blocks   *blockqueue.Queue
	metrics  *metrics.Metrics
	host     sysinfo.Info
	tokenKey []byte
	now      func() time.Time

	startTime time.Time
	cancel    context.CancelFunc

	mu              sync.RWMutex
	lastAlertAt     time.Time
	lastHeartbeatAt time.Time
	running         bool
	wg              sync.WaitGroup

	uninstall     chan struct{}
	uninstallOnce sync.Once
}

// New creates a new Agent. Components are supplied with the functional
// options; any that are omitted are simply not used, which keeps tests
// small. Without a Reporter the agent detects and logs locally only.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		uninstall: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatchers registers additional watcher components.
func WithWatchers(ws ...Watcher) Option {
	return func(a *Agent) {
		a.watchers = append(a.watchers, ws...)
	}
}

// WithHoneytokenWatcher registers the honeytoken watcher. Its alert log is
// served by the status API and its file count is sent with heartbeats.
func WithHoneytokenWatcher(w HoneytokenSource) Option {
	return func(a *Agent) {
		a.files = w
		a.watchers = append(a.watchers, w)
	}
}

// WithNetworkWatcher registers the network connection monitor.
func WithNetworkWatcher(w NetworkSource) Option {
	return func(a *Agent) {
		a.network = w
		a.watchers = append(a.watchers, w)
	}
}

// WithReporter registers the backend reporting client.
func WithReporter(r Reporter) Option {
	return func(a *Agent) { a.reporter = r }
}

// WithOutbox registers the store-and-forward outbox.
func WithOutbox(o Outbox) Option {
	return func(a *Agent) { a.outbox = o }
}

// WithAudit registers the hash-chained audit log.
func WithAudit(l *audit.Logger) Option {
	return func(a *Agent) { a.audit = l }
}

// WithBlockQueue registers the block request queue shared with the
// firewall helper.
func WithBlockQueue(q *blockqueue.Queue) Option {
	return func(a *Agent) { a.blocks = q }
}

// WithMetrics registers the Prometheus instruments served on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithHostInfo sets the host description sent with heartbeats.
func WithHostInfo(info sysinfo.Info) Option {
	return func(a *Agent) { a.host = info }
}

// WithTokenKey requires an HS256 bearer token signed with key on the
// /api/v1 routes of the status API.
func WithTokenKey(key []byte) Option {
	return func(a *Agent) { a.tokenKey = key }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Start starts all registered watchers and the heartbeat loop. It returns a
// non-nil error if any watcher fails to initialise; watchers already started
// are stopped again.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = a.now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting decoyverse agent",
		slog.String("node_id", a.cfg.NodeID),
		slog.String("backend_url", a.cfg.BackendURL),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Int("watchers", len(a.watchers)),
	)

	a.record(audit.KindAgentStarted, map[string]any{
		"node_id":  a.cfg.NodeID,
		"version":  a.cfg.AgentVersion,
		"watchers": len(a.watchers),
	})

	for i, w := range a.watchers {
		if err := w.Start(ctx); err != nil {
			for _, started := range a.watchers[:i] {
				started.Stop()
			}
			cancel()
			a.wg.Wait()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: watcher[%d] failed to start: %w", i, err)
		}
		// Fan-in: read reports from each watcher.
		a.wg.Add(1)
		go a.processReports(ctx, w)
	}

	if a.reporter == nil || !a.reporter.Configured() {
		a.logger.Warn("agent: no backend credentials; detecting and logging locally only")
	} else {
		a.wg.Add(1)
		go a.heartbeatLoop(ctx)
	}

	a.logger.Info("decoyverse agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	for _, w := range a.watchers {
		w.Stop()
	}
	a.wg.Wait()

	a.record(audit.KindAgentStopped, map[string]any{"node_id": a.cfg.NodeID})

	if a.outbox != nil {
		if err := a.outbox.Close(); err != nil {
			a.logger.Warn("agent: error closing outbox", slog.Any("error", err))
		}
	}
	a.logger.Info("decoyverse agent stopped")
}

// Done is closed when the backend asks this node to uninstall. The caller
// owns the shutdown that follows.
func (a *Agent) Done() <-chan struct{} { return a.uninstall }

// processReports reads reports from watcher w until its channel closes or
// ctx is cancelled.
func (a *Agent) processReports(ctx context.Context, w Watcher) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-w.Reports():
			if !ok {
				return
			}
			a.handleReport(ctx, r)
		}
	}
}

// handleReport audits r and delivers it. A delivery that may succeed later
// is parked in the outbox; a rejection the backend will repeat is dropped.
// Errors are logged but never stop the agent.
func (a *Agent) handleReport(ctx context.Context, r watcher.Report) {
	a.mu.Lock()
	a.lastAlertAt = r.ReportTime()
	a.mu.Unlock()

	a.logReport(r)

	kind := audit.KindNetworkEvent
	if r.ReportKind() == watcher.KindHoneytoken {
		kind = audit.KindHoneytokenAlert
	}
	a.record(kind, map[string]any{"event_id": r.ReportID(), "event": r})

	if a.reporter == nil || !a.reporter.Configured() {
		return
	}
	err := a.reporter.Deliver(ctx, r)
	if err == nil {
		return
	}
	if !transport.Retryable(err) {
		a.logger.Warn("agent: backend rejected report; dropping",
			slog.String("event_id", r.ReportID()),
			slog.Any("error", err),
		)
		return
	}

	a.logger.Warn("agent: report delivery failed; parking in outbox",
		slog.String("event_id", r.ReportID()),
		slog.Any("error", err),
	)
	if a.outbox == nil {
		return
	}
	// The outbox write must survive a shutdown that cancelled the delivery.
	if _, err := a.outbox.EnqueueReport(context.WithoutCancel(ctx), r); err != nil {
		a.logger.Error("agent: outbox enqueue failed; report lost",
			slog.String("event_id", r.ReportID()),
			slog.Any("error", err),
		)
	}
	a.metrics.SetOutboxDepth(a.outbox.Depth())
}

func (a *Agent) logReport(r watcher.Report) {
	switch v := r.(type) {
	case watcher.HoneytokenAlert:
		a.logger.Warn("honeytoken alert",
			slog.String("file", v.FilePath),
			slog.String("action", v.Action),
			slog.String("severity", v.Severity),
			slog.String("process", v.ProcessName),
		)
	case watcher.NetworkEvent:
		a.logger.Warn("network event",
			slog.String("dest", fmt.Sprintf("%s:%d", v.DestIP, v.DestPort)),
			slog.String("attack", v.AttackLabel()),
			slog.Float64("score", v.EffectiveScore),
			slog.Any("triggers", v.RuleTriggers),
		)
	default:
		a.logger.Warn("report received", slog.String("kind", r.ReportKind()))
	}
}

func (a *Agent) record(kind string, v any) {
	if a.audit == nil {
		return
	}
	if _, err := a.audit.Record(kind, v); err != nil {
		a.logger.Error("agent: audit append failed",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
}

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status          string  `json:"status"`
	Mode            string  `json:"mode"`
	UptimeS         float64 `json:"uptime_s"`
	MonitoredFiles  int     `json:"monitored_files"`
	NetworkMonitor  string  `json:"network_monitor"`
	OutboxDepth     int     `json:"outbox_depth"`
	PendingBlocks   int     `json:"pending_blocks"`
	LastAlertAt     string  `json:"last_alert_at,omitempty"`
	LastHeartbeatAt string  `json:"last_heartbeat_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	h := HealthStatus{
		Status:  "ok",
		Mode:    "local_only",
		UptimeS: a.now().Sub(a.startTime).Seconds(),
	}
	if !a.lastAlertAt.IsZero() {
		h.LastAlertAt = a.lastAlertAt.UTC().Format(time.RFC3339)
	}
	if !a.lastHeartbeatAt.IsZero() {
		h.LastHeartbeatAt = a.lastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	a.mu.RUnlock()

	select {
	case <-a.uninstall:
		h.Status = "uninstalling"
	default:
	}
	if a.reporter != nil && a.reporter.Configured() {
		h.Mode = "reporting"
	}
	if a.files != nil {
		h.MonitoredFiles = a.files.MonitoredCount()
	}
	h.NetworkMonitor = a.networkState()
	if a.outbox != nil {
		h.OutboxDepth = a.outbox.Depth()
	}
	if a.blocks != nil {
		if pending, err := a.blocks.Pending(); err == nil {
			h.PendingBlocks = len(pending)
		}
	}
	return h
}

func (a *Agent) networkState() string {
	switch {
	case a.network == nil:
		return "off"
	case a.network.Disabled():
		return "disabled"
	default:
		return "running"
	}
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Health(), a.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("agent: failed to encode response", slog.Any("error", err))
	}
}
