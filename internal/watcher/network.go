package watcher

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/decoyverse/agent/internal/metrics"
	"github.com/decoyverse/agent/internal/rules"
	"github.com/decoyverse/agent/internal/window"
)

const (
	// DefaultNetworkPollInterval is the cadence of connection table reads.
	DefaultNetworkPollInterval = 30 * time.Second
	// DefaultRiskThreshold is the minimum effective score that is reported.
	DefaultRiskThreshold = 7
	// DefaultMaxConsecutiveFailures disables the monitor after this many
	// failed reads in a row.
	DefaultMaxConsecutiveFailures = 10

	statusEstablished = "ESTABLISHED"
	defaultAttackType = "network_anomaly"
)

// Connection is one row of the OS connection table.
type Connection struct {
	LocalIP    string
	LocalPort  int
	RemoteIP   string
	RemotePort int
	Status     string
	// Type is the socket type: syscall.SOCK_STREAM for TCP.
	Type uint32
	PID  int32
}

// ConnectionReader reads the OS connection table. The default reads it via
// gopsutil; tests inject a fake with WithConnectionReader.
type ConnectionReader interface {
	Connections(ctx context.Context) ([]Connection, error)
}

type gopsutilConnections struct{}

func (gopsutilConnections) Connections(ctx context.Context) ([]Connection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	conns := make([]Connection, 0, len(stats))
	for _, s := range stats {
		conns = append(conns, Connection{
			LocalIP:    s.Laddr.IP,
			LocalPort:  int(s.Laddr.Port),
			RemoteIP:   s.Raddr.IP,
			RemotePort: int(s.Raddr.Port),
			Status:     s.Status,
			Type:       s.Type,
			PID:        s.Pid,
		})
	}
	return conns, nil
}

// MLFeatures is the numeric feature map sent to the ML risk scorer.
type MLFeatures struct {
	FailedLogins     int `json:"failed_logins"`
	RequestRate      int `json:"request_rate"`
	CommandsCount    int `json:"commands_count"`
	SQLPayload       int `json:"sql_payload"`
	HoneytokenAccess int `json:"honeytoken_access"`
	SessionTime      int `json:"session_time"`
	DestPort         int `json:"dest_port"`
	IsHighRiskPort   int `json:"is_high_risk_port"`
	RuleScore        int `json:"rule_score"`
}

// MLPrediction is the ML scorer's opinion on one connection.
type MLPrediction struct {
	AttackType string
	RiskScore  float64
	Confidence float64
}

// MLScorer is an optional second opinion on a connection's risk. Any error
// makes the monitor fall back to the rule score.
type MLScorer interface {
	Predict(ctx context.Context, f MLFeatures) (MLPrediction, error)
}

// NetworkWatcher samples the connection table, drops expected traffic,
// scores the rest against the rule engine and the sliding window, and
// reports connections whose effective score reaches the risk threshold.
//
// A read failure skips the cycle. After maxFailures consecutive failures
// the monitor disables itself and its loop exits; other monitors are
// unaffected.
type NetworkWatcher struct {
	engine       *rules.Engine
	window       *window.ConnectionWindow
	reader       ConnectionReader
	namer        ProcessNamer
	scorer       MLScorer
	threshold    float64
	pollInterval time.Duration
	maxFailures  int
	hostname     string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time

	failures int
	disabled atomic.Bool

	reports   chan Report
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NetworkOption is a functional option for NewNetworkWatcher.
type NetworkOption func(*NetworkWatcher)

// WithNetworkPollInterval overrides DefaultNetworkPollInterval.
func WithNetworkPollInterval(d time.Duration) NetworkOption {
	return func(w *NetworkWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithConnectionReader replaces the gopsutil connection reader.
func WithConnectionReader(r ConnectionReader) NetworkOption {
	return func(w *NetworkWatcher) { w.reader = r }
}

// WithProcessNamer replaces the gopsutil PID-to-name resolver. Pass nil to
// disable process attribution.
func WithProcessNamer(n ProcessNamer) NetworkOption {
	return func(w *NetworkWatcher) { w.namer = n }
}

// WithMLScorer enables the ML consult step.
func WithMLScorer(s MLScorer) NetworkOption {
	return func(w *NetworkWatcher) { w.scorer = s }
}

// WithRiskThreshold overrides DefaultRiskThreshold.
func WithRiskThreshold(t int) NetworkOption {
	return func(w *NetworkWatcher) {
		if t > 0 {
			w.threshold = float64(t)
		}
	}
}

// WithMaxConsecutiveFailures overrides DefaultMaxConsecutiveFailures.
func WithMaxConsecutiveFailures(n int) NetworkOption {
	return func(w *NetworkWatcher) {
		if n > 0 {
			w.maxFailures = n
		}
	}
}

// WithHostname is used as source_ip when a connection has no local address.
func WithHostname(h string) NetworkOption {
	return func(w *NetworkWatcher) { w.hostname = h }
}

// WithNetworkMetrics records scoring outcomes.
func WithNetworkMetrics(m *metrics.Metrics) NetworkOption {
	return func(w *NetworkWatcher) { w.metrics = m }
}

// WithNetworkClock replaces time.Now for event timestamps.
func WithNetworkClock(now func() time.Time) NetworkOption {
	return func(w *NetworkWatcher) { w.now = now }
}

// NewNetworkWatcher builds a monitor around engine and win. The window is
// the only state kept across poll cycles.
func NewNetworkWatcher(engine *rules.Engine, win *window.ConnectionWindow, logger *slog.Logger, opts ...NetworkOption) *NetworkWatcher {
	w := &NetworkWatcher{
		engine:       engine,
		window:       win,
		reader:       gopsutilConnections{},
		namer:        gopsutilProcesses{},
		threshold:    DefaultRiskThreshold,
		pollInterval: DefaultNetworkPollInterval,
		maxFailures:  DefaultMaxConsecutiveFailures,
		hostname:     "unknown",
		logger:       logger,
		now:          time.Now,
		reports:      make(chan Report, defaultBufferSize),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the polling loop. It is non-blocking.
func (w *NetworkWatcher) Start(ctx context.Context) error {
	w.logger.Info("network monitor: started",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("window", w.window.Size()),
		slog.Float64("risk_threshold", w.threshold),
		slog.Bool("ml_enabled", w.scorer != nil),
	)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Stop ends the loop and closes Reports. It is safe to call multiple times.
func (w *NetworkWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.closeOnce.Do(func() { close(w.reports) })
}

// Reports returns the channel on which network events are published.
func (w *NetworkWatcher) Reports() <-chan Report { return w.reports }

// Disabled reports whether the monitor has given up reading connections.
func (w *NetworkWatcher) Disabled() bool { return w.disabled.Load() }

func (w *NetworkWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range w.PollOnce(ctx) {
				w.emit(ev)
			}
			if w.Disabled() {
				return
			}
		}
	}
}

func (w *NetworkWatcher) emit(ev NetworkEvent) {
	select {
	case w.reports <- ev:
	default:
		w.logger.Warn("network monitor: report channel full, dropping event",
			slog.String("dest_ip", ev.DestIP),
			slog.Int("dest_port", ev.DestPort),
		)
	}
}

// PollOnce runs one READ, FILTER, SCORE, ML, GATE cycle and returns the
// events that passed the gate. It never panics and never returns an error;
// failures yield an empty result.
func (w *NetworkWatcher) PollOnce(ctx context.Context) []NetworkEvent {
	if w.Disabled() {
		return nil
	}

	conns, err := w.reader.Connections(ctx)
	if err != nil {
		w.failures++
		if w.failures >= w.maxFailures {
			w.disabled.Store(true)
			w.logger.Warn("network monitor: connection table unavailable, disabling monitor",
				slog.Int("consecutive_failures", w.failures),
				slog.Any("error", err),
			)
			return nil
		}
		w.logger.Warn("network monitor: cannot read connection table, skipping cycle",
			slog.Int("consecutive_failures", w.failures),
			slog.Any("error", err),
		)
		return nil
	}
	w.failures = 0

	var events []NetworkEvent
	seen := make(map[string]struct{})
	for _, c := range conns {
		if !w.interesting(c) {
			continue
		}
		key := net.JoinHostPort(c.RemoteIP, strconv.Itoa(c.RemotePort))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		w.window.Add(c.RemoteIP, c.RemotePort)
		sc := w.score(ctx, c)
		ev, report := w.consult(ctx, sc)
		w.metrics.NetworkObservation(report)
		if !report {
			w.logger.Debug("network monitor: below threshold",
				slog.String("dest", key),
				slog.Int("rule_score", sc.RuleScore),
				slog.Float64("effective_score", ev.EffectiveScore),
			)
			continue
		}
		w.logger.Warn("network monitor: suspicious connection",
			slog.String("dest", key),
			slog.Float64("effective_score", ev.EffectiveScore),
			slog.String("attack", ev.AttackLabel()),
			slog.Any("triggers", ev.RuleTriggers),
		)
		events = append(events, ev)
	}
	return events
}

// interesting applies the FILTER step.
func (w *NetworkWatcher) interesting(c Connection) bool {
	if c.Status != statusEstablished || c.RemoteIP == "" {
		return false
	}
	ip := net.ParseIP(c.RemoteIP)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	return !w.engine.IsStandardPort(c.RemotePort)
}

func (w *NetworkWatcher) score(ctx context.Context, c Connection) SuspiciousConnection {
	res := w.engine.Score(c.RemotePort, w.window)
	sc := SuspiciousConnection{
		DestIP:         c.RemoteIP,
		DestPort:       c.RemotePort,
		SourceIP:       c.LocalIP,
		Protocol:       "UDP",
		RuleScore:      res.Score,
		RuleTriggers:   res.Triggers,
		PrimaryTrigger: res.Primary,
	}
	if sc.SourceIP == "" {
		sc.SourceIP = w.hostname
	}
	if c.Type == syscall.SOCK_STREAM {
		sc.Protocol = "TCP"
	}
	if w.namer != nil && c.PID > 0 {
		// The process may already have exited.
		if name, err := w.namer.ProcessName(ctx, c.PID); err == nil {
			sc.ProcessName = name
		}
	}
	return sc
}

// consult runs the optional ML step and the threshold gate.
func (w *NetworkWatcher) consult(ctx context.Context, sc SuspiciousConnection) (NetworkEvent, bool) {
	ev := NetworkEvent{
		ID:             newID(),
		Timestamp:      w.now().UTC(),
		SourceIP:       sc.SourceIP,
		DestIP:         sc.DestIP,
		DestPort:       sc.DestPort,
		Protocol:       sc.Protocol,
		Status:         statusEstablished,
		RuleScore:      sc.RuleScore,
		RuleTriggers:   sc.RuleTriggers,
		EffectiveScore: float64(sc.RuleScore),
		PrimaryTrigger: sc.PrimaryTrigger,
	}
	if sc.ProcessName != "" {
		name := sc.ProcessName
		ev.ProcessName = &name
	}

	if w.scorer != nil {
		pred, err := w.scorer.Predict(ctx, w.features(sc))
		w.metrics.MLConsult(err == nil)
		if err != nil {
			w.logger.Debug("network monitor: ML consult failed, using rule score", slog.Any("error", err))
		} else {
			if pred.AttackType == "" {
				pred.AttackType = defaultAttackType
			}
			ev.MLAttackType = &pred.AttackType
			ev.MLRiskScore = &pred.RiskScore
			ev.MLConfidence = &pred.Confidence
			ev.EffectiveScore = pred.RiskScore
		}
	}

	return ev, ev.EffectiveScore >= w.threshold
}

func (w *NetworkWatcher) features(sc SuspiciousConnection) MLFeatures {
	highRisk := 0
	if w.engine.IsHighRiskPort(sc.DestPort) {
		highRisk = 1
	}
	return MLFeatures{
		RequestRate:    w.window.TotalCount(),
		CommandsCount:  w.window.UniqueDestPorts(),
		SessionTime:    int(w.pollInterval / time.Second),
		DestPort:       sc.DestPort,
		IsHighRiskPort: highRisk,
		RuleScore:      sc.RuleScore,
	}
}
