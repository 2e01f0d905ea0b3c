package rules

import (
	"fmt"
	"slices"
	"strings"
)

// Rule scores. Scores are not additive: the highest matching rule wins.
const (
	ScoreHighRiskPort = 9
	ScorePortScan     = 8
	ScoreHighRate     = 8
	ScoreBeacon       = 7
	ScoreNonStandard  = 3
)

// Trigger tag prefixes. Each tag is "<prefix>:<detail>".
const (
	TagHighRiskPort = "high_risk_port"
	TagPortScan     = "port_scan"
	TagHighRate     = "high_rate"
	TagBeacon       = "c2_beacon"
	TagNonStandard  = "non_std_port"
)

// DefaultStandardPorts is the allow-list of expected outbound ports. It
// covers FTP, SSH, mail, DNS, web, directory, SMB, database, RDP, WinRM,
// Redis, Elasticsearch, and the product backend.
var DefaultStandardPorts = []int{
	20, 21, 22, 23, 25, 465, 587, 53, 80, 8080, 110, 995, 143, 993,
	389, 636, 443, 8443, 445, 1433, 1521, 3306, 3389, 5432, 5985, 5986,
	6379, 8000, 8001, 9200, 9300, 27017,
}

// DefaultHighRiskPorts lists classic backdoor and C2 ports.
var DefaultHighRiskPorts = []int{4444, 4445, 1337, 6666, 6667, 31337, 12345, 5555, 9001, 9002}

// Thresholds configures the window-based rules.
type Thresholds struct {
	// ScanPorts is the unique destination port count that marks a scan.
	ScanPorts int
	// Rate is the total observation count that marks a flood.
	Rate int
	// Beacon is the per-port repeat count that marks C2 beaconing.
	Beacon int
}

// DefaultThresholds returns the stock 15/50/4 thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{ScanPorts: 15, Rate: 50, Beacon: 4}
}

// WindowStats is the read side of a connection window.
type WindowStats interface {
	UniqueDestPorts() int
	TotalCount() int
	ConnectionsToPort(port int) int
}

// Result is the outcome of scoring one connection.
type Result struct {
	// Score is the maximum score of all matching rules.
	Score int
	// Triggers lists every matching rule's tag in evaluation order.
	Triggers []string
	// Primary is the first trigger whose rule scored Score.
	Primary string
}

// HasTrigger reports whether any trigger carries the given tag prefix.
func (r Result) HasTrigger(prefix string) bool {
	return slices.ContainsFunc(r.Triggers, func(t string) bool {
		return strings.HasPrefix(t, prefix+":")
	})
}

// networkRule is one row of the network rule table.
type networkRule struct {
	score int
	match func(e *Engine, port int, w WindowStats) (tag string, ok bool)
}

// networkRules is evaluated in order; ties on score resolve to the earlier
// row.
var networkRules = []networkRule{
	{ScoreHighRiskPort, func(e *Engine, port int, _ WindowStats) (string, bool) {
		return fmt.Sprintf("%s:%d", TagHighRiskPort, port), e.IsHighRiskPort(port)
	}},
	{ScorePortScan, func(e *Engine, _ int, w WindowStats) (string, bool) {
		n := w.UniqueDestPorts()
		return fmt.Sprintf("%s:%d_unique_ports", TagPortScan, n), n >= e.th.ScanPorts
	}},
	{ScoreHighRate, func(e *Engine, _ int, w WindowStats) (string, bool) {
		n := w.TotalCount()
		return fmt.Sprintf("%s:%d_conns", TagHighRate, n), n >= e.th.Rate
	}},
	{ScoreBeacon, func(e *Engine, port int, w WindowStats) (string, bool) {
		n := w.ConnectionsToPort(port)
		return fmt.Sprintf("%s:%dx_port_%d", TagBeacon, n, port), n >= e.th.Beacon && !e.IsStandardPort(port)
	}},
}

// Engine scores outbound connections against the network rule table.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	standard map[int]struct{}
	highRisk map[int]struct{}
	th       Thresholds
}

// NewEngine builds an Engine. Nil port lists select the defaults; zero
// thresholds select the matching default.
func NewEngine(standardPorts, highRiskPorts []int, th Thresholds) *Engine {
	if standardPorts == nil {
		standardPorts = DefaultStandardPorts
	}
	if highRiskPorts == nil {
		highRiskPorts = DefaultHighRiskPorts
	}
	def := DefaultThresholds()
	if th.ScanPorts <= 0 {
		th.ScanPorts = def.ScanPorts
	}
	if th.Rate <= 0 {
		th.Rate = def.Rate
	}
	if th.Beacon <= 0 {
		th.Beacon = def.Beacon
	}
	return &Engine{
		standard: toSet(standardPorts),
		highRisk: toSet(highRiskPorts),
		th:       th,
	}
}

func toSet(ports []int) map[int]struct{} {
	s := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

// IsStandardPort reports whether port is on the allow-list.
func (e *Engine) IsStandardPort(port int) bool {
	_, ok := e.standard[port]
	return ok
}

// IsHighRiskPort reports whether port is a known malicious port.
func (e *Engine) IsHighRiskPort(port int) bool {
	_, ok := e.highRisk[port]
	return ok
}

// Score evaluates every rule for a connection to port against w. When no
// rule matches the connection gets the non-standard baseline.
func (e *Engine) Score(port int, w WindowStats) Result {
	var res Result
	for _, r := range networkRules {
		tag, ok := r.match(e, port, w)
		if !ok {
			continue
		}
		res.Triggers = append(res.Triggers, tag)
		if r.score > res.Score {
			res.Score = r.score
			res.Primary = tag
		}
	}
	if len(res.Triggers) == 0 {
		tag := fmt.Sprintf("%s:%d", TagNonStandard, port)
		res = Result{Score: ScoreNonStandard, Triggers: []string{tag}, Primary: tag}
	}
	return res
}
