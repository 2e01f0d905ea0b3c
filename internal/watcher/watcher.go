// Package watcher provides the two detection components of the DecoyVerse
// agent: the honeytoken file watcher and the network connection monitor.
// Both implement agent.Watcher and publish Reports on a buffered channel.
package watcher

import (
	"time"

	"github.com/google/uuid"
)

// defaultBufferSize is the capacity of each watcher's Reports channel. A
// full channel drops reports with a warning rather than blocking detection.
const defaultBufferSize = 64

// FileEventKind classifies a detected honeytoken event.
type FileEventKind string

const (
	FileModified FileEventKind = "MODIFIED"
	FileAccessed FileEventKind = "ACCESSED"
	FileDeleted  FileEventKind = "DELETED"
)

// FileEvent is one detection from either the OS-notification channel or the
// polling channel. It is consumed once by the alert builder.
type FileEvent struct {
	Kind       FileEventKind
	Path       string
	ObservedAt time.Time
}

// AlertTypeHoneytoken is the alert_type of every honeytoken alert.
const AlertTypeHoneytoken = "HONEYTOKEN_ACCESS"

// Report is a detection ready for delivery to the backend. It is either a
// HoneytokenAlert or a NetworkEvent.
type Report interface {
	// ReportID is a stable identifier used to deduplicate redeliveries.
	ReportID() string
	// ReportKind is "honeytoken" or "network".
	ReportKind() string
	// ReportTime is when the underlying event was observed.
	ReportTime() time.Time
}

// Report kinds.
const (
	KindHoneytoken = "honeytoken"
	KindNetwork    = "network"
)

// HoneytokenAlert is the alert built for one FileEvent.
type HoneytokenAlert struct {
	ID           string    `json:"-"`
	Timestamp    time.Time `json:"timestamp"`
	Hostname     string    `json:"hostname"`
	Username     string    `json:"username"`
	FileAccessed string    `json:"file_accessed"`
	FilePath     string    `json:"file_path"`
	Action       string    `json:"action"`
	Severity     string    `json:"severity"`
	AlertType    string    `json:"alert_type"`
	ProcessName  string    `json:"process_name,omitempty"`
	PID          int32     `json:"pid,omitempty"`
	ProcessUser  string    `json:"process_user,omitempty"`
	Cmdline      string    `json:"cmdline,omitempty"`
}

func (a HoneytokenAlert) ReportID() string      { return a.ID }
func (a HoneytokenAlert) ReportKind() string    { return KindHoneytoken }
func (a HoneytokenAlert) ReportTime() time.Time { return a.Timestamp }

// SuspiciousConnection is one scored, non-standard outbound connection.
type SuspiciousConnection struct {
	DestIP       string
	DestPort     int
	SourceIP     string
	Protocol     string
	ProcessName  string
	RuleScore    int
	RuleTriggers []string
	// PrimaryTrigger is the first trigger that reached RuleScore.
	PrimaryTrigger string
}

// NetworkEvent is a SuspiciousConnection whose effective score passed the
// reporting threshold.
type NetworkEvent struct {
	ID           string    `json:"-"`
	Timestamp    time.Time `json:"timestamp"`
	SourceIP     string    `json:"source_ip"`
	DestIP       string    `json:"dest_ip"`
	DestPort     int       `json:"dest_port"`
	Protocol     string    `json:"protocol"`
	Status       string    `json:"status"`
	ProcessName  *string   `json:"process_name"`
	RuleScore    int       `json:"rule_score"`
	RuleTriggers []string  `json:"rule_triggers"`
	MLAttackType *string   `json:"ml_attack_type"`
	MLRiskScore  *float64  `json:"ml_risk_score"`
	MLConfidence *float64  `json:"ml_confidence"`

	// EffectiveScore is the ML score when one was obtained, else RuleScore.
	EffectiveScore float64 `json:"-"`
	// PrimaryTrigger labels the event locally when ML is absent.
	PrimaryTrigger string `json:"-"`
}

func (e NetworkEvent) ReportID() string      { return e.ID }
func (e NetworkEvent) ReportKind() string    { return KindNetwork }
func (e NetworkEvent) ReportTime() time.Time { return e.Timestamp }

// AttackLabel returns the ML attack type when present, otherwise the
// primary rule trigger.
func (e NetworkEvent) AttackLabel() string {
	if e.MLAttackType != nil && *e.MLAttackType != "" {
		return *e.MLAttackType
	}
	return e.PrimaryTrigger
}

func newID() string { return uuid.NewString() }
