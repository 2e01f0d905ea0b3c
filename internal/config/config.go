// Package config provides configuration loading and validation for the
// DecoyVerse agent and its firewall helper. A single file is shared by both
// binaries; its format (YAML, TOML, or JSON) is chosen by file extension.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values read from the config file.
const (
	EnvBackendURL        = "DV_BACKEND_URL"
	EnvNodeID            = "DV_NODE_ID"
	EnvNodeAPIKey        = "DV_NODE_API_KEY"
	EnvMLPredictEndpoint = "DV_ML_PREDICT_ENDPOINT"
	EnvLogLevel          = "DV_LOG_LEVEL"
)

// Config is the top-level configuration structure for the DecoyVerse agent.
type Config struct {
	// BackendURL is the base URL of the DecoyVerse backend
	// (e.g. "https://api.decoyverse.example"). When empty the agent runs in
	// local-only mode: it detects and logs but reports nothing.
	BackendURL string `yaml:"backend_url" toml:"backend_url" json:"backend_url"`

	// NodeID and NodeAPIKey identify this node to the backend. Both are sent
	// as headers on every backend call.
	NodeID     string `yaml:"node_id" toml:"node_id" json:"node_id"`
	NodeAPIKey string `yaml:"node_api_key" toml:"node_api_key" json:"node_api_key"`

	// MLPredictEndpoint is the optional URL of the ML risk scorer. When
	// empty the rule score is authoritative.
	MLPredictEndpoint string `yaml:"ml_predict_endpoint" toml:"ml_predict_endpoint" json:"ml_predict_endpoint"`

	// Honeytokens is the list of bait file paths to watch.
	Honeytokens []string `yaml:"honeytokens" toml:"honeytokens" json:"honeytokens"`

	// WatchDir is scanned for regular files when Honeytokens is empty.
	WatchDir string `yaml:"watch_dir" toml:"watch_dir" json:"watch_dir"`

	// FilePollInterval is the honeytoken polling cadence. Defaults to 4s.
	FilePollInterval Duration `yaml:"file_poll_interval" toml:"file_poll_interval" json:"file_poll_interval"`

	// DedupWindow collapses duplicate (path, kind) signals. Defaults to 5s.
	DedupWindow Duration `yaml:"dedup_window" toml:"dedup_window" json:"dedup_window"`

	// HeartbeatInterval is the backend heartbeat cadence. Defaults to 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" json:"heartbeat_interval"`

	Network   NetworkConfig   `yaml:"network" toml:"network" json:"network"`
	Firewall  FirewallConfig  `yaml:"firewall" toml:"firewall" json:"firewall"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`

	// DataDir holds the block queue, outbox, and audit log unless their
	// paths are set explicitly.
	DataDir        string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
	BlockQueuePath string `yaml:"block_queue_path" toml:"block_queue_path" json:"block_queue_path"`
	OutboxPath     string `yaml:"outbox_path" toml:"outbox_path" json:"outbox_path"`
	AuditLogPath   string `yaml:"audit_log_path" toml:"audit_log_path" json:"audit_log_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`

	// HealthAddr is the listen address for the status HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr" toml:"health_addr" json:"health_addr"`

	// AgentVersion is reported in heartbeats.
	AgentVersion string `yaml:"agent_version" toml:"agent_version" json:"agent_version"`
}

// NetworkConfig tunes the network connection monitor.
type NetworkConfig struct {
	Disabled          bool     `yaml:"disabled" toml:"disabled" json:"disabled"`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	Window            Duration `yaml:"window" toml:"window" json:"window"`
	ScanPortThreshold int      `yaml:"scan_port_threshold" toml:"scan_port_threshold" json:"scan_port_threshold"`
	RateThreshold     int      `yaml:"rate_threshold" toml:"rate_threshold" json:"rate_threshold"`
	BeaconThreshold   int      `yaml:"beacon_threshold" toml:"beacon_threshold" json:"beacon_threshold"`
	RiskThreshold     int      `yaml:"risk_threshold" toml:"risk_threshold" json:"risk_threshold"`
	MLTimeout         Duration `yaml:"ml_timeout" toml:"ml_timeout" json:"ml_timeout"`

	// MaxConsecutiveFailures disables the monitor after this many cycles in
	// a row fail to read the connection table.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" toml:"max_consecutive_failures" json:"max_consecutive_failures"`

	// StandardPorts and HighRiskPorts replace the built-in port lists when
	// non-empty.
	StandardPorts []int `yaml:"standard_ports" toml:"standard_ports" json:"standard_ports"`
	HighRiskPorts []int `yaml:"high_risk_ports" toml:"high_risk_ports" json:"high_risk_ports"`
}

// FirewallConfig tunes the privileged firewall helper.
type FirewallConfig struct {
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	CommandTimeout Duration `yaml:"command_timeout" toml:"command_timeout" json:"command_timeout"`
	// ConfirmTimeout bounds the backend confirmations of one cycle.
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout" json:"confirm_timeout"`
	RulePrefix     string   `yaml:"rule_prefix" toml:"rule_prefix" json:"rule_prefix"`
	// Backend is "netsh" or "iptables". Empty selects by GOOS.
	Backend  string `yaml:"backend" toml:"backend" json:"backend"`
	TaskName string `yaml:"task_name" toml:"task_name" json:"task_name"`
	LogPath  string `yaml:"log_path" toml:"log_path" json:"log_path"`
	// AuditLogPath is the helper's own audit chain, separate from the
	// agent's because the two run as different principals.
	AuditLogPath string `yaml:"audit_log_path" toml:"audit_log_path" json:"audit_log_path"`
}

// RateLimitConfig bounds outbound backend requests.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps" json:"rps"`
	Burst int     `yaml:"burst" toml:"burst" json:"burst"`
}

// Duration is a time.Duration that decodes from strings such as "30s" in
// every supported config format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validFirewallBackends is the set of accepted firewall.backend values.
var validFirewallBackends = map[string]bool{
	"netsh":    true,
	"iptables": true,
}

// LoadConfig reads the file at path, decodes it according to its extension
// (.toml, .json, otherwise YAML), applies environment overrides, applies
// defaults, and validates the result. A .env file next to the config is
// loaded first when present; variables already set in the environment win.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(dotenv); err == nil {
		if err := godotenv.Load(dotenv); err != nil {
			return nil, fmt.Errorf("config: cannot load %q: %w", dotenv, err)
		}
	}
	applyEnv(&cfg)

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// applyEnv overrides file values with any non-empty DV_* variables.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		EnvBackendURL:        &cfg.BackendURL,
		EnvNodeID:            &cfg.NodeID,
		EnvNodeAPIKey:        &cfg.NodeAPIKey,
		EnvMLPredictEndpoint: &cfg.MLPredictEndpoint,
		EnvLogLevel:          &cfg.LogLevel,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// DefaultDataDir returns the platform data directory used when data_dir is
// not configured.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "DecoyVerse")
	}
	return "/var/lib/decoyverse"
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "dev"
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	setDuration(&cfg.FilePollInterval, 4*time.Second)
	setDuration(&cfg.DedupWindow, 5*time.Second)
	setDuration(&cfg.HeartbeatInterval, 30*time.Second)

	n := &cfg.Network
	setDuration(&n.PollInterval, 30*time.Second)
	setDuration(&n.Window, 120*time.Second)
	setDuration(&n.MLTimeout, 10*time.Second)
	setInt(&n.ScanPortThreshold, 15)
	setInt(&n.RateThreshold, 50)
	setInt(&n.BeaconThreshold, 4)
	setInt(&n.RiskThreshold, 7)
	setInt(&n.MaxConsecutiveFailures, 10)

	f := &cfg.Firewall
	setDuration(&f.PollInterval, 30*time.Second)
	setDuration(&f.CommandTimeout, 15*time.Second)
	setDuration(&f.ConfirmTimeout, 60*time.Second)
	if f.RulePrefix == "" {
		f.RulePrefix = "DecoyVerse-Block"
	}
	if f.Backend == "" {
		if runtime.GOOS == "windows" {
			f.Backend = "netsh"
		} else {
			f.Backend = "iptables"
		}
	}
	if f.TaskName == "" {
		f.TaskName = "DecoyVerseFirewallHelper"
	}

	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.BlockQueuePath == "" {
		cfg.BlockQueuePath = filepath.Join(cfg.DataDir, "pending_blocks.json")
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = filepath.Join(cfg.DataDir, "outbox.db")
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if f.LogPath == "" {
		f.LogPath = filepath.Join(filepath.Dir(cfg.BlockQueuePath), "firewall.log")
	}
	if f.AuditLogPath == "" {
		f.AuditLogPath = filepath.Join(filepath.Dir(cfg.BlockQueuePath), "firewall-audit.log")
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// validate checks that enumerated fields contain only valid values and that
// numeric settings are in range. Missing credentials are not an error.
func validate(cfg *Config) error {
	var errs []error

	if cfg.BackendURL != "" {
		if err := checkURL(cfg.BackendURL); err != nil {
			errs = append(errs, fmt.Errorf("backend_url: %w", err))
		}
	}
	if cfg.MLPredictEndpoint != "" {
		if err := checkURL(cfg.MLPredictEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("ml_predict_endpoint: %w", err))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for name, d := range map[string]Duration{
		"file_poll_interval":       cfg.FilePollInterval,
		"dedup_window":             cfg.DedupWindow,
		"heartbeat_interval":       cfg.HeartbeatInterval,
		"network.poll_interval":    cfg.Network.PollInterval,
		"network.window":           cfg.Network.Window,
		"network.ml_timeout":       cfg.Network.MLTimeout,
		"firewall.poll_interval":   cfg.Firewall.PollInterval,
		"firewall.command_timeout": cfg.Firewall.CommandTimeout,
		"firewall.confirm_timeout": cfg.Firewall.ConfirmTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d.Std()))
		}
	}

	n := cfg.Network
	for name, v := range map[string]int{
		"network.scan_port_threshold":      n.ScanPortThreshold,
		"network.rate_threshold":           n.RateThreshold,
		"network.beacon_threshold":         n.BeaconThreshold,
		"network.max_consecutive_failures": n.MaxConsecutiveFailures,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if n.RiskThreshold < 0 || n.RiskThreshold > 10 {
		errs = append(errs, fmt.Errorf("network.risk_threshold %d must be between 0 and 10", n.RiskThreshold))
	}
	for _, p := range append(append([]int(nil), n.StandardPorts...), n.HighRiskPorts...) {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("network: port %d out of range 1-65535", p))
		}
	}

	if !validFirewallBackends[cfg.Firewall.Backend] {
		errs = append(errs, fmt.Errorf("firewall.backend %q must be one of: netsh, iptables", cfg.Firewall.Backend))
	}
	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: rps and burst must not be negative"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// HasCredentials reports whether the node can authenticate to the backend.
func (c *Config) HasCredentials() bool {
	return c.BackendURL != "" && c.NodeID != "" && c.NodeAPIKey != ""
}
