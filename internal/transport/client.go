// Package transport implements the Reporting Client that delivers agent
// events to the DecoyVerse backend and polls it for block instructions.
//
// # Usage
//
//	client := transport.New(transport.Config{
//	    BackendURL: cfg.BackendURL,
//	    NodeID:     cfg.NodeID,
//	    NodeAPIKey: cfg.NodeAPIKey,
//	}, logger, transport.WithMetrics(m))
//	if err := client.Deliver(ctx, report); err != nil { ... }
//
// # Authentication
//
// Every request carries the node identity in two headers: X-Node-Id and
// X-Node-Key. Event deliveries also carry X-Event-Id so the backend can drop
// redeliveries from the agent's outbox. The payload itself contains only the
// event fields.
//
// # Failure model
//
// Calls never retry internally except [Client.ConfirmBlock]. A transport
// error or a non-2xx status is returned to the caller, which decides whether
// to keep the event for a later attempt. A client without credentials
// returns [ErrNotConfigured] without touching the network.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/decoyverse/agent/internal/metrics"
	"github.com/decoyverse/agent/internal/watcher"
)

// Backend endpoints, relative to Config.BackendURL.
const (
	PathAgentAlert     = "/api/agent-alert"
	PathNetworkEvent   = "/api/network-event"
	PathHeartbeat      = "/agent/heartbeat"
	PathBlockConfirmed = "/api/agent/block-confirmed"
)

// Request headers.
const (
	HeaderNodeID  = "X-Node-Id"
	HeaderNodeKey = "X-Node-Key"
	HeaderEventID = "X-Event-Id"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultConfirmRetries = 5
	maxErrorBody          = 512
)

// ErrNotConfigured is returned by every call when the backend URL or node
// credentials are missing.
var ErrNotConfigured = errors.New("transport: backend credentials not configured")

// ErrRejected is the sentinel wrapped by every *StatusError.
var ErrRejected = errors.New("transport: backend rejected request")

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: %s: HTTP %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("transport: %s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// Retryable reports whether the same request may succeed later. Client
// errors other than 408 and 429 will not.
func (e *StatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code < 400 || e.Code >= 500
}

// Retryable reports whether err leaves the request worth repeating. A nil
// error and ErrNotConfigured are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Config holds the connection settings for [New].
type Config struct {
	BackendURL   string
	NodeID       string
	NodeAPIKey   string
	AgentVersion string

	// Timeout bounds each HTTP call. Defaults to 15 seconds.
	Timeout time.Duration
	// RPS and Burst rate-limit outbound calls. RPS <= 0 disables limiting.
	RPS   float64
	Burst int
	// ConfirmRetries is the retry budget of ConfirmBlock. Defaults to 5.
	ConfirmRetries uint64
}

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records one backend_requests_total sample per call.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithConfirmBackOff replaces the exponential backoff used by ConfirmBlock.
func WithConfirmBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// Client is the Reporting Client. It is safe for concurrent use.
type Client struct {
	baseURL        string
	nodeID         string
	nodeKey        string
	agentVersion   string
	confirmRetries uint64

	http       *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Client. It performs no I/O.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.ConfirmRetries
	if retries == 0 {
		retries = defaultConfirmRetries
	}
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BackendURL, "/"),
		nodeID:         cfg.NodeID,
		nodeKey:        cfg.NodeAPIKey,
		agentVersion:   cfg.AgentVersion,
		confirmRetries: retries,
		http:           &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		logger: logger,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has a backend URL and credentials.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.nodeID != "" && c.nodeKey != ""
}

// NodeID returns the node identifier sent with every call.
func (c *Client) NodeID() string { return c.nodeID }

// ─── Event delivery ─────────────────────────────────────────────────────────

// SendAlert posts one honeytoken alert.
func (c *Client) SendAlert(ctx context.Context, a watcher.HoneytokenAlert) error {
	return c.post(ctx, PathAgentAlert, a.ID, a, nil)
}

// SendNetworkEvent posts one network event.
func (c *Client) SendNetworkEvent(ctx context.Context, e watcher.NetworkEvent) error {
	return c.post(ctx, PathNetworkEvent, e.ID, e, nil)
}

// Deliver posts r to the endpoint matching its concrete type.
func (c *Client) Deliver(ctx context.Context, r watcher.Report) error {
	switch v := r.(type) {
	case watcher.HoneytokenAlert:
		return c.SendAlert(ctx, v)
	case watcher.NetworkEvent:
		return c.SendNetworkEvent(ctx, v)
	default:
		return fmt.Errorf("transport: unsupported report type %T", r)
	}
}

// Send posts an already-encoded payload of the given report kind. It is used
// to redeliver events read back from the outbox.
func (c *Client) Send(ctx context.Context, kind, eventID string, payload []byte) error {
	path, err := pathForKind(kind)
	if err != nil {
		return err
	}
	return c.post(ctx, path, eventID, json.RawMessage(payload), nil)
}

func pathForKind(kind string) (string, error) {
	switch kind {
	case watcher.KindHoneytoken:
		return PathAgentAlert, nil
	case watcher.KindNetwork:
		return PathNetworkEvent, nil
	default:
		return "", fmt.Errorf("transport: unknown report kind %q", kind)
	}
}

// ─── Heartbeat ──────────────────────────────────────────────────────────────

// HeartbeatRequest is the body of a heartbeat call.
type HeartbeatRequest struct {
	NodeID          string `json:"node_id"`
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
	MonitoredFiles  int    `json:"monitored_files"`
	NetworkMonitor  bool   `json:"network_monitor"`
}

// HeartbeatResponse carries the backend's instructions for this node.
type HeartbeatResponse struct {
	Status             string   `json:"status,omitempty"`
	PendingBlocks      []string `json:"pending_blocks"`
	Uninstall          bool     `json:"uninstall"`
	UninstallRequested bool     `json:"uninstall_requested"`
}

// ShouldUninstall reports whether the backend asked this node to terminate.
func (r HeartbeatResponse) ShouldUninstall() bool {
	return r.Uninstall || r.UninstallRequested
}

// Heartbeat reports liveness and returns the backend's instructions. The
// node ID in req is filled in when empty.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	if req.NodeID == "" {
		req.NodeID = c.nodeID
	}
	if req.AgentVersion == "" {
		req.AgentVersion = c.agentVersion
	}
	var resp HeartbeatResponse
	if err := c.post(ctx, PathHeartbeat, "", req, &resp); err != nil {
		return HeartbeatResponse{}, err
	}
	return resp, nil
}

// ─── Block confirmation ─────────────────────────────────────────────────────

// ConfirmBlock tells the backend that ip is now blocked on this node. Server
// errors and transport failures are retried with exponential backoff; a
// non-retryable rejection ends the attempt immediately.
func (c *Client) ConfirmBlock(ctx context.Context, ip string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	q := url.Values{}
	q.Set("node_id", c.nodeID)
	q.Set("ip_address", ip)
	path := PathBlockConfirmed + "?" + q.Encode()

	op := func() error {
		err := c.post(ctx, path, "", nil, nil)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("transport: block confirmation failed, retrying",
			slog.String("ip", ip),
			slog.Any("error", err),
			slog.Duration("after", wait),
		)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.confirmRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("transport: confirm block %s: %w", ip, err)
	}
	return nil
}

// ─── HTTP plumbing ──────────────────────────────────────────────────────────

// post sends body as JSON to path and decodes a JSON response into out when
// out is non-nil. A nil body sends an empty request.
func (c *Client) post(ctx context.Context, path, eventID string, body, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	endpoint := path
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("transport: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNodeID, c.nodeID)
	req.Header.Set(HeaderNodeKey, c.nodeKey)
	if eventID != "" {
		req.Header.Set(HeaderEventID, eventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.BackendRequest(endpoint, "error")
		return fmt.Errorf("transport: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.BackendRequest(endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read %s response: %w", endpoint, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("transport: decode %s response: %w", endpoint, err)
	}
	return nil
}
