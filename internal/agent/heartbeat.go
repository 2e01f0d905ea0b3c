package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/transport"
)

// flushBatch is the number of outbox entries redelivered per heartbeat.
const flushBatch = 100

// deliveredRetention is how long delivered outbox rows are kept for event
// ID deduplication.
const deliveredRetention = 24 * time.Hour

// transitionEnqueued labels block_transitions_total for IPs the agent adds
// to the block request queue.
const transitionEnqueued = "enqueued"

// heartbeatLoop sends one heartbeat immediately (the registration check) and
// then one per HeartbeatInterval. After a failure the next attempt follows
// an exponential backoff capped at five intervals instead of the fixed
// cadence.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 5 * interval
	b.MaxElapsedTime = 0
	b.Reset()

	failures := 0
	for {
		wait := interval
		if err := a.Beat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait = b.NextBackOff()
			a.logger.Warn("agent: heartbeat failed",
				slog.Int("consecutive_failures", failures),
				slog.Duration("retry_in", wait),
				slog.Any("error", err),
			)
		} else {
			if failures > 0 {
				a.logger.Info("agent: heartbeat recovered", slog.Int("after_failures", failures))
			}
			failures = 0
			b.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-a.uninstall:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Beat performs one heartbeat: it reports liveness, queues the block
// instructions in the response, honours an uninstall request, and then
// redelivers what the outbox holds. It returns transport.ErrNotConfigured
// in local-only mode.
func (a *Agent) Beat(ctx context.Context) error {
	if a.reporter == nil || !a.reporter.Configured() {
		return transport.ErrNotConfigured
	}

	resp, err := a.reporter.Heartbeat(ctx, a.heartbeatRequest())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastHeartbeatAt = a.now()
	a.mu.Unlock()

	a.enqueueBlocks(resp.PendingBlocks)

	if resp.ShouldUninstall() {
		a.uninstallOnce.Do(func() {
			a.logger.Warn("agent: backend requested uninstall; shutting down")
			close(a.uninstall)
		})
		return nil
	}

	a.flushOutbox(ctx)
	return nil
}

func (a *Agent) heartbeatRequest() transport.HeartbeatRequest {
	req := transport.HeartbeatRequest{
		NodeID:          a.cfg.NodeID,
		Hostname:        a.host.Hostname,
		OS:              a.host.OS,
		Platform:        a.host.Platform,
		PlatformVersion: a.host.PlatformVersion,
		AgentVersion:    a.cfg.AgentVersion,
		NetworkMonitor:  a.networkState() == "running",
	}
	if a.files != nil {
		req.MonitoredFiles = a.files.MonitoredCount()
	}
	return req
}

// enqueueBlocks adds each instructed IP to the block request queue. The
// queue ignores IPs it already holds, so repeated instructions are safe.
func (a *Agent) enqueueBlocks(ips []string) {
	if len(ips) == 0 {
		return
	}
	if a.blocks == nil {
		a.logger.Warn("agent: block instructions received but no block queue is configured",
			slog.Int("count", len(ips)))
		return
	}
	for _, ip := range ips {
		added, err := a.blocks.Enqueue(ip)
		switch {
		case errors.Is(err, blockqueue.ErrInvalidIP):
			a.logger.Warn("agent: ignoring invalid block instruction", slog.String("ip", ip))
		case err != nil:
			a.logger.Error("agent: block enqueue failed",
				slog.String("ip", ip),
				slog.Any("error", err),
			)
		case added:
			a.logger.Info("agent: block requested", slog.String("ip", ip))
			a.metrics.BlockTransition(transitionEnqueued)
			a.record(audit.KindBlockEnqueued, map[string]string{"ip": ip})
		}
	}
}

// flushOutbox redelivers parked reports in insertion order. It stops at the
// first failure that may succeed later; entries the backend rejects outright
// are dropped.
func (a *Agent) flushOutbox(ctx context.Context) {
	if a.outbox == nil {
		return
	}
	defer func() { a.metrics.SetOutboxDepth(a.outbox.Depth()) }()

	if n, err := a.outbox.Prune(ctx, a.now().Add(-deliveredRetention)); err != nil {
		a.logger.Warn("agent: outbox prune failed", slog.Any("error", err))
	} else if n > 0 {
		a.logger.Debug("agent: outbox pruned", slog.Int64("rows", n))
	}

	entries, err := a.outbox.Dequeue(ctx, flushBatch)
	if err != nil {
		a.logger.Error("agent: outbox read failed", slog.Any("error", err))
		return
	}

	var done []int64
	for _, e := range entries {
		err := a.reporter.Send(ctx, e.Kind, e.EventID, e.Payload)
		if err == nil {
			done = append(done, e.ID)
			continue
		}
		if !transport.Retryable(err) {
			a.logger.Warn("agent: backend rejected parked report; dropping",
				slog.String("event_id", e.EventID),
				slog.Int("attempts", e.Attempts+1),
				slog.Any("error", err),
			)
			done = append(done, e.ID)
			continue
		}
		if rerr := a.outbox.RecordFailure(ctx, e.ID, err); rerr != nil {
			a.logger.Error("agent: outbox update failed", slog.Any("error", rerr))
		}
		a.logger.Warn("agent: outbox redelivery failed; will retry next heartbeat",
			slog.String("event_id", e.EventID),
			slog.Any("error", err),
		)
		break
	}

	if len(done) == 0 {
		return
	}
	if err := a.outbox.Ack(ctx, done); err != nil {
		a.logger.Error("agent: outbox ack failed", slog.Any("error", err))
		return
	}
	a.logger.Info("agent: outbox flushed", slog.Int("delivered", len(done)))
}
