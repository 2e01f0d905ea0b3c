package firewall_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyverse/agent/internal/audit"
	"github.com/decoyverse/agent/internal/blockqueue"
	"github.com/decoyverse/agent/internal/firewall"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// fakeNetsh is an in-memory Windows firewall driven through netsh argument
// lists. addErr, when set, decides whether an add command fails.
type fakeNetsh struct {
	mu     sync.Mutex
	rules  map[string]bool
	calls  []string
	addErr func(rule string) error
}

func newFakeNetsh() *fakeNetsh {
	return &fakeNetsh{rules: make(map[string]bool)}
}

func (f *fakeNetsh) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))

	var rule string
	for _, a := range args {
		if strings.HasPrefix(a, "name=") {
			rule = strings.TrimPrefix(a, "name=")
		}
	}
	switch args[2] {
	case "show":
		if f.rules[rule] {
			return []byte("Rule Name: " + rule), nil
		}
		return []byte("No rules match the specified criteria."), errors.New("exit status 1")
	case "add":
		if f.addErr != nil {
			if err := f.addErr(rule); err != nil {
				return nil, err
			}
		}
		f.rules[rule] = true
		return []byte("Ok."), nil
	case "delete":
		if !f.rules[rule] {
			return nil, errors.New("exit status 1")
		}
		delete(f.rules, rule)
		return []byte("Deleted 1 rule(s)."), nil
	}
	return nil, fmt.Errorf("unexpected command %v", args)
}

func (f *fakeNetsh) has(rule string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[rule]
}

func (f *fakeNetsh) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeConfirmer records confirmations. When gate is set, each call waits
// for it to close or for its context to end.
type fakeConfirmer struct {
	mu   sync.Mutex
	ips  []string
	err  error
	gate chan struct{}
}

func (c *fakeConfirmer) ConfirmBlock(ctx context.Context, ip string) error {
	c.mu.Lock()
	c.ips = append(c.ips, ip)
	gate, err := c.gate, c.err
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeConfirmer) confirmed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ips...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

type fixture struct {
	queue     *blockqueue.Queue
	netsh     *fakeNetsh
	confirmer *fakeConfirmer
	auditPath string
	helper    *firewall.Helper
}

func newFixture(t *testing.T, opts ...firewall.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		queue:     blockqueue.New(filepath.Join(dir, "pending_blocks.json")),
		netsh:     newFakeNetsh(),
		confirmer: &fakeConfirmer{},
		auditPath: filepath.Join(dir, "firewall-audit.log"),
	}
	al, err := audit.Open(f.auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = al.Close() })

	f.helper = firewall.NewHelper(f.queue, firewall.Netsh{}, noopLogger(),
		append([]firewall.Option{
			firewall.WithRunner(f.netsh),
			firewall.WithConfirmer(f.confirmer),
			firewall.WithAudit(al),
		}, opts...)...,
	)
	return f
}

func (f *fixture) auditKinds(t *testing.T) []string {
	t.Helper()
	entries, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

// ---------------------------------------------------------------------------
// ProcessOnce
// ---------------------------------------------------------------------------

func TestProcessOnce_HeartbeatBlockEndToEnd(t *testing.T) {
	f := newFixture(t)

	// The agent enqueues the IP named by the heartbeat response.
	added, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)
	require.True(t, added)

	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, res.Blocked)
	assert.Empty(t, res.Failed)

	assert.True(t, f.netsh.has("DecoyVerse-Block-203.0.113.5-in"))
	assert.True(t, f.netsh.has("DecoyVerse-Block-203.0.113.5-out"))

	doc, err := f.queue.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Pending)
	assert.True(t, doc.IsDone("203.0.113.5"))

	assert.Equal(t, []string{"203.0.113.5"}, f.confirmer.confirmed())
	assert.Equal(t, []string{audit.KindBlockApplied}, f.auditKinds(t))
}

func TestProcessOnce_FailureKeepsPendingAndRetries(t *testing.T) {
	f := newFixture(t)
	f.netsh.addErr = func(rule string) error {
		if strings.HasSuffix(rule, "-out") {
			return errors.New("exit status 1")
		}
		return nil
	}
	_, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)

	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, res.Failed)

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, pending)
	assert.Empty(t, f.confirmer.confirmed())

	// The firewall recovers; the inbound rule from the partial install is
	// found and not added twice.
	f.netsh.addErr = nil
	res, err = f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, res.Blocked)
	assert.Equal(t, 1, f.netsh.count("netsh advfirewall firewall add rule name=DecoyVerse-Block-203.0.113.5-in"))

	doc, err := f.queue.Read()
	require.NoError(t, err)
	assert.True(t, doc.IsDone("203.0.113.5"))
	assert.Equal(t, []string{audit.KindBlockFailed, audit.KindBlockApplied}, f.auditKinds(t))
}

func TestProcessOnce_DoneIPNotReprocessed(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)

	// A later identical instruction is ignored by the queue.
	added, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.False(t, added)

	before := f.netsh.count("netsh")
	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Blocked)
	assert.Equal(t, before, f.netsh.count("netsh"))
}

func TestProcessOnce_ConfirmationFailureDoesNotUndoBlock(t *testing.T) {
	f := newFixture(t)
	f.confirmer.err = errors.New("backend unreachable")
	_, err := f.queue.Enqueue("198.51.100.23")
	require.NoError(t, err)

	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.23"}, res.Blocked)
	assert.Equal(t, []string{"198.51.100.23"}, res.Unconfirmed)

	doc, err := f.queue.Read()
	require.NoError(t, err)
	assert.True(t, doc.IsDone("198.51.100.23"))
}

func TestProcessOnce_SlowConfirmationDoesNotDelayLaterBlocks(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.confirmer.gate = gate
	for _, ip := range []string{"203.0.113.5", "198.51.100.23"} {
		_, err := f.queue.Enqueue(ip)
		require.NoError(t, err)
	}

	type outcome struct {
		res firewall.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.helper.ProcessOnce(context.Background())
		done <- outcome{res, err}
	}()

	// Both IPs are enforced while the backend has not answered at all.
	require.Eventually(t, func() bool {
		doc, err := f.queue.Read()
		return err == nil && doc.IsDone("203.0.113.5") && doc.IsDone("198.51.100.23")
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.netsh.has("DecoyVerse-Block-198.51.100.23-in"))
	assert.True(t, f.netsh.has("DecoyVerse-Block-198.51.100.23-out"))

	// Confirmations run side by side, not one after another.
	require.Eventually(t, func() bool { return len(f.confirmer.confirmed()) == 2 },
		2*time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("ProcessOnce returned before confirmations finished")
	default:
	}

	close(gate)
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.ElementsMatch(t, []string{"203.0.113.5", "198.51.100.23"}, out.res.Blocked)
		assert.Empty(t, out.res.Unconfirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessOnce did not return after confirmations")
	}
}

func TestProcessOnce_ConfirmTimeoutBoundsCycle(t *testing.T) {
	f := newFixture(t, firewall.WithConfirmTimeout(50*time.Millisecond))
	f.confirmer.gate = make(chan struct{})
	for _, ip := range []string{"203.0.113.5", "198.51.100.23"} {
		_, err := f.queue.Enqueue(ip)
		require.NoError(t, err)
	}

	start := time.Now()
	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.ElementsMatch(t, []string{"203.0.113.5", "198.51.100.23"}, res.Blocked)
	assert.ElementsMatch(t, []string{"203.0.113.5", "198.51.100.23"}, res.Unconfirmed)

	doc, err := f.queue.Read()
	require.NoError(t, err)
	assert.True(t, doc.IsDone("203.0.113.5"))
	assert.True(t, doc.IsDone("198.51.100.23"))
}

func TestProcessOnce_InvalidEntryStaysPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.queue.Path(),
		[]byte(`{"pending":["not-an-ip","203.0.113.9"],"done":[]}`), 0o664))

	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"not-an-ip"}, res.Failed)
	assert.Equal(t, []string{"203.0.113.9"}, res.Blocked)

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"not-an-ip"}, pending)
}

func TestProcessOnce_IPv6RuleNames(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("2001:db8::1")
	require.NoError(t, err)

	_, err = f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, f.netsh.has("DecoyVerse-Block-2001-db8--1-in"))
	assert.True(t, f.netsh.has("DecoyVerse-Block-2001-db8--1-out"))
}

func TestProcessOnce_CancelledContextStops(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.helper.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Blocked)
	assert.Zero(t, f.netsh.count("netsh"))
}

func TestProcessOnce_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	res, err := f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Blocked)
	assert.Empty(t, res.Failed)
}

// ---------------------------------------------------------------------------
// Unblock and Run
// ---------------------------------------------------------------------------

func TestUnblock_RemovesRulesAndForgetsIP(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = f.helper.ProcessOnce(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.helper.Unblock(context.Background(), "203.0.113.5"))
	assert.False(t, f.netsh.has("DecoyVerse-Block-203.0.113.5-in"))
	assert.False(t, f.netsh.has("DecoyVerse-Block-203.0.113.5-out"))

	doc, err := f.queue.Read()
	require.NoError(t, err)
	assert.False(t, doc.Contains("203.0.113.5"))
	assert.Equal(t, []string{audit.KindBlockApplied, audit.KindBlockRemoved}, f.auditKinds(t))

	// Unblocking again finds no rules and still succeeds.
	require.NoError(t, f.helper.Unblock(context.Background(), "203.0.113.5"))
	assert.ErrorIs(t, f.helper.Unblock(context.Background(), "bogus"), blockqueue.ErrInvalidIP)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue("203.0.113.5")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.helper.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		doc, err := f.queue.Read()
		return err == nil && doc.IsDone("203.0.113.5")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
