package blockqueue_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyverse/agent/internal/blockqueue"
)

func newQueue(t *testing.T) *blockqueue.Queue {
	t.Helper()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return blockqueue.New(filepath.Join(t.TempDir(), "pending_blocks.json"),
		blockqueue.WithClock(func() time.Time { return fixed }))
}

func readRaw(t *testing.T, q *blockqueue.Queue) map[string]any {
	t.Helper()
	data, err := os.ReadFile(q.Path())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	doc, err := newQueue(t).Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Pending)
	assert.Empty(t, doc.Done)
}

func TestRead_MalformedFileIsEmpty(t *testing.T) {
	q := newQueue(t)
	require.NoError(t, os.WriteFile(q.Path(), []byte("{not json"), 0o600))

	doc, err := q.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Pending)

	// The next write repairs the file.
	added, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []any{"203.0.113.5"}, readRaw(t, q)["pending"])
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := newQueue(t)

	added, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.False(t, added)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, pending)
}

func TestEnqueue_RejectsInvalidIP(t *testing.T) {
	_, err := newQueue(t).Enqueue("not-an-ip")
	assert.ErrorIs(t, err, blockqueue.ErrInvalidIP)
}

func TestEnqueue_NormalizesIPv6(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue("2001:DB8:0:0::1")
	require.NoError(t, err)
	added, err := q.Enqueue("2001:db8::1")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestMarkDone_MovesFromPendingToDone(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = q.Enqueue("198.51.100.7")
	require.NoError(t, err)

	rec, err := q.MarkDone("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", rec.IP)
	assert.Equal(t, "2024-05-01T12:00:00Z", rec.BlockedAt)

	doc, err := q.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.7"}, doc.Pending)
	require.Len(t, doc.Done, 1)
	assert.True(t, doc.IsDone("203.0.113.5"))
}

func TestEnqueue_DoneIPIsNeverReEnqueued(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = q.MarkDone("203.0.113.5")
	require.NoError(t, err)

	added, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.False(t, added)

	doc, err := q.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Pending)
	assert.Len(t, doc.Done, 1)
}

func TestMarkDone_Twice_KeepsSingleRecord(t *testing.T) {
	q := newQueue(t)
	_, err := q.MarkDone("203.0.113.5")
	require.NoError(t, err)
	_, err = q.MarkDone("203.0.113.5")
	require.NoError(t, err)

	doc, err := q.Read()
	require.NoError(t, err)
	assert.Len(t, doc.Done, 1)
}

func TestFileShape_MatchesWireFormat(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = q.MarkDone("203.0.113.5")
	require.NoError(t, err)

	raw := readRaw(t, q)
	assert.Equal(t, []any{}, raw["pending"])
	assert.Equal(t, []any{map[string]any{"ip": "203.0.113.5", "blocked_at": "2024-05-01T12:00:00Z"}}, raw["done"])
}

func TestTwoHandles_ReReadBeforeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending_blocks.json")
	agentSide := blockqueue.New(path)
	helperSide := blockqueue.New(path)

	_, err := agentSide.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = helperSide.MarkDone("203.0.113.5")
	require.NoError(t, err)
	_, err = agentSide.Enqueue("198.51.100.7")
	require.NoError(t, err)

	doc, err := helperSide.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.7"}, doc.Pending)
	assert.True(t, doc.IsDone("203.0.113.5"))
}

func TestEnqueue_Concurrent(t *testing.T) {
	q := newQueue(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("203.0.113.5")
		}()
	}
	wg.Wait()

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, pending)
}

func TestRemove_AllowsReBlock(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	_, err = q.MarkDone("203.0.113.5")
	require.NoError(t, err)

	changed, err := q.Remove("203.0.113.5")
	require.NoError(t, err)
	assert.True(t, changed)

	doc, err := q.Read()
	require.NoError(t, err)
	assert.False(t, doc.Contains("203.0.113.5"))

	added, err := q.Enqueue("203.0.113.5")
	require.NoError(t, err)
	assert.True(t, added)

	changed, err = q.Remove("198.51.100.1")
	require.NoError(t, err)
	assert.False(t, changed)
}
