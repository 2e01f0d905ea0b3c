package window_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyverse/agent/internal/window"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(offset)
}

func TestNew_DefaultSize(t *testing.T) {
	assert.Equal(t, window.DefaultSize, window.New(0).Size())
	assert.Equal(t, time.Minute, window.New(time.Minute).Size())
}

func TestWindow_EmptyQueries(t *testing.T) {
	w := window.New(window.DefaultSize)
	assert.Zero(t, w.TotalCount())
	assert.Zero(t, w.UniqueDestPorts())
	assert.Zero(t, w.ConnectionsToPort(4444))
	assert.Zero(t, w.ConnectionsToDest("198.51.100.1"))
}

func TestWindow_Counts(t *testing.T) {
	clk := newFakeClock()
	w := window.New(window.DefaultSize, window.WithClock(clk.Now))

	w.Add("198.51.100.1", 7000)
	w.Add("198.51.100.1", 7000)
	w.Add("198.51.100.2", 7001)

	assert.Equal(t, 3, w.TotalCount())
	assert.Equal(t, 2, w.UniqueDestPorts())
	assert.Equal(t, 2, w.ConnectionsToPort(7000))
	assert.Equal(t, 1, w.ConnectionsToPort(7001))
	assert.Equal(t, 2, w.ConnectionsToDest("198.51.100.1"))
}

func TestWindow_PrunesOutsideTrailingWindow(t *testing.T) {
	clk := newFakeClock()
	w := window.New(120*time.Second, window.WithClock(clk.Now))

	clk.Set(0)
	w.Add("198.51.100.1", 7000)
	clk.Set(150 * time.Second)
	w.Add("198.51.100.2", 7001)

	clk.Set(151 * time.Second)
	assert.Equal(t, 1, w.TotalCount())
	assert.Equal(t, 1, w.UniqueDestPorts())
	assert.Zero(t, w.ConnectionsToPort(7000))
	assert.Equal(t, 1, w.ConnectionsToPort(7001))

	snap := w.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "198.51.100.2", snap[0].DestIP)
}

func TestWindow_BoundaryIsExclusive(t *testing.T) {
	clk := newFakeClock()
	w := window.New(120*time.Second, window.WithClock(clk.Now))

	w.Add("198.51.100.1", 7000)
	clk.Set(119 * time.Second)
	assert.Equal(t, 1, w.TotalCount(), "still inside the window")

	clk.Set(120 * time.Second)
	assert.Zero(t, w.TotalCount(), "exactly window-old entries are pruned")
}

func TestWindow_PruneIsLazyAndReAddWorks(t *testing.T) {
	clk := newFakeClock()
	w := window.New(10*time.Second, window.WithClock(clk.Now))

	for i := 0; i < 5; i++ {
		w.Add("198.51.100.1", 9000+i)
	}
	clk.Set(time.Hour)
	w.Add("198.51.100.1", 9000)

	assert.Equal(t, 1, w.TotalCount())
	assert.Equal(t, 1, w.UniqueDestPorts())
	assert.Equal(t, 1, w.ConnectionsToPort(9000))
}

func TestWindow_ConcurrentAddAndQuery(t *testing.T) {
	w := window.New(window.DefaultSize)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Add("198.51.100.1", 10000+g)
				_ = w.UniqueDestPorts()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400, w.TotalCount())
	assert.Equal(t, 4, w.UniqueDestPorts())
}
