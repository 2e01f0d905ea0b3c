// Package window provides the sliding time window of recent outbound
// connection observations used by the network rule engine.
package window

import (
	"sync"
	"time"
)

// DefaultSize is the trailing span of time the window covers.
const DefaultSize = 120 * time.Second

// Observation is one (time, destination) tuple recorded by Add.
type Observation struct {
	ObservedAt time.Time
	DestIP     string
	DestPort   int
}

// ConnectionWindow accumulates observations and answers count queries over
// the trailing window. Old entries are pruned lazily at the start of every
// query; there is no background timer. It is safe for concurrent use.
type ConnectionWindow struct {
	size time.Duration
	now  func() time.Time

	mu     sync.Mutex
	obs    []Observation // ordered by ObservedAt
	byPort map[int]int
	byDest map[string]int
}

// Option is a functional option for New.
type Option func(*ConnectionWindow)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(w *ConnectionWindow) { w.now = now }
}

// New returns an empty window covering size. A non-positive size uses
// DefaultSize.
func New(size time.Duration, opts ...Option) *ConnectionWindow {
	if size <= 0 {
		size = DefaultSize
	}
	w := &ConnectionWindow{
		size:   size,
		now:    time.Now,
		byPort: make(map[int]int),
		byDest: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Size returns the span of time the window covers.
func (w *ConnectionWindow) Size() time.Duration { return w.size }

// Add records a connection to destIP:destPort at the current time.
func (w *ConnectionWindow) Add(destIP string, destPort int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	o := Observation{ObservedAt: w.now(), DestIP: destIP, DestPort: destPort}
	// Keep the slice ordered even if the clock steps backwards.
	if n := len(w.obs); n > 0 && o.ObservedAt.Before(w.obs[n-1].ObservedAt) {
		o.ObservedAt = w.obs[n-1].ObservedAt
	}
	w.obs = append(w.obs, o)
	w.byPort[destPort]++
	w.byDest[destIP]++
}

// UniqueDestPorts returns the number of distinct destination ports seen
// within the window.
func (w *ConnectionWindow) UniqueDestPorts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.byPort)
}

// TotalCount returns the number of observations within the window.
func (w *ConnectionWindow) TotalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.obs)
}

// ConnectionsToPort returns how many observations within the window were to
// port.
func (w *ConnectionWindow) ConnectionsToPort(port int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return w.byPort[port]
}

// ConnectionsToDest returns how many observations within the window were to
// ip.
func (w *ConnectionWindow) ConnectionsToDest(ip string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return w.byDest[ip]
}

// Snapshot returns a copy of the observations currently inside the window.
func (w *ConnectionWindow) Snapshot() []Observation {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return append([]Observation(nil), w.obs...)
}

// prune drops observations at or before now-size. Callers hold mu.
func (w *ConnectionWindow) prune() {
	cutoff := w.now().Add(-w.size)
	i := 0
	for ; i < len(w.obs) && !w.obs[i].ObservedAt.After(cutoff); i++ {
		o := w.obs[i]
		if w.byPort[o.DestPort]--; w.byPort[o.DestPort] <= 0 {
			delete(w.byPort, o.DestPort)
		}
		if w.byDest[o.DestIP]--; w.byDest[o.DestIP] <= 0 {
			delete(w.byDest, o.DestIP)
		}
	}
	if i == 0 {
		return
	}
	// Copy the survivors down so the backing array does not grow forever.
	n := copy(w.obs, w.obs[i:])
	clear(w.obs[n:])
	w.obs = w.obs[:n]
}
