// Package blockqueue implements the file-backed block request queue shared
// by the unprivileged agent and the privileged firewall helper.
//
// The queue is a single JSON document:
//
//	{"pending": ["203.0.113.5"], "done": [{"ip": "198.51.100.7", "blocked_at": "2024-05-01T12:00:00Z"}]}
//
// Both processes treat it as copy-on-write: every mutation re-reads the
// whole document, changes it in memory, and writes it back by renaming a
// temporary file over the existing one. An IP moves from pending to done at most
// once and is never removed from done, so a stale overwrite can at worst
// delay a block by one helper cycle.
package blockqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrInvalidIP is returned when an address does not parse as IPv4 or IPv6.
var ErrInvalidIP = errors.New("blockqueue: invalid IP address")

// Done records a block the helper has applied.
type Done struct {
	IP        string `json:"ip"`
	BlockedAt string `json:"blocked_at"`
}

// Document is the on-disk shape of the queue.
type Document struct {
	Pending []string `json:"pending"`
	Done    []Done   `json:"done"`
}

// Contains reports whether ip is in either list.
func (d Document) Contains(ip string) bool {
	return slices.Contains(d.Pending, ip) || d.IsDone(ip)
}

// IsDone reports whether ip is in the done list.
func (d Document) IsDone(ip string) bool {
	return slices.ContainsFunc(d.Done, func(e Done) bool { return e.IP == ip })
}

// Queue is a handle on the queue file at one path. It serialises mutations
// within a process; across processes the re-read-before-write rule applies.
type Queue struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// Option is a functional option for New.
type Option func(*Queue)

// WithClock replaces time.Now for blocked_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue backed by path. The file is created lazily on the
// first write.
func New(path string, opts ...Option) *Queue {
	q := &Queue{path: path, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

// NormalizeIP validates ip and returns its canonical text form.
func NormalizeIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return parsed.String(), nil
}

// Read returns the current document. A missing, empty, or malformed file
// yields an empty document; only I/O errors other than not-exist are
// returned.
func (q *Queue) Read() (Document, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read()
}

func (q *Queue) read() (Document, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("blockqueue: read %q: %w", q.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, nil
	}
	return doc, nil
}

// write replaces the queue file atomically.
func (q *Queue) write(doc Document) error {
	if doc.Pending == nil {
		doc.Pending = []string{}
	}
	if doc.Done == nil {
		doc.Done = []Done{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("blockqueue: marshal: %w", err)
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blockqueue: create dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pending_blocks-*.tmp")
	if err != nil {
		return fmt.Errorf("blockqueue: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blockqueue: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blockqueue: close temp: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o664); err != nil {
		return fmt.Errorf("blockqueue: chmod temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		return fmt.Errorf("blockqueue: replace %q: %w", q.path, err)
	}
	return nil
}

// Enqueue appends ip to pending unless it already appears in pending or
// done. It reports whether the document changed.
func (q *Queue) Enqueue(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.read()
	if err != nil {
		return false, err
	}
	if doc.Contains(ip) {
		return false, nil
	}
	doc.Pending = append(doc.Pending, ip)
	if err := q.write(doc); err != nil {
		return false, err
	}
	return true, nil
}

// MarkDone moves ip from pending to done, stamping it with the current
// time. It returns the done record. Calling MarkDone for an IP already in
// done returns the existing record without rewriting the file.
func (q *Queue) MarkDone(ip string) (Done, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return Done{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.read()
	if err != nil {
		return Done{}, err
	}
	if i := slices.IndexFunc(doc.Done, func(e Done) bool { return e.IP == ip }); i >= 0 {
		// Still drop any stale pending copy.
		if slices.Contains(doc.Pending, ip) {
			doc.Pending = slices.DeleteFunc(doc.Pending, func(p string) bool { return p == ip })
			if err := q.write(doc); err != nil {
				return Done{}, err
			}
		}
		return doc.Done[i], nil
	}

	rec := Done{IP: ip, BlockedAt: q.now().UTC().Format(time.RFC3339)}
	doc.Pending = slices.DeleteFunc(doc.Pending, func(p string) bool { return p == ip })
	doc.Done = append(doc.Done, rec)
	if err := q.write(doc); err != nil {
		return Done{}, err
	}
	return rec, nil
}

// Pending returns the IPs awaiting enforcement in queue order.
func (q *Queue) Pending() ([]string, error) {
	doc, err := q.Read()
	if err != nil {
		return nil, err
	}
	return doc.Pending, nil
}

// Remove deletes ip from both lists so a later instruction can block it
// again. It is used when an operator lifts a block. It reports whether the
// document changed.
func (q *Queue) Remove(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.read()
	if err != nil {
		return false, err
	}
	if !doc.Contains(ip) {
		return false, nil
	}
	doc.Pending = slices.DeleteFunc(doc.Pending, func(p string) bool { return p == ip })
	doc.Done = slices.DeleteFunc(doc.Done, func(e Done) bool { return e.IP == ip })
	if err := q.write(doc); err != nil {
		return false, err
	}
	return true, nil
}
