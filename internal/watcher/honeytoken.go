package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/decoyverse/agent/internal/metrics"
	"github.com/decoyverse/agent/internal/rules"
	"github.com/decoyverse/agent/internal/sysinfo"
)

const (
	// DefaultFilePollInterval is the cadence of the polling channel.
	DefaultFilePollInterval = 4 * time.Second
	// DefaultDedupWindow collapses duplicate (path, kind) signals.
	DefaultDedupWindow = 5 * time.Second

	dedupCapacity        = 4096
	processLookupTimeout = 2 * time.Second
)

// ErrNoHoneytokens is returned by Register when none of the given paths
// could be watched.
var ErrNoHoneytokens = errors.New("watcher: no honeytoken files could be registered")

// MonitoredFile is the last observed state of one honeytoken.
type MonitoredFile struct {
	Path       string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
}

func snapshotOf(path string, fi os.FileInfo) *MonitoredFile {
	return &MonitoredFile{
		Path:       path,
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
		AccessTime: accessTime(fi),
	}
}

// HoneytokenWatcher detects MODIFIED, ACCESSED, and DELETED events on a set
// of bait files and turns them into severity-classified alerts.
//
// Detection has two producers: OS directory notifications (fsnotify, one
// watch per parent directory) and a stat poll run at the start of every
// MonitorOnce. Both feed one pending-event queue guarded by mu, and an LRU
// of expiry times keyed by path and kind drops repeats inside the dedup
// window.
//
// Register all paths before calling Start.
type HoneytokenWatcher struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	dedupWindow time.Duration
	now         func() time.Time
	host        *sysinfo.Info
	procs       ProcessLookup
	useNotify   bool
	stat        func(string) (os.FileInfo, error)
	foldCase    bool

	mu       sync.Mutex
	files    map[string]*MonitoredFile
	byKey    map[string]string // pathKey -> registered path
	dirs     map[string]struct{}
	pending  []FileEvent
	dedup    *lru.Cache[string, time.Time]
	notifier *fsnotify.Watcher

	alertsMu sync.Mutex
	alerts   []HoneytokenAlert

	reports   chan Report
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// HoneytokenOption is a functional option for NewHoneytokenWatcher.
type HoneytokenOption func(*HoneytokenWatcher)

// WithFilePollInterval overrides DefaultFilePollInterval.
func WithFilePollInterval(d time.Duration) HoneytokenOption {
	return func(w *HoneytokenWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDedupWindow overrides DefaultDedupWindow.
func WithDedupWindow(d time.Duration) HoneytokenOption {
	return func(w *HoneytokenWatcher) {
		if d > 0 {
			w.dedupWindow = d
		}
	}
}

// WithFileClock replaces time.Now for observed_at stamps.
func WithFileClock(now func() time.Time) HoneytokenOption {
	return func(w *HoneytokenWatcher) { w.now = now }
}

// WithHostInfo supplies the hostname and username put on alerts instead of
// querying the OS.
func WithHostInfo(info sysinfo.Info) HoneytokenOption {
	return func(w *HoneytokenWatcher) { w.host = &info }
}

// WithProcessLookup replaces the open-file process scan. Pass nil to
// disable process attribution.
func WithProcessLookup(l ProcessLookup) HoneytokenOption {
	return func(w *HoneytokenWatcher) { w.procs = l }
}

// WithFileMetrics records alert counts and the monitored-file gauge.
func WithFileMetrics(m *metrics.Metrics) HoneytokenOption {
	return func(w *HoneytokenWatcher) { w.metrics = m }
}

// WithStatFunc replaces os.Stat for every file check.
func WithStatFunc(stat func(string) (os.FileInfo, error)) HoneytokenOption {
	return func(w *HoneytokenWatcher) {
		if stat != nil {
			w.stat = stat
		}
	}
}

// WithoutNotifications disables the OS-notification channel, leaving only
// polling.
func WithoutNotifications() HoneytokenOption {
	return func(w *HoneytokenWatcher) { w.useNotify = false }
}

// NewHoneytokenWatcher returns a watcher with no registered files.
func NewHoneytokenWatcher(logger *slog.Logger, opts ...HoneytokenOption) *HoneytokenWatcher {
	w := &HoneytokenWatcher{
		logger:      logger,
		interval:    DefaultFilePollInterval,
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
		procs:       gopsutilProcesses{},
		useNotify:   true,
		stat:        os.Stat,
		foldCase:    runtime.GOOS == "windows",
		files:       make(map[string]*MonitoredFile),
		byKey:       make(map[string]string),
		dirs:        make(map[string]struct{}),
		reports:     make(chan Report, defaultBufferSize),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.host == nil {
		info := sysinfo.Collect(context.Background())
		w.host = &info
	}
	// Only a non-positive size is rejected.
	w.dedup, _ = lru.New[string, time.Time](dedupCapacity)
	return w
}

// pathKey is the identity of a path on this filesystem: case-insensitive
// on Windows.
func (w *HoneytokenWatcher) pathKey(path string) string {
	path = filepath.Clean(path)
	if w.foldCase {
		return strings.ToLower(path)
	}
	return path
}

// forgetLocked stops monitoring path. Callers hold mu.
func (w *HoneytokenWatcher) forgetLocked(path string) {
	delete(w.files, path)
	delete(w.byKey, w.pathKey(path))
}

// Register starts monitoring every path that exists, is a regular file, and
// can be opened. Unusable paths are skipped with a warning. It returns the
// number of newly registered files.
func (w *HoneytokenWatcher) Register(paths []string) (int, error) {
	added := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.logger.Warn("honeytoken watcher: cannot resolve path, skipping",
				slog.String("path", p), slog.Any("error", err))
			continue
		}
		fi, err := w.stat(abs)
		if err != nil {
			w.logger.Warn("honeytoken watcher: cannot stat path, skipping",
				slog.String("path", abs), slog.Any("error", err))
			continue
		}
		if !fi.Mode().IsRegular() {
			w.logger.Warn("honeytoken watcher: not a regular file, skipping", slog.String("path", abs))
			continue
		}
		// Opening without reading leaves the access time alone.
		f, err := os.Open(abs)
		if err != nil {
			w.logger.Warn("honeytoken watcher: file not readable, skipping",
				slog.String("path", abs), slog.Any("error", err))
			continue
		}
		f.Close()

		w.mu.Lock()
		if _, ok := w.byKey[w.pathKey(abs)]; !ok {
			w.files[abs] = snapshotOf(abs, fi)
			w.byKey[w.pathKey(abs)] = abs
			w.watchDirLocked(filepath.Dir(abs))
			added++
		}
		w.mu.Unlock()
	}

	w.metrics.SetMonitoredFiles(w.MonitoredCount())
	if added == 0 && w.MonitoredCount() == 0 {
		return 0, ErrNoHoneytokens
	}
	return added, nil
}

// RegisterDir registers every regular file below dir.
func (w *HoneytokenWatcher) RegisterDir(dir string) (int, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("watcher: walk %q: %w", dir, err)
	}
	return w.Register(paths)
}

// watchDirLocked adds one OS watch per directory. Callers hold mu.
func (w *HoneytokenWatcher) watchDirLocked(dir string) {
	if !w.useNotify {
		return
	}
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if w.notifier == nil {
		n, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("honeytoken watcher: OS notifications unavailable, polling only", slog.Any("error", err))
			w.useNotify = false
			return
		}
		w.notifier = n
	}
	if err := w.notifier.Add(dir); err != nil {
		w.logger.Warn("honeytoken watcher: cannot watch directory, polling only for its files",
			slog.String("dir", dir), slog.Any("error", err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// MonitoredCount returns the number of files still being watched.
func (w *HoneytokenWatcher) MonitoredCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// MonitoredPaths returns the watched paths in sorted order.
func (w *HoneytokenWatcher) MonitoredPaths() []string {
	w.mu.Lock()
	paths := make([]string, 0, len(w.files))
	for p := range w.files {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	sort.Strings(paths)
	return paths
}

// WatchedDirs returns the number of OS watch handles held.
func (w *HoneytokenWatcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Start launches the notification reader and the monitoring loop. It is
// non-blocking; alerts are published on Reports.
func (w *HoneytokenWatcher) Start(ctx context.Context) error {
	n := w.MonitoredCount()
	if n == 0 {
		w.logger.Warn("honeytoken watcher: no honeytokens registered, watcher will produce no alerts")
	}
	w.logger.Info("honeytoken watcher: started",
		slog.Int("files", n),
		slog.Int("watched_dirs", w.WatchedDirs()),
		slog.Duration("poll_interval", w.interval),
	)

	w.mu.Lock()
	notifier := w.notifier
	w.mu.Unlock()
	if notifier != nil {
		w.wg.Add(1)
		go w.eventLoop(notifier)
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop ends both goroutines, releases the OS watches, and closes the
// Reports channel. It is safe to call multiple times.
func (w *HoneytokenWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.closeOnce.Do(func() {
		w.mu.Lock()
		if w.notifier != nil {
			_ = w.notifier.Close()
		}
		w.mu.Unlock()
		close(w.reports)
	})
}

// Reports returns the channel on which alerts are published.
func (w *HoneytokenWatcher) Reports() <-chan Report { return w.reports }

func (w *HoneytokenWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range w.MonitorOnce(ctx) {
				w.emit(a)
			}
		}
	}
}

func (w *HoneytokenWatcher) emit(a HoneytokenAlert) {
	select {
	case w.reports <- a:
	default:
		w.logger.Warn("honeytoken watcher: report channel full, dropping alert",
			slog.String("path", a.FilePath),
			slog.String("action", a.Action),
		)
	}
}

func (w *HoneytokenWatcher) eventLoop(n *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-n.Events:
			if !ok {
				return
			}
			w.handleNotification(ev)
		case err, ok := <-n.Errors:
			if !ok {
				return
			}
			w.logger.Warn("honeytoken watcher: notification error", slog.Any("error", err))
		}
	}
}

// handleNotification maps an fsnotify op onto a FileEventKind. Events for
// siblings of honeytokens in the same directory are ignored by notify.
func (w *HoneytokenWatcher) handleNotification(ev fsnotify.Event) {
	var kind FileEventKind
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = FileDeleted
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		kind = FileModified
	case ev.Has(fsnotify.Chmod):
		kind = FileAccessed
	default:
		return
	}
	w.notify(filepath.Clean(ev.Name), kind)
}

// notify is the OS-notification producer. The poll producer is poll; both
// end in enqueueLocked.
func (w *HoneytokenWatcher) notify(path string, kind FileEventKind) {
	fi, statErr := w.stat(path)
	if kind == FileDeleted {
		switch {
		case statErr == nil:
			// A rename-over-target save leaves the path in place.
			kind = FileModified
		case !errors.Is(statErr, fs.ErrNotExist):
			// Unknown state; the poll decides on a later cycle.
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	registered, ok := w.byKey[w.pathKey(path)]
	if !ok {
		return
	}
	mf := w.files[registered]
	if kind == FileDeleted {
		w.forgetLocked(registered)
	} else if statErr == nil {
		// Refresh so the poll does not report the same change again.
		*mf = *snapshotOf(registered, fi)
	}
	w.enqueueLocked(registered, kind)
}

// poll re-stats every monitored file. Stat failures other than not-exist
// skip the file for this cycle.
func (w *HoneytokenWatcher) poll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, mf := range w.files {
		fi, err := w.stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			w.forgetLocked(path)
			w.enqueueLocked(path, FileDeleted)
			continue
		}
		if err != nil {
			w.logger.Debug("honeytoken watcher: stat failed, skipping this cycle",
				slog.String("path", path), slog.Any("error", err))
			continue
		}

		cur := snapshotOf(path, fi)
		switch {
		case cur.Size != mf.Size || !cur.ModTime.Equal(mf.ModTime):
			*mf = *cur
			w.enqueueLocked(path, FileModified)
		case cur.AccessTime.After(mf.AccessTime):
			mf.AccessTime = cur.AccessTime
			w.enqueueLocked(path, FileAccessed)
		}
	}
}

// enqueueLocked appends an event unless the same (path, kind) was queued
// within the dedup window. Callers hold mu.
func (w *HoneytokenWatcher) enqueueLocked(path string, kind FileEventKind) {
	now := w.now()
	key := path + "|" + string(kind)
	if until, seen := w.dedup.Get(key); seen && now.Before(until) {
		return
	}
	w.dedup.Add(key, now.Add(w.dedupWindow))
	w.pending = append(w.pending, FileEvent{Kind: kind, Path: path, ObservedAt: now})
}

// MonitorOnce runs the polling channel, drains every pending event in
// detection order, builds one alert per event, appends the batch to the
// alert log, and returns it.
func (w *HoneytokenWatcher) MonitorOnce(ctx context.Context) []HoneytokenAlert {
	w.poll()

	w.mu.Lock()
	events := w.pending
	w.pending = nil
	remaining := len(w.files)
	w.mu.Unlock()
	w.metrics.SetMonitoredFiles(remaining)

	if len(events) == 0 {
		return nil
	}

	batch := make([]HoneytokenAlert, 0, len(events))
	for _, ev := range events {
		a := w.buildAlert(ctx, ev)
		batch = append(batch, a)
		w.metrics.HoneytokenAlert(a.Severity, a.Action)
		w.logger.Warn("honeytoken watcher: honeytoken access detected",
			slog.String("file", a.FileAccessed),
			slog.String("path", a.FilePath),
			slog.String("action", a.Action),
			slog.String("severity", a.Severity),
			slog.String("process", a.ProcessName),
		)
	}

	w.alertsMu.Lock()
	w.alerts = append(w.alerts, batch...)
	w.alertsMu.Unlock()

	return batch
}

func (w *HoneytokenWatcher) buildAlert(ctx context.Context, ev FileEvent) HoneytokenAlert {
	a := HoneytokenAlert{
		ID:           newID(),
		Timestamp:    ev.ObservedAt.UTC(),
		Hostname:     w.host.Hostname,
		Username:     w.host.Username,
		FileAccessed: filepath.Base(ev.Path),
		FilePath:     ev.Path,
		Action:       string(ev.Kind),
		Severity:     string(rules.ClassifyFile(ev.Path)),
		AlertType:    AlertTypeHoneytoken,
	}
	if ev.Kind == FileDeleted || w.procs == nil {
		return a
	}

	lctx, cancel := context.WithTimeout(ctx, processLookupTimeout)
	defer cancel()
	if info, ok := w.procs.Lookup(lctx, ev.Path); ok {
		a.ProcessName = info.Name
		a.PID = info.PID
		a.ProcessUser = info.User
		a.Cmdline = info.Cmdline
	}
	return a
}

// Alerts returns a copy of every alert built during this run.
func (w *HoneytokenWatcher) Alerts() []HoneytokenAlert {
	w.alertsMu.Lock()
	defer w.alertsMu.Unlock()
	return append([]HoneytokenAlert(nil), w.alerts...)
}

// ExportAlerts writes the alert log to path as indented JSON.
func (w *HoneytokenWatcher) ExportAlerts(path string) error {
	alerts := w.Alerts()
	if alerts == nil {
		alerts = []HoneytokenAlert{}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("watcher: marshal alerts: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("watcher: write alerts %q: %w", path, err)
	}
	return nil
}
