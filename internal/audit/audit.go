// Package audit keeps the agent's tamper-evident record of what it detected
// and enforced: every emitted alert, every network event, and every block
// transition. Entries are JSON lines whose SHA-256 hashes form a chain, so
// removing or editing a past entry is detectable with Verify.
//
// The event_hash of entry N is
//
//	SHA-256( JSON({seq, ts, kind, payload, prev_hash}) )
//
// and the first entry links to GenesisHash.
//
// The agent and the firewall helper run as different principals and each
// owns its own log file. A Logger is safe for concurrent use within one
// process; two processes must never append to the same file.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry kinds recorded by the agent and the firewall helper.
const (
	KindHoneytokenAlert = "honeytoken_alert"
	KindNetworkEvent    = "network_event"
	KindBlockEnqueued   = "block_enqueued"
	KindBlockApplied    = "block_applied"
	KindBlockFailed     = "block_failed"
	KindBlockRemoved    = "block_removed"
	KindAgentStarted    = "agent_started"
	KindAgentStopped    = "agent_stopped"
)

const maxLine = 10 * 1024 * 1024

// Entry is one audit log line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// content is the hashed subset of Entry.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(content{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		// Every field is a plain JSON value.
		panic(fmt.Sprintf("audit: marshal entry content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Logger appends entries to one audit file. Create it with Open.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the logger used to report a repaired log. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// Open opens or creates the log at path. An existing log is verified first
// and the chain continues from its last entry. A final line that does not
// decode is the remains of an interrupted append: it is truncated away and
// a warning is logged. Any other broken chain is an error.
func Open(path string, opts ...Option) (*Logger, error) {
	l := &Logger{prevHash: GenesisHash, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		torn, err := scan(f, func(e Entry) {
			l.prevHash, l.seq = e.EventHash, e.Seq
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: resume %q: %w", path, err)
		}
		if torn >= 0 {
			if err := os.Truncate(path, torn); err != nil {
				return nil, fmt.Errorf("audit: truncate torn tail of %q: %w", path, err)
			}
			l.logger.Warn("audit: discarded partial final entry",
				slog.String("path", path),
				slog.Int64("last_seq", l.seq),
				slog.Int64("offset", torn),
			)
		}
		if err := terminateLastLine(path); err != nil {
			return nil, fmt.Errorf("audit: resume %q: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	l.file = out
	return l, nil
}

// terminateLastLine appends a newline when the file ends mid-line, so the
// next entry starts on its own line.
func terminateLastLine(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.WriteAt([]byte{'\n'}, info.Size())
	return err
}

// Record encodes v as JSON and appends it under kind.
func (l *Logger) Record(kind string, v any) (Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}
	return l.Append(kind, payload)
}

// Append writes one entry. payload must be valid JSON; nil records null.
func (l *Logger) Append(kind string, payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Seq returns the sequence number of the last entry written.
func (l *Logger) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path, checks the whole chain, and returns its
// entries in order. An empty file is valid; a partial final entry is not.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	torn, err := scan(f, func(e Entry) { entries = append(entries, e) })
	if err != nil {
		return nil, err
	}
	if torn >= 0 {
		return nil, fmt.Errorf("audit: partial entry after seq %d at offset %d", len(entries), torn)
	}
	return entries, nil
}

// scan walks every line of r, checks linkage, sequence and hash, and calls
// fn for each valid entry. When the only undecodable line is the last
// non-empty one, scan returns its byte offset instead of an error; torn is
// -1 otherwise.
func scan(r io.Reader, fn func(Entry)) (torn int64, err error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		offset   int64
		prevHash = GenesisHash
		seq      int64
		badAt    int64 = -1
		badErr   error
	)
	for {
		line, readErr := br.ReadBytes('\n')
		start := offset
		offset += int64(len(line))
		if len(line) > maxLine {
			return -1, fmt.Errorf("audit: entry after seq %d exceeds %d bytes", seq, maxLine)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if badAt >= 0 {
				// Something follows the undecodable line: not a torn tail.
				return -1, badErr
			}
			var e Entry
			if err := json.Unmarshal(trimmed, &e); err != nil {
				badAt = start
				badErr = fmt.Errorf("audit: malformed entry after seq %d: %w", seq, err)
			} else {
				if e.Seq != seq+1 {
					return -1, fmt.Errorf("audit: sequence gap: expected seq %d, got %d", seq+1, e.Seq)
				}
				if e.PrevHash != prevHash {
					return -1, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
						e.Seq, prevHash, e.PrevHash)
				}
				if computed := e.computeHash(); computed != e.EventHash {
					return -1, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
						e.Seq, e.EventHash, computed)
				}
				fn(e)
				prevHash, seq = e.EventHash, e.Seq
			}
		}

		if readErr == io.EOF {
			return badAt, nil
		}
		if readErr != nil {
			return -1, fmt.Errorf("audit: scan: %w", readErr)
		}
	}
}
