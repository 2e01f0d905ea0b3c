package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decoyverse/agent/internal/audit"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

func openLogger(t *testing.T, path string, opts ...audit.Option) *audit.Logger {
	t.Helper()
	l, err := audit.Open(path, opts...)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustRecord(t *testing.T, l *audit.Logger, kind string, v any) audit.Entry {
	t.Helper()
	e, err := l.Record(kind, v)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return e
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
}

// --------------------------------------------------------------------------
// Append
// --------------------------------------------------------------------------

func TestRecord_FirstEntryLinksToGenesis(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := openLogger(t, tmpLog(t), audit.WithClock(func() time.Time { return fixed }))

	e := mustRecord(t, l, audit.KindBlockEnqueued, map[string]string{"ip": "203.0.113.5"})
	if e.Seq != 1 || e.PrevHash != audit.GenesisHash {
		t.Errorf("entry = seq %d prev %q", e.Seq, e.PrevHash)
	}
	if e.Kind != audit.KindBlockEnqueued || !e.Timestamp.Equal(fixed) {
		t.Errorf("entry = kind %q ts %v", e.Kind, e.Timestamp)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d", len(e.EventHash))
	}
	if string(e.Payload) != `{"ip":"203.0.113.5"}` {
		t.Errorf("payload = %s", e.Payload)
	}
}

func TestRecord_ChainsEntries(t *testing.T) {
	l := openLogger(t, tmpLog(t))

	kinds := []string{audit.KindHoneytokenAlert, audit.KindNetworkEvent, audit.KindBlockApplied}
	var prev audit.Entry
	for i, k := range kinds {
		e := mustRecord(t, l, k, map[string]int{"n": i})
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if i > 0 && e.PrevHash != prev.EventHash {
			t.Errorf("entry %d prev_hash does not link to entry %d", i, i-1)
		}
		prev = e
	}
	if l.Seq() != 3 {
		t.Errorf("Seq = %d, want 3", l.Seq())
	}
}

func TestAppend_NilPayload(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e, err := l.Append(audit.KindAgentStarted, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Payload) != "null" {
		t.Errorf("payload = %q, want null", e.Payload)
	}
}

func TestRecord_UnmarshalablePayload(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	if _, err := l.Record(audit.KindNetworkEvent, make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if l.Seq() != 0 {
		t.Errorf("failed Record advanced seq to %d", l.Seq())
	}
}

// --------------------------------------------------------------------------
// Resume and verify
// --------------------------------------------------------------------------

func TestOpen_ResumesExistingChain(t *testing.T) {
	path := tmpLog(t)

	l1, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	mustRecord(t, l1, audit.KindAgentStarted, nil)
	mustRecord(t, l1, audit.KindAgentStopped, nil)
	last := mustRecord(t, l1, audit.KindAgentStarted, nil)
	if err := l1.Close(); err != nil {
		t.Fatal(err)
	}

	l2 := openLogger(t, path)
	e := mustRecord(t, l2, audit.KindBlockRemoved, map[string]string{"ip": "198.51.100.2"})
	if e.Seq != 4 || e.PrevHash != last.EventHash {
		t.Errorf("resumed entry seq %d prev %q, want 4 linked to %q", e.Seq, e.PrevHash, last.EventHash)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 4 || entries[3].Kind != audit.KindBlockRemoved {
		t.Errorf("entries = %d, last kind %q", len(entries), entries[len(entries)-1].Kind)
	}
}

func TestVerify_EmptyFile(t *testing.T) {
	path := tmpLog(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := audit.Verify(path)
	if err != nil || len(entries) != 0 {
		t.Errorf("Verify(empty) = %d entries, err %v", len(entries), err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	cases := map[string]func(lines []string) []string{
		"edited payload": func(lines []string) []string {
			lines[1] = strings.Replace(lines[1], `"n":1`, `"n":9`, 1)
			return lines
		},
		"edited kind": func(lines []string) []string {
			lines[1] = strings.Replace(lines[1], audit.KindNetworkEvent, audit.KindHoneytokenAlert, 1)
			return lines
		},
		"deleted entry": func(lines []string) []string {
			return append(lines[:1], lines[2:]...)
		},
		"reordered entries": func(lines []string) []string {
			lines[1], lines[2] = lines[2], lines[1]
			return lines
		},
		"garbage line mid-chain": func(lines []string) []string {
			return append([]string{lines[0], "{not json"}, lines[1:]...)
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			path := tmpLog(t)
			l, err := audit.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			for i, k := range []string{audit.KindHoneytokenAlert, audit.KindNetworkEvent, audit.KindBlockApplied} {
				mustRecord(t, l, k, map[string]int{"n": i})
			}
			_ = l.Close()

			writeLines(t, path, mutate(readLines(t, path)))

			if _, err := audit.Verify(path); err == nil {
				t.Error("Verify accepted a tampered log")
			}
			if _, err := audit.Open(path); err == nil {
				t.Error("Open resumed a tampered log")
			}
		})
	}
}

func TestOpen_TruncatesTornTail(t *testing.T) {
	for name, tail := range map[string]string{
		"no newline":   `{"seq":2,"ts":"2024-`,
		"with newline": `{"seq":2,"ts":"2024-` + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := tmpLog(t)
			l, err := audit.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			first := mustRecord(t, l, audit.KindAgentStarted, nil)
			_ = l.Close()

			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.WriteString(tail); err != nil {
				t.Fatal(err)
			}
			_ = f.Close()

			if _, err := audit.Verify(path); err == nil {
				t.Error("Verify accepted a partial final entry")
			}

			l2 := openLogger(t, path)
			e := mustRecord(t, l2, audit.KindBlockApplied, map[string]string{"ip": "203.0.113.5"})
			if e.Seq != 2 || e.PrevHash != first.EventHash {
				t.Errorf("entry after repair = seq %d prev %q, want 2 linked to %q", e.Seq, e.PrevHash, first.EventHash)
			}

			entries, err := audit.Verify(path)
			if err != nil {
				t.Fatalf("Verify after repair: %v", err)
			}
			if len(entries) != 2 {
				t.Errorf("entries = %d, want 2", len(entries))
			}
		})
	}
}

func TestOpen_TerminatesEntryMissingNewline(t *testing.T) {
	path := tmpLog(t)
	l, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	mustRecord(t, l, audit.KindAgentStarted, nil)
	_ = l.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSuffix(string(raw), "\n")), 0o600); err != nil {
		t.Fatal(err)
	}

	l2 := openLogger(t, path)
	mustRecord(t, l2, audit.KindAgentStopped, nil)

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 2 || len(readLines(t, path)) != 2 {
		t.Errorf("entries = %d, want 2 on separate lines", len(entries))
	}
}

func TestVerify_EntriesAreJSONLines(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	mustRecord(t, l, audit.KindBlockFailed, map[string]string{"ip": "203.0.113.5", "error": "exit status 1"})

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"seq", "ts", "kind", "payload", "prev_hash", "event_hash"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("line missing %q", k)
		}
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

func TestRecord_ConcurrentSafe(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)

	const goroutines, per = 8, 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := l.Record(audit.KindNetworkEvent, map[string]int{"g": g, "i": i}); err != nil {
					t.Errorf("Record: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != goroutines*per {
		t.Errorf("entries = %d, want %d", len(entries), goroutines*per)
	}
}
