// Package queue provides the agent's store-and-forward outbox: a WAL-mode
// SQLite table of reports the backend has not yet accepted. Reports are
// persisted on Enqueue and stay pending until the caller calls Ack, so a
// backend outage or an agent restart never loses a detection.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the report
// fan-in goroutine can call Enqueue while the heartbeat loop flushes with
// Dequeue and Ack.
//
// # Idempotence
//
// event_id is unique. Enqueueing a report whose ID is already stored, pending
// or delivered, is a no-op, so a report that fails twice is kept once.
// Delivered rows are kept for that purpose until Prune removes them.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/decoyverse/agent/internal/watcher"
)

// Envelope is one stored report: the JSON body exactly as it will be posted
// plus the metadata needed to route it.
type Envelope struct {
	EventID   string
	Kind      string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Entry is a pending envelope returned by Dequeue. ID acknowledges it.
type Entry struct {
	ID        int64
	Attempts  int
	LastError string
	Envelope
}

// Outbox is a WAL-mode SQLite outbox. It is safe for concurrent use.
type Outbox struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the outbox at path. ":memory:" selects an in-memory
// database, suitable for tests.
//
// The depth counter is seeded from rows still pending, so Depth is accurate
// immediately after a restart.
func New(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	q := &Outbox{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL UNIQUE,
    kind        TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT    NOT NULL DEFAULT '',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0,
    delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
    ON outbox (delivered, id);
`

// deliveredLayout is fixed width so delivered_at compares as text.
const deliveredLayout = "2006-01-02T15:04:05.000000000Z"

// migrate adds columns missing from outboxes created by older agents.
func migrate(db *sql.DB) error {
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('outbox') WHERE name = 'delivered_at'`,
	).Scan(&n); err != nil {
		return fmt.Errorf("queue: inspect schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE outbox ADD COLUMN delivered_at TEXT`); err != nil {
		return fmt.Errorf("queue: add delivered_at: %w", err)
	}
	return nil
}

// Enqueue stores env. It returns false when an envelope with the same
// EventID is already stored.
func (q *Outbox) Enqueue(ctx context.Context, env Envelope) (bool, error) {
	if env.EventID == "" {
		return false, fmt.Errorf("queue: enqueue: empty event id")
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox (event_id, kind, ts, payload)
		 VALUES (?, ?, ?, ?)`,
		env.EventID,
		env.Kind,
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		string(env.Payload),
	)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue: %w", err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(n)
	return n > 0, nil
}

// EnqueueReport encodes r and stores it under its report ID.
func (q *Outbox) EnqueueReport(ctx context.Context, r watcher.Report) (bool, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("queue: marshal %s report: %w", r.ReportKind(), err)
	}
	return q.Enqueue(ctx, Envelope{
		EventID:   r.ReportID(),
		Kind:      r.ReportKind(),
		Timestamp: r.ReportTime(),
		Payload:   payload,
	})
}

// Dequeue returns up to n pending envelopes, oldest first. It does not mark
// them delivered. n <= 0 returns nil without querying.
func (q *Outbox) Dequeue(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, event_id, kind, ts, payload, attempts, last_error
		 FROM   outbox
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Kind, &ts, &payload, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return entries, nil
}

// Ack marks the entries identified by ids as delivered. It is idempotent.
func (q *Outbox) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	args = append([]any{time.Now().UTC().Format(deliveredLayout)}, args...)

	res, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE outbox SET delivered = 1, delivered_at = ? WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Prune deletes delivered entries acknowledged before cutoff and returns how
// many were removed. Their event IDs can be enqueued again afterwards.
// Pending entries are never pruned.
func (q *Outbox) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM outbox
		 WHERE  delivered = 1
		 AND    (delivered_at IS NULL OR delivered_at < ?)`,
		cutoff.UTC().Format(deliveredLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordFailure bumps the attempt counter of a pending entry and stores the
// last delivery error.
func (q *Outbox) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ? AND delivered = 0`,
		msg, id,
	); err != nil {
		return fmt.Errorf("queue: record failure: %w", err)
	}
	return nil
}

// Depth returns the number of pending envelopes without touching the
// database.
func (q *Outbox) Depth() int {
	return int(q.depth.Load())
}

// Close closes the database. The outbox must not be used afterwards.
func (q *Outbox) Close() error {
	return q.db.Close()
}
