package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the embedded-file audit backend: entries persist as
// rows in a single SQLite database file, which gives the append-only log
// durability across restarts without an external service.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an existing *sql.DB (opened with
// sql.Open("sqlite", path)) and ensures the audit_entries table exists.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("audit: sqlite migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq              INTEGER PRIMARY KEY,
			wall_time        DATETIME NOT NULL,
			monotonic_nanos  INTEGER NOT NULL,
			event_type       TEXT NOT NULL,
			actor            TEXT NOT NULL,
			payload          TEXT NOT NULL,
			payload_canonical TEXT NOT NULL,
			prior_hash       TEXT NOT NULL,
			entry_hash       TEXT NOT NULL
		)`)
	return err
}

func (b *SQLiteBackend) Append(ctx context.Context, entry Entry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.WallTime.UTC().Format(time.RFC3339Nano), entry.MonotonicNanos,
		string(entry.Type), entry.Actor, string(payloadJSON), string(entry.PayloadCanonical),
		entry.PriorHash, entry.Hash,
	)
	return err
}

func (b *SQLiteBackend) Tail(ctx context.Context) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	return scanEntry(row)
}

func (b *SQLiteBackend) Get(ctx context.Context, seq uint64) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries WHERE seq = ?`, seq)
	return scanEntry(row)
}

func (b *SQLiteBackend) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row *sql.Row) (Entry, bool, error) {
	e, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func scanEntryRows(rows *sql.Rows) (Entry, error) {
	return scanRow(rows)
}

func scanRow(r rowScanner) (Entry, error) {
	var (
		seq              uint64
		wallTime         string
		monotonicNanos   int64
		eventType        string
		actor            string
		payloadJSON      string
		payloadCanonical string
		priorHash        string
		entryHash        string
	)
	if err := r.Scan(&seq, &wallTime, &monotonicNanos, &eventType, &actor, &payloadJSON, &payloadCanonical, &priorHash, &entryHash); err != nil {
		return Entry{}, err
	}

	var payload interface{}
	_ = json.Unmarshal([]byte(payloadJSON), &payload)

	ts, _ := time.Parse(time.RFC3339Nano, wallTime)

	return Entry{
		Seq:              seq,
		WallTime:         ts,
		MonotonicNanos:   monotonicNanos,
		Type:             EventType(eventType),
		Actor:            actor,
		Payload:          payload,
		PayloadCanonical: []byte(payloadCanonical),
		PriorHash:        priorHash,
		Hash:             entryHash,
	}, nil
}
