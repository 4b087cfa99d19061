package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend stores the audit log in Postgres, for deployments that
// need the chain durable and readable outside a single process.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an existing *sql.DB (opened with
// sql.Open("postgres", dsn)) and ensures the audit_entries table exists.
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("audit: postgres migrate: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) migrate() error {
	_, err := b.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq               BIGINT PRIMARY KEY,
			wall_time         TIMESTAMPTZ NOT NULL,
			monotonic_nanos   BIGINT NOT NULL,
			event_type        TEXT NOT NULL,
			actor             TEXT NOT NULL,
			payload           JSONB NOT NULL,
			payload_canonical TEXT NOT NULL,
			prior_hash        TEXT NOT NULL,
			entry_hash        TEXT NOT NULL
		)`)
	return err
}

func (b *PostgresBackend) Append(ctx context.Context, entry Entry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Seq, entry.WallTime.UTC(), entry.MonotonicNanos,
		string(entry.Type), entry.Actor, string(payloadJSON), string(entry.PayloadCanonical),
		entry.PriorHash, entry.Hash,
	)
	return err
}

func (b *PostgresBackend) Tail(ctx context.Context) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	return scanPostgresEntry(row)
}

func (b *PostgresBackend) Get(ctx context.Context, seq uint64) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries WHERE seq = $1`, seq)
	return scanPostgresEntry(row)
}

func (b *PostgresBackend) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT seq, wall_time, monotonic_nanos, event_type, actor, payload, payload_canonical, prior_hash, entry_hash FROM audit_entries WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanPostgresRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

func scanPostgresEntry(row *sql.Row) (Entry, bool, error) {
	e, err := scanPostgresRowScanner(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func scanPostgresRow(rows *sql.Rows) (Entry, error) {
	return scanPostgresRowScanner(rows)
}

func scanPostgresRowScanner(r rowScanner) (Entry, error) {
	var (
		seq              uint64
		wallTime         time.Time
		monotonicNanos   int64
		eventType        string
		actor            string
		payloadJSON      []byte
		payloadCanonical string
		priorHash        string
		entryHash        string
	)
	if err := r.Scan(&seq, &wallTime, &monotonicNanos, &eventType, &actor, &payloadJSON, &payloadCanonical, &priorHash, &entryHash); err != nil {
		return Entry{}, err
	}

	var payload interface{}
	_ = json.Unmarshal(payloadJSON, &payload)

	return Entry{
		Seq:              seq,
		WallTime:         wallTime,
		MonotonicNanos:   monotonicNanos,
		Type:             EventType(eventType),
		Actor:            actor,
		Payload:          payload,
		PayloadCanonical: []byte(payloadCanonical),
		PriorHash:        priorHash,
		Hash:             entryHash,
	}, nil
}
