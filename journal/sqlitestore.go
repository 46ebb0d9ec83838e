package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite journal.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes records older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many records per event name (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration

	// Logger receives background prune failures (default slog.Default()).
	Logger *slog.Logger
}

// SQLiteStore persists records to a SQLite database in WAL mode, with an
// optional background pruner.
type SQLiteStore struct {
	db     *sql.DB
	cfg    SQLiteStoreConfig
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite journal.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores a record. Appending a Seq that is already journaled fails.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emissions (seq, emit_id, event, time, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.Seq), // #nosec G115 -- seq never exceeds int64 range in practice
		rec.EmitID,
		rec.Event,
		rec.Time.UTC().Format(time.RFC3339Nano),
		payload,
		rec.TraceID,
		rec.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns records for an event name (or all names when event is ""),
// filtered by afterSeq and limit.
func (s *SQLiteStore) List(ctx context.Context, event string, afterSeq uint64, limit int) ([]Record, error) {
	query := `SELECT seq, emit_id, event, time, payload, trace_id, span_id
	           FROM emissions WHERE seq > ?`
	args := []any{int64(afterSeq)} // #nosec G115 -- cursor comes from a stored seq

	if event != "" {
		query += " AND event = ?"
		args = append(args, event)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// LatestSeq returns the highest Seq for an event name, or for the whole
// journal when event is "".
func (s *SQLiteStore) LatestSeq(ctx context.Context, event string) (uint64, error) {
	var seq sql.NullInt64
	var row *sql.Row
	if event == "" {
		row = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM emissions`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM emissions WHERE event = ?`, event)
	}
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Events returns the distinct event names in the journal.
func (s *SQLiteStore) Events(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT event FROM emissions ORDER BY event`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: events: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM emissions WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		names, err := s.Events(ctx)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune list events: %w", err)
		}

		for _, name := range names {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM emissions WHERE event = ? AND id NOT IN (
					SELECT id FROM emissions WHERE event = ? ORDER BY seq DESC LIMIT ?
				)`, name, name, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", name, err)
			}
		}
	}

	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Prune(context.Background()); err != nil {
				s.logger.Warn("journal prune failed", "error", err)
			}
		}
	}
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			r       Record
			seq     int64
			timeStr string
			payload string
		)
		if err := rows.Scan(&seq, &r.EmitID, &r.Event, &timeStr, &payload, &r.TraceID, &r.SpanID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan record: %w", err)
		}
		r.Seq = uint64(seq) // #nosec G115 -- seq column only holds values written by Append

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		r.Time = t
		r.Payload = []byte(payload)

		records = append(records, r)
	}
	return records, rows.Err()
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
