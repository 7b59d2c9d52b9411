// Package calllog keeps a persistent record of executor tool calls made
// through a session. Records are append-only and indexed by timestamp
// and operation for the dashboard and the /api/calls endpoint.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/reddit-agent/internal/session"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Record is one tool call.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
	Target     string    `json:"target,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Summary holds aggregated call totals.
type Summary struct {
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (creating if needed) the call log at dbPath using
// the named driver. The schema is created automatically.
func NewStore(driver, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := dataSource(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// dataSource builds the driver-specific DSN. The two drivers spell
// their pragmas differently.
func dataSource(driver, dbPath string) (string, error) {
	switch driver {
	case DriverCGO:
		return dbPath + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPure:
		return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported call log driver %q (want %q or %q)", driver, DriverCGO, DriverPure)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		operation   TEXT NOT NULL,
		target      TEXT,
		duration_ms INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		error_kind  TEXT,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_operation ON tool_calls(operation);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, operation, target, duration_ms, success, error_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Operation,
		rec.Target,
		rec.DurationMS,
		rec.Success,
		rec.ErrorKind,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, operation, COALESCE(target, ''), duration_ms, success,
		        COALESCE(error_kind, ''), COALESCE(error, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Operation, &rec.Target, &rec.DurationMS,
			&rec.Success, &rec.ErrorKind, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryByOperation returns per-operation totals for records within
// [start, end).
func (s *Store) SummaryByOperation(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation, COUNT(*), COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY operation
		 ORDER BY COUNT(*) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by operation: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var op string
		var sum Summary
		if err := rows.Scan(&op, &sum.Calls, &sum.Failures, &sum.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan calls by operation: %w", err)
		}
		result[op] = &sum
	}
	return result, rows.Err()
}

// ObserveCall records a session call event. Health-check pings are
// not recorded. Failures to write are logged and otherwise ignored.
func (s *Store) ObserveCall(ev session.CallEvent) {
	if ev.Operation == "ping" {
		return
	}

	rec := Record{
		Timestamp:  ev.Started,
		Operation:  ev.Operation,
		Target:     ev.Target,
		DurationMS: ev.Duration.Milliseconds(),
		Success:    ev.Err == nil,
		ErrorKind:  session.ErrorKind(ev.Err),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, rec); err != nil {
		s.logger.Warn("call log write failed", "operation", ev.Operation, "error", err)
	}
}
