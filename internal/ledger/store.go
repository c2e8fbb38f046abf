package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dlmdiag/internal/domain"
)

// Run is one server lifetime as recorded in the store.
type Run struct {
	ID           string
	StartedAt    time.Time
	Host         string
	Organization string
	Principal    string
	Commands     int
	Failures     int
}

// SQLiteStore persists ledger entries and policy audit records.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// StartRun registers a new run and returns its id.
func (s *SQLiteStore) StartRun(ctx context.Context, host, organization, principal string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, host, organization, principal) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), host, organization, principal,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Sink returns a ledger Sink that records entries under runID.
func (s *SQLiteStore) Sink(runID string) Sink {
	return &runSink{store: s, runID: runID}
}

type runSink struct {
	store *SQLiteStore
	runID string
}

func (r *runSink) Record(ctx context.Context, e Entry) error {
	return r.store.AddEntry(ctx, r.runID, e)
}

func (s *SQLiteStore) AddEntry(ctx context.Context, runID string, e Entry) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (run_id, seq, timestamp, command, success, output, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Command, success, e.Output, e.Error, e.DurationMs(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Index, err)
	}
	return nil
}

// Runs lists the most recent runs, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.started_at, r.host, r.organization, r.principal,
		        COUNT(e.id), COALESCE(SUM(CASE WHEN e.success = 0 THEN 1 ELSE 0 END), 0)
		 FROM runs r LEFT JOIN ledger_entries e ON e.run_id = r.id
		 GROUP BY r.id
		 ORDER BY r.started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var host, org, principal sql.NullString
		if err := rows.Scan(&r.ID, &started, &host, &org, &principal, &r.Commands, &r.Failures); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Host = host.String
		r.Organization = org.String
		r.Principal = principal.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the id of the newest run, or "" when there is none.
func (s *SQLiteStore) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Entries returns the recorded entries of runID in append order.
func (s *SQLiteStore) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp, command, success, output, error, duration_ms
		 FROM ledger_entries WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var success int
		var output, errMsg sql.NullString
		var durationMs int64
		if err := rows.Scan(&e.Index, &ts, &e.Command, &success, &output, &errMsg, &durationMs); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Success = success == 1
		e.Output = output.String
		e.Error = errMsg.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, command, result, details)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details,
	)
	return err
}

// AuditEntries returns the newest audit records first.
func (s *SQLiteStore) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, tool_name, command, result, details FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var tool, cmd, result, details sql.NullString
		if err := rows.Scan(&a.Action, &tool, &cmd, &result, &details); err != nil {
			return nil, err
		}
		a.ToolName, a.Command, a.Result, a.Details = tool.String, cmd.String, result.String, details.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
