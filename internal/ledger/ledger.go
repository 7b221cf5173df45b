// Package ledger records narration runs and the progress of their segments
// in SQLite.
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

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("run not found")
	ErrDuplicateRun = errors.New("run id already recorded")
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Run is one narration request from start to finish.
type Run struct {
	ID         string
	Backend    string
	Segments   int
	Status     string
	Succeeded  int
	Abandoned  int
	OutputPath string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Summary is what FinishRun stores.
type Summary struct {
	Status     string
	Succeeded  int
	Abandoned  int
	OutputPath string
	Error      string
}

// SegmentEvent is one state transition of one segment.
type SegmentEvent struct {
	ID        int64
	RunID     string
	Index     int
	State     string
	Attempt   int
	Completed int
	Total     int
	Error     string
	CreatedAt time.Time
}

// Ledger wraps the SQLite database. In ephemeral mode every call is a no-op.
type Ledger struct {
	db    *sql.DB
	cfg   config.LedgerConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config.
func Open(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (*Ledger, error) {
	log = log.With(slog.String("component", "ledger"))
	if cfg.RetentionMode == "ephemeral" {
		return &Ledger{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Ledger{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("ledger vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := l.Prune(ctx); err != nil {
		log.Warn("ledger prune on start failed", slog.String("error", err.Error()))
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    backend TEXT,
    segments INTEGER NOT NULL,
    status TEXT NOT NULL,
    succeeded INTEGER NOT NULL DEFAULT 0,
    abandoned INTEGER NOT NULL DEFAULT 0,
    output_path TEXT,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS segment_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    segment_index INTEGER NOT NULL,
    state TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    completed INTEGER NOT NULL,
    total INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segment_events_run ON segment_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

func (l *Ledger) enabled() bool {
	return l.cfg.RetentionMode != "ephemeral" && l.db != nil
}

// Close releases underlying resources.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// BeginRun inserts a run in the running state.
func (l *Ledger) BeginRun(ctx context.Context, run Run) error {
	if !l.enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = l.clock()
	}
	var exists int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE run_id = ?`, run.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("begin run %s: %w", run.ID, ErrDuplicateRun)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, backend, segments, status, started_at) VALUES(?, ?, ?, ?, ?)`,
		run.ID, run.Backend, run.Segments, StatusRunning, run.StartedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordProgress appends a segment transition.
func (l *Ledger) RecordProgress(ctx context.Context, evt SegmentEvent) error {
	if !l.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = l.clock()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO segment_events(run_id, segment_index, state, attempt, completed, total, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.Index, evt.State, evt.Attempt, evt.Completed, evt.Total, evt.Error, evt.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// FinishRun stores the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, sum Summary) error {
	if !l.enabled() {
		return nil
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, succeeded = ?, abandoned = ?, output_path = ?, error = ?, finished_at = ?
		 WHERE run_id = ?`,
		sum.Status, sum.Succeeded, sum.Abandoned, sum.OutputPath, sum.Error, l.clock().UTC().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun loads one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (Run, error) {
	if !l.enabled() {
		return Run{}, ErrNotFound
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !l.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunEvents retrieves up to limit transitions of a run in the order they
// were recorded.
func (l *Ledger) ListRunEvents(ctx context.Context, runID string, limit int) ([]SegmentEvent, error) {
	if !l.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, segment_index, state, attempt, completed, total, COALESCE(error, ''), created_at
		 FROM segment_events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SegmentEvent
	for rows.Next() {
		var e SegmentEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Index, &e.State, &e.Attempt, &e.Completed, &e.Total, &e.Error, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. It runs when the ledger is opened and
// then periodically from the daemon.
func (l *Ledger) Prune(ctx context.Context) (err error) {
	if !l.enabled() || l.cfg.RetentionMode != "persistent" && l.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if l.cfg.RetentionDays > 0 {
		cutoff := l.clock().Add(-time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if l.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, l.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, COALESCE(backend, ''), segments, status, succeeded, abandoned,
	COALESCE(output_path, ''), COALESCE(error, ''), started_at, COALESCE(finished_at, 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var started, finished int64
	if err := s.Scan(&run.ID, &run.Backend, &run.Segments, &run.Status, &run.Succeeded, &run.Abandoned,
		&run.OutputPath, &run.Error, &started, &finished); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished > 0 {
		run.FinishedAt = time.Unix(0, finished).UTC()
	}
	return run, nil
}
