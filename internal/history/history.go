// Package history persists finished-run timing summaries to SQLite so that
// accuracy can be compared across restarts and config changes.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cadenced/internal/stats"
	"cadenced/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultMaxRows = 1000

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	MaxRows     int           // per task; <=0 selects defaultMaxRows
}

// Record is one stored run. Accumulators are raw nanosecond magnitudes;
// scale them with stats.Totals.Summarize for display.
type Record struct {
	ID         int64
	Task       string
	FinishedAt time.Time
	Period     time.Duration
	Totals     stats.Totals
}

type Store struct {
	db      *sql.DB
	log     logx.Logger
	maxRows int
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	st := &Store{db: db, log: log, maxRows: maxRows}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun appends one finished run and prunes the task's oldest rows beyond
// the configured cap. Runs with zero samples carry no information and are
// rejected.
func (s *Store) SaveRun(ctx context.Context, task string, period time.Duration, t stats.Totals) error {
	if t.Samples == 0 {
		return errors.New("history: refusing to save run with zero samples")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (task, finished_at, period_ns, samples, error_accum_ns,
			compensation_accum_ns, max_error_ns, min_error_ns, tolerance_exceeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task,
		time.Now().UnixMilli(),
		int64(period),
		int64(t.Samples),
		int64(t.ErrorAccum),
		int64(t.CompensationAccum),
		int64(t.MaxError),
		int64(t.MinError),
		int64(t.ToleranceExceeded),
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	if err := s.prune(ctx, task); err != nil {
		// A failed prune never fails the save; it just retains extra rows.
		s.log.Warn("history prune failed", logx.String("task", task), logx.Err(err))
	}
	return nil
}

func (s *Store) prune(ctx context.Context, task string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE task = ? AND id NOT IN (
			SELECT id FROM runs WHERE task = ? ORDER BY id DESC LIMIT ?
		)`, task, task, s.maxRows)
	return err
}

// Recent returns up to n runs for the task, newest first.
func (s *Store) Recent(ctx context.Context, task string, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task, finished_at, period_ns, samples, error_accum_ns,
			compensation_accum_ns, max_error_ns, min_error_ns, tolerance_exceeded
		FROM runs WHERE task = ? ORDER BY id DESC LIMIT ?`, task, n)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			finished int64
			period   int64
			samples  int64
			errAcc   int64
			compAcc  int64
			maxErr   int64
			minErr   int64
			tol      int64
		)
		if err := rows.Scan(&rec.ID, &rec.Task, &finished, &period, &samples,
			&errAcc, &compAcc, &maxErr, &minErr, &tol); err != nil {
			return nil, err
		}
		rec.FinishedAt = time.UnixMilli(finished)
		rec.Period = time.Duration(period)
		rec.Totals = stats.Totals{
			Samples:           uint64(samples),
			ErrorAccum:        uint64(errAcc),
			CompensationAccum: uint64(compAcc),
			MaxError:          uint64(maxErr),
			MinError:          uint64(minErr),
			ToleranceExceeded: uint64(tol),
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
