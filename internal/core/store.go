package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Store is a SQLite-backed history of runs and fix outcomes. Nothing in the
// scheduling core depends on it; the CLI persists results after the fact.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RunRecord is one stored sharded run.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	Runner    string
	Status    api.RunStatus
	Aggregate api.AggregateRunResult
	Shards    []api.ShardRunResult
}

// SaveRun stores the aggregate and per-shard rows in one transaction and
// returns the run id, generating one when rec.ID is empty.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = api.RunSucceeded
		if !rec.Aggregate.Success {
			rec.Status = api.RunFailed
		}
	}
	var lineRate sql.NullFloat64
	if cov := rec.Aggregate.Coverage; cov != nil {
		lineRate = sql.NullFloat64{Float64: cov.LineRate, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	agg := rec.Aggregate
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, runner, status, shards, passed, failed, skipped, errors, duration_ms, success, line_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UnixMilli(), rec.Runner, string(rec.Status), agg.Shards,
		agg.Passed, agg.Failed, agg.Skipped, agg.Errors, agg.DurationMS, agg.Success, lineRate,
	); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for _, sh := range rec.Shards {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shard_results (run_id, shard_index, passed, failed, skipped, errors, duration_ms, success, failure)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, sh.Index, sh.Passed, sh.Failed, sh.Skipped, sh.Errors, sh.DurationMS, sh.Success, sh.Failure,
		); err != nil {
			return "", fmt.Errorf("insert shard %d: %w", sh.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return rec.ID, nil
}

// ListRuns returns the most recent runs first. Shard rows are not loaded.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, runner, status, shards, passed, failed, skipped, errors, duration_ms, success, line_rate
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec      RunRecord
			started  int64
			status   string
			lineRate sql.NullFloat64
		)
		agg := &rec.Aggregate
		if err := rows.Scan(&rec.ID, &started, &rec.Runner, &status, &agg.Shards,
			&agg.Passed, &agg.Failed, &agg.Skipped, &agg.Errors, &agg.DurationMS, &agg.Success, &lineRate); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.Status = api.RunStatus(status)
		if lineRate.Valid {
			agg.Coverage = &api.CoverageReport{LineRate: lineRate.Float64}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FixRecord is the stored summary of one fix pipeline run.
type FixRecord struct {
	ID        string
	CreatedAt time.Time
	Target    string
	State     string
	Attempts  int
	RootCause string
	Error     string
}

func (s *Store) SaveFixResult(ctx context.Context, rec FixRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fix_outcomes (id, created_at, target, state, attempts, root_cause, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UnixMilli(), rec.Target, rec.State, rec.Attempts, rec.RootCause, rec.Error)
	if err != nil {
		return "", fmt.Errorf("insert fix outcome: %w", err)
	}
	return rec.ID, nil
}

// ListFixResults returns outcomes for target, or for every target when
// target is empty, newest first.
func (s *Store) ListFixResults(ctx context.Context, target string, limit int) ([]FixRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, target, state, attempts, root_cause, error
		 FROM fix_outcomes WHERE (? = '' OR target = ?) ORDER BY created_at DESC, id LIMIT ?`,
		target, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query fix outcomes: %w", err)
	}
	defer rows.Close()

	var out []FixRecord
	for rows.Next() {
		var rec FixRecord
		var created int64
		if err := rows.Scan(&rec.ID, &created, &rec.Target, &rec.State, &rec.Attempts, &rec.RootCause, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan fix outcome: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
