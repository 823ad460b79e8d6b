// Package journal records runs and attempts in an optional Postgres database.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/patchloop/internal/pipeline"
)

// Run is a row in the runs table.
type Run struct {
	ID         string
	Branch     string
	Title      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     string
	Error      string
}

// Recorder receives run lifecycle events from the orchestrator.
type Recorder interface {
	StartRun(ctx context.Context, run Run) error
	RecordAttempt(ctx context.Context, rec pipeline.AttemptRecord) error
	FinishRun(ctx context.Context, runID, result, errText string) error
}

// Nop discards every event. It is used when no DSN is configured.
type Nop struct{}

func (Nop) StartRun(context.Context, Run) error                         { return nil }
func (Nop) RecordAttempt(context.Context, pipeline.AttemptRecord) error { return nil }
func (Nop) FinishRun(context.Context, string, string, string) error     { return nil }

// Journal is a Recorder backed by a single Postgres connection.
type Journal struct {
	conn *pgx.Conn
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &Journal{conn: conn}, nil
}

// Close closes the connection.
func (j *Journal) Close(ctx context.Context) error {
	return j.conn.Close(ctx)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
    id          UUID PRIMARY KEY,
    branch      TEXT NOT NULL,
    title       TEXT NOT NULL,
    dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at TIMESTAMPTZ,
    result      TEXT NOT NULL DEFAULT 'running',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS attempts (
    id          BIGSERIAL PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    attempt     INTEGER NOT NULL,
    state       TEXT NOT NULL,
    outcome     TEXT NOT NULL CHECK(outcome IN ('success','retry','fatal')),
    kind        TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    exit_code   INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, attempt);
`

// Migrate applies the schema. Running it again is a no-op.
func (j *Journal) Migrate(ctx context.Context) error {
	var count int
	err := j.conn.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := j.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (j *Journal) Reset(ctx context.Context) error {
	for _, t := range []string{"attempts", "runs", "schema_version"} {
		if _, err := j.conn.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return j.Migrate(ctx)
}

// StartRun inserts a running row for run.
func (j *Journal) StartRun(ctx context.Context, run Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := j.conn.Exec(ctx,
		`INSERT INTO runs (id, branch, title, dry_run, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Branch, run.Title, run.DryRun, started,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordAttempt inserts one attempt summary.
func (j *Journal) RecordAttempt(ctx context.Context, rec pipeline.AttemptRecord) error {
	var ms int64
	if d, err := time.ParseDuration(rec.Duration); err == nil {
		ms = d.Milliseconds()
	}
	_, err := j.conn.Exec(ctx,
		`INSERT INTO attempts (run_id, attempt, state, outcome, kind, error, exit_code, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RunID, rec.Attempt, rec.State, rec.Outcome, rec.Kind, rec.Error, rec.ExitCode, ms,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// FinishRun stamps the result of a run.
func (j *Journal) FinishRun(ctx context.Context, runID, result, errText string) error {
	tag, err := j.conn.Exec(ctx,
		`UPDATE runs SET finished_at = now(), result = $2, error = $3 WHERE id = $1`,
		runID, result, errText,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := j.conn.Query(ctx,
		`SELECT id::text, branch, title, dry_run, started_at, finished_at, result, error
		 FROM runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Branch, &r.Title, &r.DryRun, &r.StartedAt, &r.FinishedAt, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Attempts returns the attempts of one run in order.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]pipeline.AttemptRecord, error) {
	rows, err := j.conn.Query(ctx,
		`SELECT run_id::text, attempt, state, outcome, kind, error, exit_code, duration_ms
		 FROM attempts WHERE run_id = $1 ORDER BY attempt, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []pipeline.AttemptRecord
	for rows.Next() {
		var rec pipeline.AttemptRecord
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.Attempt, &rec.State, &rec.Outcome, &rec.Kind, &rec.Error, &rec.ExitCode, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Duration = (time.Duration(ms) * time.Millisecond).String()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one run, or nil if it does not exist.
func (j *Journal) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := j.conn.QueryRow(ctx,
		`SELECT id::text, branch, title, dry_run, started_at, finished_at, result, error
		 FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Branch, &r.Title, &r.DryRun, &r.StartedAt, &r.FinishedAt, &r.Result, &r.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}
