package core

// history.go persists run summaries in PostgreSQL.
//
// History is optional. When no database is configured the pipeline runs the
// same way and nothing is recorded.

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS fhir_upload_runs (
	id               UUID PRIMARY KEY,
	file_name        TEXT NOT NULL,
	pipeline_version TEXT NOT NULL,
	dry_run          BOOLEAN NOT NULL,
	source           TEXT NOT NULL,
	client_ip        TEXT,
	user_agent       TEXT,
	total_read       INTEGER NOT NULL,
	validated        INTEGER NOT NULL,
	patients         INTEGER NOT NULL,
	observations     INTEGER NOT NULL,
	failed           INTEGER NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	duration_ms      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS fhir_upload_failures (
	run_id    UUID NOT NULL REFERENCES fhir_upload_runs(id) ON DELETE CASCADE,
	line      INTEGER NOT NULL,
	source_id TEXT NOT NULL,
	stage     TEXT NOT NULL,
	error     TEXT NOT NULL,
	outcome   TEXT
);

CREATE INDEX IF NOT EXISTS idx_fhir_upload_runs_started_at ON fhir_upload_runs (started_at DESC);
`

const insertRunSQL = `
INSERT INTO fhir_upload_runs (
	id, file_name, pipeline_version, dry_run, source, client_ip, user_agent,
	total_read, validated, patients, observations, failed, started_at, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const insertFailureSQL = `
INSERT INTO fhir_upload_failures (run_id, line, source_id, stage, error, outcome)
VALUES ($1, $2, $3, $4, $5, $6)`

const listRunsSQL = `
SELECT id::text, file_name, pipeline_version, dry_run, source, client_ip,
	total_read, validated, patients, observations, failed, started_at, duration_ms
FROM fhir_upload_runs
ORDER BY started_at DESC
LIMIT $1`

// Run listing bounds.
const (
	DefaultRunsLimit = 20
	MaxRunsLimit     = 500
)

// historyDB is a DBTX that can also open transactions.
// Satisfied by *pgxpool.Pool.
type historyDB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID              string        `json:"id"`
	FileName        string        `json:"fileName"`
	PipelineVersion string        `json:"pipelineVersion"`
	DryRun          bool          `json:"dryRun"`
	Source          string        `json:"source"`
	ClientIP        string        `json:"clientIp,omitempty"`
	Counters        RunCounters   `json:"counters"`
	StartedAt       time.Time     `json:"startedAt"`
	Duration        time.Duration `json:"duration"`
}

// HistoryStore records runs and their failures. It implements RunRecorder.
type HistoryStore struct {
	db historyDB
}

// NewHistoryStore wraps an open pool.
func NewHistoryStore(db historyDB) *HistoryStore {
	return &HistoryStore{db: db}
}

// PoolConfig sizes the history connection pool.
type PoolConfig struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// OpenPool connects to databaseURL and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the history tables if they do not exist.
func (h *HistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := h.db.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// RecordRun stores summary and its failures in one transaction.
func (h *HistoryStore) RecordRun(ctx context.Context, summary *RunSummary) error {
	origin := OriginFromContext(ctx)
	c := summary.Counters

	tx, err := h.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertRunSQL,
		summary.RunID, summary.FileName, summary.PipelineVersion, summary.DryRun,
		origin.Source, toPgText(origin.IPAddress), toPgText(origin.UserAgent),
		c.TotalRead, c.Validated, c.Patients, c.Observations, c.Failed,
		summary.StartedAt, summary.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", summary.RunID, err)
	}

	for _, f := range summary.Failures {
		_, err := tx.Exec(ctx, insertFailureSQL,
			summary.RunID, f.Line, f.SourceID, f.Stage, f.Error, toPgText(f.Outcome),
		)
		if err != nil {
			return fmt.Errorf("insert failure for line %d: %w", f.Line, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (h *HistoryStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	limit = clampRunsLimit(limit)

	rows, err := h.db.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRunRow(rows pgx.Rows) (RunRecord, error) {
	var (
		run        RunRecord
		clientIP   pgtype.Text
		startedAt  pgtype.Timestamptz
		durationMS int64
	)

	err := rows.Scan(
		&run.ID, &run.FileName, &run.PipelineVersion, &run.DryRun, &run.Source, &clientIP,
		&run.Counters.TotalRead, &run.Counters.Validated, &run.Counters.Patients,
		&run.Counters.Observations, &run.Counters.Failed,
		&startedAt, &durationMS,
	)
	if err != nil {
		return RunRecord{}, err
	}

	if clientIP.Valid {
		run.ClientIP = clientIP.String
	}
	run.StartedAt = startedAt.Time
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

func clampRunsLimit(limit int) int {
	if limit <= 0 {
		return DefaultRunsLimit
	}
	if limit > MaxRunsLimit {
		return MaxRunsLimit
	}
	return limit
}

func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
