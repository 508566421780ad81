package audit

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS render_events (
		job_id      TEXT NOT NULL,
		event       TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS render_events_job_id_idx ON render_events (job_id)`,
}

// Log is an optional append-only lifecycle trail in Postgres. Job state in
// memory stays authoritative; a nil *Log disables auditing entirely.
type Log struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open connects to Postgres and ensures the events table exists.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Log, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure render_events table: %w", err)
		}
	}
	return &Log{pool: pool, logger: logger}, nil
}

// Record appends one lifecycle event. Failures are logged and swallowed;
// auditing must never block or fail a queue operation.
func (l *Log) Record(ctx context.Context, jobID, event, detail string) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO render_events (job_id, event, detail) VALUES ($1, $2, $3)
	`, jobID, event, detail)
	if err != nil {
		l.logger.Printf("audit record job=%s event=%s: %v", jobID, event, err)
	}
}

// Close releases the connection pool.
func (l *Log) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}
