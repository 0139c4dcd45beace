package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the pipeline tables if needed. Having the migration in
// code keeps the stack self-contained so docker-compose can bootstrap
// everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	user_ref TEXT NOT NULL DEFAULT '',
	audio_name TEXT NOT NULL,
	object_key TEXT NOT NULL,
	total_duration INT,
	status TEXT NOT NULL,
	instruction TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_ref, created_at DESC);

CREATE TABLE IF NOT EXISTS segments (
	job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	idx INT NOT NULL,
	start_sec INT NOT NULL,
	end_sec INT NOT NULL,
	duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
	object_key TEXT NOT NULL,
	transcript TEXT,
	summary TEXT,
	status TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_segments_status ON segments(job_id, status);

CREATE TABLE IF NOT EXISTS summaries (
	job_id UUID PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	instruction TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
