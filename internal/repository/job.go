// Package repository wraps all SQL used by the API and the worker, including
// the row-level locks that serialize concurrent status updates.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mplaza/audiobrief/internal/model"
)

// ErrNotFound aliases the shared not-found sentinel for callers that only
// import the repository.
var ErrNotFound = model.ErrNotFound

// Repository provides access to jobs, segments and summaries.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// dbtx is satisfied by both the pool and a transaction so queries can run in
// either context.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const jobColumns = `id, user_ref, audio_name, object_key, total_duration, status, instruction, created_at, updated_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var job model.Job
	err := row.Scan(&job.ID, &job.UserRef, &job.AudioName, &job.ObjectKey,
		&job.TotalDuration, &job.Status, &job.Instruction, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &job, nil
}

// CreateJob inserts a freshly uploaded job.
func (r *Repository) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = model.JobUploaded
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_ref, audio_name, object_key, total_duration, status, instruction, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, job.ID, job.UserRef, job.AudioName, job.ObjectKey, job.TotalDuration, job.Status, job.Instruction, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	return scanJob(row)
}

// ListJobs returns the job history newest first, joined with the final
// summary when one exists. An empty userRef lists every job.
func (r *Repository) ListJobs(ctx context.Context, userRef string) ([]model.JobListItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT j.id, j.audio_name, s.content, s.instruction, j.status, j.created_at
		FROM jobs j
		LEFT JOIN summaries s ON s.job_id = j.id
		WHERE ($1 = '' OR j.user_ref = $1)
		ORDER BY j.created_at DESC
	`, userRef)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	items := []model.JobListItem{}
	for rows.Next() {
		var item model.JobListItem
		if err := rows.Scan(&item.ID, &item.AudioName, &item.SummaryContent,
			&item.InstructionUsed, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetJobStatus writes a job status unconditionally.
func (r *Repository) SetJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status=$1, updated_at=$2 WHERE id=$3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// SetJobDuration stores the probed total duration in seconds.
func (r *Repository) SetJobDuration(ctx context.Context, id string, seconds int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET total_duration=$1, updated_at=$2 WHERE id=$3`,
		seconds, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job duration: %w", err)
	}
	return nil
}

// SetInstruction stores the one-shot synthesis instruction.
func (r *Repository) SetInstruction(ctx context.Context, id, instruction string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET instruction=$1, updated_at=$2 WHERE id=$3`,
		instruction, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update job instruction: %w", err)
	}
	return nil
}

// ClearInstruction removes the one-shot instruction after it has been used.
func (r *Repository) ClearInstruction(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET instruction=NULL, updated_at=$1 WHERE id=$2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear job instruction: %w", err)
	}
	return nil
}

// RollupJob recomputes a job's aggregate state under an exclusive row lock.
// The decide callback sees the locked job, the segment counts and whether a
// final summary exists, and returns the status to persist plus a write flag.
// The compare and the write share one lock acquisition so concurrent workers
// cannot lose updates.
func (r *Repository) RollupJob(ctx context.Context, id string,
	decide func(job model.Job, counts model.SegmentCounts, summaryExists bool) (model.JobStatus, bool)) (model.Rollup, error) {

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Rollup{}, fmt.Errorf("begin rollup: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return model.Rollup{}, err
	}
	counts, err := segmentCounts(ctx, tx, id)
	if err != nil {
		return model.Rollup{}, err
	}
	var summaryExists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM summaries WHERE job_id=$1)`, id).Scan(&summaryExists); err != nil {
		return model.Rollup{}, fmt.Errorf("check summary: %w", err)
	}

	rollup := model.Rollup{Previous: job.Status, Current: job.Status, Counts: counts, SummaryExists: summaryExists}
	next, write := decide(*job, counts, summaryExists)
	if write {
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status=$1, updated_at=$2 WHERE id=$3`,
			next, time.Now().UTC(), id); err != nil {
			return model.Rollup{}, fmt.Errorf("rollup update: %w", err)
		}
		rollup.Current = next
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Rollup{}, fmt.Errorf("commit rollup: %w", err)
	}
	return rollup, nil
}

// BeginFinalize is the single-flight guard for final synthesis. Under an
// exclusive job lock it refuses when a summary already exists or another
// finalization is in flight, otherwise it flags the job as summarizing. The
// lock covers only the check-and-flag, never the external call.
func (r *Repository) BeginFinalize(ctx context.Context, id string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return false, err
	}
	var summaryExists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM summaries WHERE job_id=$1)`, id).Scan(&summaryExists); err != nil {
		return false, fmt.Errorf("check summary: %w", err)
	}
	if summaryExists || job.Status == model.JobSummarizing || job.Status == model.JobDone {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status=$1, updated_at=$2 WHERE id=$3`,
		model.JobSummarizing, time.Now().UTC(), id); err != nil {
		return false, fmt.Errorf("flag summarizing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finalize flag: %w", err)
	}
	return true, nil
}
