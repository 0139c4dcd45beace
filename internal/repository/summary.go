package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mplaza/audiobrief/internal/model"
)

// GetSummary returns the final summary for a job, or ErrNotFound.
func (r *Repository) GetSummary(ctx context.Context, jobID string) (*model.Summary, error) {
	var s model.Summary
	err := r.pool.QueryRow(ctx,
		`SELECT job_id, content, instruction, created_at FROM summaries WHERE job_id=$1`, jobID).
		Scan(&s.JobID, &s.Content, &s.Instruction, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select summary: %w", err)
	}
	return &s, nil
}

// UpsertSummary writes the final summary keyed by job id. Concurrent creation
// attempts resolve to an update, never a duplicate row.
func (r *Repository) UpsertSummary(ctx context.Context, jobID, content, instruction string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO summaries (job_id, content, instruction, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (job_id) DO UPDATE SET content=$2, instruction=$3, created_at=$4
	`, jobID, content, instruction, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// DeleteSummary removes the final summary so it can be regenerated.
func (r *Repository) DeleteSummary(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM summaries WHERE job_id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	return nil
}
