package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mplaza/audiobrief/internal/model"
)

const segmentColumns = `job_id, idx, start_sec, end_sec, duration_sec, object_key, transcript, summary, status, updated_at`

func scanSegment(row pgx.Row) (*model.Segment, error) {
	var seg model.Segment
	err := row.Scan(&seg.JobID, &seg.Index, &seg.StartSec, &seg.EndSec, &seg.DurationSec,
		&seg.ObjectKey, &seg.Transcript, &seg.Summary, &seg.Status, &seg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	return &seg, nil
}

// ReplaceSegments deletes any existing segments for the job and inserts the
// new set in one transaction. Segment recreation is whole-set-only.
func (r *Repository) ReplaceSegments(ctx context.Context, jobID string, segs []model.Segment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace segments: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("purge segments: %w", err)
	}
	now := time.Now().UTC()
	for i := range segs {
		seg := &segs[i]
		seg.JobID = jobID
		if seg.Status == "" {
			seg.Status = model.SegmentReady
		}
		seg.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO segments (job_id, idx, start_sec, end_sec, duration_sec, object_key, transcript, summary, status, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, seg.JobID, seg.Index, seg.StartSec, seg.EndSec, seg.DurationSec,
			seg.ObjectKey, seg.Transcript, seg.Summary, seg.Status, seg.UpdatedAt); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}
	return tx.Commit(ctx)
}

// ListSegments returns a job's segments ordered by index.
func (r *Repository) ListSegments(ctx context.Context, jobID string) ([]model.Segment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE job_id=$1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	segs := []model.Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return segs, rows.Err()
}

// GetSegment returns one segment by (job, index).
func (r *Repository) GetSegment(ctx context.Context, jobID string, index int) (*model.Segment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE job_id=$1 AND idx=$2`, jobID, index)
	return scanSegment(row)
}

// ClaimSegment atomically moves a segment into transcribing under a row lock
// so two workers never process the same segment concurrently. It returns
// false when the segment is already past transcription, making task
// redelivery a no-op.
func (r *Repository) ClaimSegment(ctx context.Context, jobID string, index int) (bool, *model.Segment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	seg, err := scanSegment(tx.QueryRow(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE job_id=$1 AND idx=$2 FOR UPDATE`, jobID, index))
	if err != nil {
		return false, nil, err
	}
	if !model.Claimable(seg.Status) {
		return false, seg, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE segments SET status=$1, updated_at=$2 WHERE job_id=$3 AND idx=$4`,
		model.SegmentTranscribing, time.Now().UTC(), jobID, index); err != nil {
		return false, nil, fmt.Errorf("claim segment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit claim: %w", err)
	}
	seg.Status = model.SegmentTranscribing
	return true, seg, nil
}

// FinishSegment stores the transcript and marks the segment done.
func (r *Repository) FinishSegment(ctx context.Context, jobID string, index int, transcript string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE segments SET transcript=$1, status=$2, updated_at=$3 WHERE job_id=$4 AND idx=$5`,
		transcript, model.SegmentDone, time.Now().UTC(), jobID, index)
	if err != nil {
		return fmt.Errorf("finish segment: %w", err)
	}
	return nil
}

// FailSegment marks a segment failed.
func (r *Repository) FailSegment(ctx context.Context, jobID string, index int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE segments SET status=$1, updated_at=$2 WHERE job_id=$3 AND idx=$4`,
		model.SegmentFailed, time.Now().UTC(), jobID, index)
	if err != nil {
		return fmt.Errorf("fail segment: %w", err)
	}
	return nil
}

// StoreSegmentSummary stores the per-segment summary and marks the segment
// summarized.
func (r *Repository) StoreSegmentSummary(ctx context.Context, jobID string, index int, summary string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE segments SET summary=$1, status=$2, updated_at=$3 WHERE job_id=$4 AND idx=$5`,
		summary, model.SegmentSummarized, time.Now().UTC(), jobID, index)
	if err != nil {
		return fmt.Errorf("store segment summary: %w", err)
	}
	return nil
}

// ResetSegments returns every segment of a job to ready and clears any
// transcription and summarization output, for a forced re-transcribe.
func (r *Repository) ResetSegments(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE segments SET status=$1, transcript=NULL, summary=NULL, updated_at=$2 WHERE job_id=$3`,
		model.SegmentReady, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("reset segments: %w", err)
	}
	return nil
}

// SegmentCounts groups a job's segments by status.
func (r *Repository) SegmentCounts(ctx context.Context, jobID string) (model.SegmentCounts, error) {
	return segmentCounts(ctx, r.pool, jobID)
}

func segmentCounts(ctx context.Context, q dbtx, jobID string) (model.SegmentCounts, error) {
	var c model.SegmentCounts
	err := q.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status='ready'),
			count(*) FILTER (WHERE status='transcribing'),
			count(*) FILTER (WHERE status='done'),
			count(*) FILTER (WHERE status='summarized'),
			count(*) FILTER (WHERE status='failed')
		FROM segments WHERE job_id=$1
	`, jobID).Scan(&c.Total, &c.Ready, &c.Transcribing, &c.Done, &c.Summarized, &c.Failed)
	if err != nil {
		return model.SegmentCounts{}, fmt.Errorf("count segments: %w", err)
	}
	return c, nil
}
