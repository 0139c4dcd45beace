package worker

import (
	"context"
	"log"

	"github.com/mplaza/audiobrief/internal/model"
	"github.com/mplaza/audiobrief/internal/queue"
)

// rollup recomputes the job's aggregate status from its segment counts under
// the repository's row lock, and fans out summarization tasks when the job
// first becomes fully transcribed.
func (p *Processor) rollup(ctx context.Context, jobID string) error {
	rollup, err := p.store.RollupJob(ctx, jobID, func(job model.Job, counts model.SegmentCounts, summaryExists bool) (model.JobStatus, bool) {
		next := model.DeriveJobStatus(counts, summaryExists)
		// Summarizing is owned by BeginFinalize; writing it here would trip
		// the single-flight guard and block finalization.
		if next == model.JobSummarizing {
			return job.Status, false
		}
		if !model.CanTransition(job.Status, next) {
			return job.Status, false
		}
		return next, next != job.Status
	})
	if err != nil {
		return err
	}
	if rollup.Changed() {
		log.Printf("rollup: job %s %s -> %s (%d/%d settled)",
			jobID, rollup.Previous, rollup.Current, rollup.Counts.Settled(), rollup.Counts.Total)
	}
	if model.ShouldFanOutSummaries(rollup.Previous, rollup.Current, rollup.Counts) {
		p.fanOutSummaries(ctx, jobID)
	}
	return nil
}

// fanOutSummaries enqueues one summarize task per transcribed segment. A
// failed enqueue is logged and skipped; the segment stays in done and can be
// picked up by a manual retranscribe or summary rebuild.
func (p *Processor) fanOutSummaries(ctx context.Context, jobID string) {
	segs, err := p.store.ListSegments(ctx, jobID)
	if err != nil {
		log.Printf("rollup: list segments for fan-out on %s: %v", jobID, err)
		return
	}
	enqueued := 0
	for _, seg := range segs {
		if seg.Status != model.SegmentDone {
			continue
		}
		if err := p.tasks.EnqueueSummarize(ctx, queue.SummarizePayload{JobID: jobID, Index: seg.Index}); err != nil {
			log.Printf("rollup: enqueue summarize %s/%d: %v", jobID, seg.Index, err)
			continue
		}
		enqueued++
	}
	log.Printf("rollup: job %s fully transcribed, fanned out %d summaries", jobID, enqueued)
}

// maybeFinalize enqueues the final synthesis exactly once when every settled
// segment is summarized. BeginFinalize's locked check-and-flag makes the
// enqueue single-flight across concurrent workers.
func (p *Processor) maybeFinalize(ctx context.Context, jobID string) error {
	counts, err := p.store.SegmentCounts(ctx, jobID)
	if err != nil {
		return err
	}
	if !model.ReadyToFinalize(counts) {
		return nil
	}
	ok, err := p.store.BeginFinalize(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log.Printf("rollup: job %s ready, enqueueing final synthesis", jobID)
	return p.tasks.EnqueueFinalize(ctx, queue.FinalizePayload{JobID: jobID})
}
