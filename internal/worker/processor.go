// Package worker contains the background task handlers that move jobs and
// segments through the pipeline: per-segment transcription, per-segment
// summarization, and the single-flight final synthesis.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mplaza/audiobrief/internal/model"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/summarizer"
)

// Store is the persistence surface the pipeline needs. The Postgres
// repository implements it in production; the in-memory store backs the
// tests.
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetSegment(ctx context.Context, jobID string, index int) (*model.Segment, error)
	ClaimSegment(ctx context.Context, jobID string, index int) (bool, *model.Segment, error)
	FinishSegment(ctx context.Context, jobID string, index int, transcript string) error
	FailSegment(ctx context.Context, jobID string, index int) error
	StoreSegmentSummary(ctx context.Context, jobID string, index int, summary string) error
	ListSegments(ctx context.Context, jobID string) ([]model.Segment, error)
	SegmentCounts(ctx context.Context, jobID string) (model.SegmentCounts, error)
	RollupJob(ctx context.Context, id string,
		decide func(job model.Job, counts model.SegmentCounts, summaryExists bool) (model.JobStatus, bool)) (model.Rollup, error)
	BeginFinalize(ctx context.Context, id string) (bool, error)
	GetSummary(ctx context.Context, jobID string) (*model.Summary, error)
	UpsertSummary(ctx context.Context, jobID, content, instruction string) error
	SetJobStatus(ctx context.Context, id string, status model.JobStatus) error
	ClearInstruction(ctx context.Context, id string) error
}

// ObjectStore fetches segment media for the transcriber.
type ObjectStore interface {
	DownloadSegmentTo(ctx context.Context, objectKey, destPath string) error
}

// SpeechToText converts one segment file to text.
type SpeechToText interface {
	Transcribe(ctx context.Context, audioPath, modelName, language string) (string, error)
}

// Tasks dispatches downstream pipeline tasks.
type Tasks interface {
	EnqueueSummarize(ctx context.Context, p queue.SummarizePayload) error
	EnqueueFinalize(ctx context.Context, p queue.FinalizePayload) error
}

// Limiter reserves language-model token budget.
type Limiter interface {
	Reserve(ctx context.Context, tokens int64, maxWait time.Duration) bool
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store   Store
	objects ObjectStore
	stt     SpeechToText
	lm      summarizer.Completer
	limiter Limiter
	tasks   Tasks

	summaryTokens int
	finalTokens   int
	rateWait      time.Duration
}

// NewProcessor constructs a worker processor.
func NewProcessor(store Store, objects ObjectStore, stt SpeechToText, lm summarizer.Completer,
	limiter Limiter, tasks Tasks, summaryTokens, finalTokens int, rateWait time.Duration) *Processor {
	return &Processor{
		store:         store,
		objects:       objects,
		stt:           stt,
		lm:            lm,
		limiter:       limiter,
		tasks:         tasks,
		summaryTokens: summaryTokens,
		finalTokens:   finalTokens,
		rateWait:      rateWait,
	}
}

// Handler registers the pipeline task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TranscribeSegmentTask, p.handleTranscribe)
	mux.HandleFunc(queue.SummarizeSegmentTask, p.handleSummarize)
	mux.HandleFunc(queue.FinalizeSummaryTask, p.handleFinalize)
	return mux
}

func (p *Processor) handleTranscribe(ctx context.Context, task *asynq.Task) error {
	var payload queue.TranscribePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	claimed, seg, err := p.store.ClaimSegment(ctx, payload.JobID, payload.Index)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("transcribe: segment %s/%d gone, skipping", payload.JobID, payload.Index)
			return nil
		}
		return err
	}
	if !claimed {
		// A redelivered task whose first run stored the transcript but died
		// before the rollup lands here; recomputing keeps the job moving.
		log.Printf("transcribe: segment %s/%d already %s, skipping", payload.JobID, payload.Index, seg.Status)
		return p.rollup(ctx, payload.JobID)
	}

	tmpDir, err := os.MkdirTemp("", "audiobrief-transcribe-*")
	if err != nil {
		return p.transcribeFailed(ctx, payload, fmt.Errorf("temp dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)
	mediaPath := filepath.Join(tmpDir, filepath.Base(seg.ObjectKey))
	if err := p.objects.DownloadSegmentTo(ctx, seg.ObjectKey, mediaPath); err != nil {
		// Missing media is fatal for this attempt; retrying will not make the
		// object appear.
		ferr := p.transcribeFailed(ctx, payload, err)
		return fmt.Errorf("%v: %w", ferr, asynq.SkipRetry)
	}

	text, err := p.stt.Transcribe(ctx, mediaPath, payload.Model, payload.Language)
	if err != nil {
		return p.transcribeFailed(ctx, payload, err)
	}
	if err := p.store.FinishSegment(ctx, payload.JobID, payload.Index, text); err != nil {
		return err
	}
	log.Printf("transcribe: segment %s/%d done (%d chars)", payload.JobID, payload.Index, len(text))
	return p.rollup(ctx, payload.JobID)
}

// transcribeFailed marks the segment failed so it is never left in
// transcribing, rolls the job up (a failed segment still counts toward
// completion accounting), and reports the original error for asynq's retry
// bookkeeping.
func (p *Processor) transcribeFailed(ctx context.Context, payload queue.TranscribePayload, cause error) error {
	attempt, _ := asynq.GetRetryCount(ctx)
	log.Printf("transcribe: segment %s/%d failed (attempt %d): %v", payload.JobID, payload.Index, attempt+1, cause)
	if err := p.store.FailSegment(ctx, payload.JobID, payload.Index); err != nil {
		log.Printf("transcribe: mark failed for %s/%d: %v", payload.JobID, payload.Index, err)
	}
	if err := p.rollup(ctx, payload.JobID); err != nil {
		log.Printf("transcribe: rollup after failure for %s: %v", payload.JobID, err)
	}
	return cause
}

func (p *Processor) handleSummarize(ctx context.Context, task *asynq.Task) error {
	var payload queue.SummarizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	seg, err := p.store.GetSegment(ctx, payload.JobID, payload.Index)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("summarize: segment %s/%d gone, skipping", payload.JobID, payload.Index)
			return nil
		}
		return err
	}
	// Idempotency under redelivery: a segment that is already summarized, or
	// not transcribed yet, is a silent skip before any external call.
	if seg.Status == model.SegmentSummarized {
		// The summary may have been stored by a run that failed on the
		// follow-up bookkeeping; re-run it so the job cannot stall here.
		log.Printf("summarize: segment %s/%d already summarized, skipping", payload.JobID, payload.Index)
		if err := p.rollup(ctx, payload.JobID); err != nil {
			return err
		}
		return p.maybeFinalize(ctx, payload.JobID)
	}
	if seg.Status != model.SegmentDone || seg.Transcript == nil || *seg.Transcript == "" {
		log.Printf("summarize: segment %s/%d not ready (status %s), skipping", payload.JobID, payload.Index, seg.Status)
		return nil
	}

	prompt := summarizer.SegmentPrompt(*seg.Transcript)
	if !p.limiter.Reserve(ctx, summarizer.EstimateTokens(len(prompt), p.summaryTokens), p.rateWait) {
		log.Printf("summarize: no rate-limit reservation for %s/%d, proceeding anyway", payload.JobID, payload.Index)
	}
	text, err := p.lm.Complete(ctx, prompt, p.summaryTokens)
	if err != nil {
		kind := summarizer.KindOf(err)
		if summarizer.Transient(kind) {
			attempt, _ := asynq.GetRetryCount(ctx)
			log.Printf("summarize: transient %s for %s/%d (attempt %d), will retry: %v",
				kind, payload.JobID, payload.Index, attempt+1, err)
			return err
		}
		log.Printf("summarize: permanent %s for %s/%d: %v", kind, payload.JobID, payload.Index, err)
		p.summarizeFailed(ctx, payload)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := p.store.StoreSegmentSummary(ctx, payload.JobID, payload.Index, text); err != nil {
		return err
	}
	log.Printf("summarize: segment %s/%d summarized (%d chars)", payload.JobID, payload.Index, len(text))
	if err := p.rollup(ctx, payload.JobID); err != nil {
		return err
	}
	return p.maybeFinalize(ctx, payload.JobID)
}

// summarizeFailed marks the segment failed and re-evaluates the job: the
// failure may complete the fan-in set for the remaining summarized segments,
// allowing a partial final synthesis.
func (p *Processor) summarizeFailed(ctx context.Context, payload queue.SummarizePayload) {
	if err := p.store.FailSegment(ctx, payload.JobID, payload.Index); err != nil {
		log.Printf("summarize: mark failed for %s/%d: %v", payload.JobID, payload.Index, err)
	}
	if err := p.rollup(ctx, payload.JobID); err != nil {
		log.Printf("summarize: rollup after failure for %s: %v", payload.JobID, err)
	}
	if err := p.maybeFinalize(ctx, payload.JobID); err != nil {
		log.Printf("summarize: finalize check after failure for %s: %v", payload.JobID, err)
	}
}

func (p *Processor) handleFinalize(ctx context.Context, task *asynq.Task) error {
	var payload queue.FinalizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	job, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("finalize: job %s gone, skipping", payload.JobID)
			return nil
		}
		return err
	}
	// Duplicate delivery: the summary may already exist.
	if _, err := p.store.GetSummary(ctx, payload.JobID); err == nil {
		log.Printf("finalize: summary already exists for job %s, skipping", payload.JobID)
		if job.Status != model.JobDone {
			return p.store.SetJobStatus(ctx, payload.JobID, model.JobDone)
		}
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	segs, err := p.store.ListSegments(ctx, payload.JobID)
	if err != nil {
		return err
	}
	texts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg.Status == model.SegmentSummarized && seg.Summary != nil {
			texts = append(texts, *seg.Summary)
		}
	}
	if len(texts) == 0 {
		log.Printf("finalize: no summarized segments for job %s, nothing to synthesize", payload.JobID)
		// The job was flagged summarizing when this task was enqueued; left
		// alone it would stay there forever since rollups never step a
		// summarizing job. Put it back on the status its segments imply.
		if job.Status == model.JobSummarizing {
			counts, err := p.store.SegmentCounts(ctx, payload.JobID)
			if err != nil {
				return err
			}
			return p.store.SetJobStatus(ctx, payload.JobID, model.DeriveJobStatus(counts, false))
		}
		return nil
	}

	instruction := ""
	if job.Instruction != nil {
		instruction = *job.Instruction
	}
	prompt := summarizer.FinalPrompt(summarizer.CombineSections(texts), instruction)
	if !p.limiter.Reserve(ctx, summarizer.EstimateTokens(len(prompt), p.finalTokens), p.rateWait) {
		log.Printf("finalize: no rate-limit reservation for job %s, proceeding anyway", payload.JobID)
	}
	content, err := p.lm.Complete(ctx, prompt, p.finalTokens)
	if err != nil {
		kind := summarizer.KindOf(err)
		attempt, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if summarizer.Transient(kind) && attempt < maxRetry {
			log.Printf("finalize: transient %s for job %s (attempt %d/%d), will retry: %v",
				kind, payload.JobID, attempt+1, maxRetry, err)
			return err
		}
		// Exhausted or permanent: the job must not be left in summarizing.
		log.Printf("finalize: %s for job %s, marking failed: %v", kind, payload.JobID, err)
		if serr := p.store.SetJobStatus(ctx, payload.JobID, model.JobFailed); serr != nil {
			log.Printf("finalize: mark job %s failed: %v", payload.JobID, serr)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := p.store.UpsertSummary(ctx, payload.JobID, content, instruction); err != nil {
		return err
	}
	if err := p.store.SetJobStatus(ctx, payload.JobID, model.JobDone); err != nil {
		return err
	}
	if job.Instruction != nil {
		if err := p.store.ClearInstruction(ctx, payload.JobID); err != nil {
			log.Printf("finalize: clear instruction for job %s: %v", payload.JobID, err)
		}
	}
	log.Printf("finalize: job %s done (%d sections, %d chars)", payload.JobID, len(texts), len(content))
	return nil
}
