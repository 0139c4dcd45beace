package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mplaza/audiobrief/internal/model"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/segmenter"
)

const maxInstructionBytes = 4 << 10

// handleUpload accepts a multipart audio upload, splits it, schedules
// transcription and then blocks polling for the finished summary. Clients get
// the artifact in the upload response when the pipeline finishes within the
// wait ceiling, or 202 with the job id when it does not.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+maxInstructionBytes+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	var tmp *tempUpload
	var instruction string
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			http.Error(w, "malformed multipart form", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "audio":
			if tmp == nil {
				tmp, err = s.persistTemp(part)
				if err != nil {
					part.Close()
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
		case "instruction":
			data, err := io.ReadAll(io.LimitReader(part, maxInstructionBytes))
			if err == nil {
				instruction = strings.TrimSpace(string(data))
			}
		}
		part.Close()
	}
	if tmp == nil {
		http.Error(w, "missing audio file", http.StatusBadRequest)
		return
	}
	defer tmp.cleanup()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(tmp.filename)), ".")
	if !s.extensionAllowed(ext) {
		http.Error(w, fmt.Sprintf("unsupported file type %q, allowed: %s",
			ext, strings.Join(s.cfg.AllowedExtensions, ",")), http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	job := &model.Job{
		ID:        jobID,
		UserRef:   userRef(r),
		AudioName: tmp.filename,
		ObjectKey: fmt.Sprintf("uploads/%s/%s", jobID, filepath.Base(tmp.filename)),
		Status:    model.JobUploaded,
	}
	if instruction != "" {
		job.Instruction = &instruction
	}
	if dur, err := s.splitter.Probe(ctx, tmp.path); err == nil {
		seconds := int(dur)
		job.TotalDuration = &seconds
	} else {
		log.Printf("upload: probe %s: %v", jobID, err)
	}

	if err := s.objects.UploadAudio(ctx, job.ObjectKey, tmp.f, tmp.size, tmp.contentType); err != nil {
		log.Printf("upload: store audio for %s: %v", jobID, err)
		http.Error(w, "failed to store audio", http.StatusInternalServerError)
		return
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}

	started := time.Now()
	if err := s.splitAndEnqueue(ctx, job, tmp.path); err != nil {
		if serr := s.store.SetJobStatus(ctx, jobID, model.JobFailed); serr != nil {
			log.Printf("upload: mark job %s failed: %v", jobID, serr)
		}
		status := http.StatusInternalServerError
		if errors.Is(err, segmenter.ErrTooShort) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.waitForResult(w, r, jobID, started)
}

func (s *Server) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// splitAndEnqueue slices the audio, uploads the slices, records the segment
// rows and schedules one transcription task per segment.
func (s *Server) splitAndEnqueue(ctx context.Context, job *model.Job, audioPath string) error {
	outDir, err := os.MkdirTemp("", "audiobrief-split-*")
	if err != nil {
		return fmt.Errorf("create split dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	slices, err := s.splitter.Split(ctx, audioPath, s.cfg.SecondsPerSegment, outDir)
	if err != nil {
		return err
	}
	segs := make([]model.Segment, 0, len(slices))
	for _, sl := range slices {
		objectKey := fmt.Sprintf("jobs/%s/segments/%s", job.ID, filepath.Base(sl.Path))
		if err := s.objects.UploadSegmentFile(ctx, objectKey, sl.Path); err != nil {
			return fmt.Errorf("store segment %d: %w", sl.Index, err)
		}
		segs = append(segs, model.Segment{
			Index:       sl.Index,
			StartSec:    sl.StartSec,
			EndSec:      sl.EndSec,
			DurationSec: sl.DurationSec,
			ObjectKey:   objectKey,
			Status:      model.SegmentReady,
		})
	}
	if err := s.store.ReplaceSegments(ctx, job.ID, segs); err != nil {
		return fmt.Errorf("store segments: %w", err)
	}
	if err := s.store.SetJobStatus(ctx, job.ID, model.JobSegmented); err != nil {
		return err
	}
	for _, seg := range segs {
		if err := s.tasks.EnqueueTranscribe(ctx, queue.TranscribePayload{
			JobID:    job.ID,
			Index:    seg.Index,
			Model:    s.cfg.DefaultModel,
			Language: s.cfg.DefaultLanguage,
		}); err != nil {
			return fmt.Errorf("queue transcription %d: %w", seg.Index, err)
		}
	}
	log.Printf("upload: job %s split into %d segments", job.ID, len(segs))
	return s.store.SetJobStatus(ctx, job.ID, model.JobTranscribing)
}

// waitForResult polls the job until it finishes, fails or the wait ceiling
// passes. The caller holds the connection open the whole time.
func (s *Server) waitForResult(w http.ResponseWriter, r *http.Request, jobID string, started time.Time) {
	ctx := r.Context()
	deadline := time.Now().Add(s.waitCeiling)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load job", http.StatusInternalServerError)
			return
		}
		switch job.Status {
		case model.JobDone:
			summary, err := s.store.GetSummary(ctx, jobID)
			if err == nil {
				counts, _ := s.store.SegmentCounts(ctx, jobID)
				respondJSON(w, http.StatusCreated, map[string]any{
					"id":                    jobID,
					"status":                job.Status,
					"processingTimeSeconds": int(time.Since(started).Seconds()),
					"summary":               summary.Content,
					"segments":              counts,
				})
				return
			}
			if !errors.Is(err, model.ErrNotFound) {
				http.Error(w, "failed to load summary", http.StatusInternalServerError)
				return
			}
		case model.JobFailed:
			respondJSON(w, http.StatusInternalServerError, map[string]any{
				"id":     jobID,
				"status": job.Status,
				"error":  "processing failed",
			})
			return
		}
		if time.Now().After(deadline) {
			respondJSON(w, http.StatusAccepted, map[string]any{
				"id":             jobID,
				"status":         "processing",
				"elapsedSeconds": int(time.Since(started).Seconds()),
			})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListJobs(r.Context(), userRef(r))
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// loadJob fetches a job and enforces caller scoping. A job belonging to a
// different user is indistinguishable from a missing one.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, id string) *model.Job {
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return nil
		}
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return nil
	}
	if ref := userRef(r); ref != "" && job.UserRef != "" && job.UserRef != ref {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.loadJob(w, r, id)
	if job == nil {
		return
	}
	segs, err := s.store.ListSegments(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load segments", http.StatusInternalServerError)
		return
	}
	counts, err := s.store.SegmentCounts(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load progress", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job":               job,
		"segments":          segs,
		"progress":          counts,
		"completionPercent": counts.CompletionPercent(),
	})
}

// handleRebuildSegments purges and recreates a job's segment set from the
// stored raw audio.
func (s *Server) handleRebuildSegments(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.loadJob(w, r, id)
	if job == nil {
		return
	}
	ctx := r.Context()

	var req struct {
		SecondsPerSegment int  `json:"secondsPerSegment"`
		Force             bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SecondsPerSegment <= 0 {
		req.SecondsPerSegment = s.cfg.SecondsPerSegment
	}

	counts, err := s.store.SegmentCounts(ctx, id)
	if err != nil {
		http.Error(w, "failed to load segments", http.StatusInternalServerError)
		return
	}
	if counts.Total > 0 && !req.Force {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":    "segments already exist, pass force to rebuild",
			"segments": counts.Total,
		})
		return
	}

	tmpDir, err := os.MkdirTemp("", "audiobrief-rebuild-*")
	if err != nil {
		http.Error(w, "failed to prepare workspace", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(tmpDir)
	audioPath := filepath.Join(tmpDir, filepath.Base(job.ObjectKey))
	if err := s.objects.DownloadAudioTo(ctx, job.ObjectKey, audioPath); err != nil {
		log.Printf("rebuild: download audio for %s: %v", id, err)
		http.Error(w, "source audio unavailable", http.StatusInternalServerError)
		return
	}
	if err := s.objects.RemoveSegmentPrefix(ctx, fmt.Sprintf("jobs/%s/segments/", id)); err != nil {
		log.Printf("rebuild: purge segment objects for %s: %v", id, err)
	}
	// Backfill the duration when the upload-time probe did not get one.
	if job.TotalDuration == nil {
		if dur, err := s.splitter.Probe(ctx, audioPath); err == nil {
			if err := s.store.SetJobDuration(ctx, id, int(dur)); err != nil {
				log.Printf("rebuild: store duration for %s: %v", id, err)
			}
		}
	}

	slices, err := s.splitter.Split(ctx, audioPath, req.SecondsPerSegment, tmpDir)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, segmenter.ErrTooShort) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	segs := make([]model.Segment, 0, len(slices))
	for _, sl := range slices {
		objectKey := fmt.Sprintf("jobs/%s/segments/%s", id, filepath.Base(sl.Path))
		if err := s.objects.UploadSegmentFile(ctx, objectKey, sl.Path); err != nil {
			http.Error(w, "failed to store segment", http.StatusInternalServerError)
			return
		}
		segs = append(segs, model.Segment{
			Index:       sl.Index,
			StartSec:    sl.StartSec,
			EndSec:      sl.EndSec,
			DurationSec: sl.DurationSec,
			ObjectKey:   objectKey,
			Status:      model.SegmentReady,
		})
	}
	if err := s.store.ReplaceSegments(ctx, id, segs); err != nil {
		http.Error(w, "failed to store segments", http.StatusInternalServerError)
		return
	}
	if err := s.store.SetJobStatus(ctx, id, model.JobSegmented); err != nil {
		http.Error(w, "failed to update job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":       id,
		"status":   model.JobSegmented,
		"segments": len(segs),
	})
}

// handleTranscribe schedules transcription for pending segments, optionally
// resetting the whole set first.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job := s.loadJob(w, r, id)
	if job == nil {
		return
	}
	ctx := r.Context()

	var req struct {
		Force    bool   `json:"force"`
		Model    string `json:"model"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	segs, err := s.store.ListSegments(ctx, id)
	if err != nil {
		http.Error(w, "failed to load segments", http.StatusInternalServerError)
		return
	}
	if len(segs) == 0 {
		http.Error(w, "job has no segments, rebuild them first", http.StatusBadRequest)
		return
	}
	if req.Force {
		if err := s.store.ResetSegments(ctx, id); err != nil {
			http.Error(w, "failed to reset segments", http.StatusInternalServerError)
			return
		}
		segs, err = s.store.ListSegments(ctx, id)
		if err != nil {
			http.Error(w, "failed to load segments", http.StatusInternalServerError)
			return
		}
	}

	enqueued := 0
	for _, seg := range segs {
		if !model.Claimable(seg.Status) {
			continue
		}
		if err := s.tasks.EnqueueTranscribe(ctx, queue.TranscribePayload{
			JobID:    id,
			Index:    seg.Index,
			Model:    req.Model,
			Language: req.Language,
		}); err != nil {
			log.Printf("transcribe: enqueue %s/%d: %v", id, seg.Index, err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		if err := s.store.SetJobStatus(ctx, id, model.JobTranscribing); err != nil {
			http.Error(w, "failed to update job", http.StatusInternalServerError)
			return
		}
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":       id,
		"status":   model.JobTranscribing,
		"enqueued": enqueued,
		"segments": len(segs),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetSummary(w, r, id)
	case http.MethodPost:
		s.handleRebuildSummary(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request, id string) {
	job := s.loadJob(w, r, id)
	if job == nil {
		return
	}
	summary, err := s.store.GetSummary(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			counts, cerr := s.store.SegmentCounts(r.Context(), id)
			if cerr != nil {
				http.Error(w, "failed to load progress", http.StatusInternalServerError)
				return
			}
			respondJSON(w, http.StatusAccepted, map[string]any{
				"id":       id,
				"status":   job.Status,
				"progress": counts,
			})
			return
		}
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleRebuildSummary discards the final summary and reruns the synthesis
// with an optional new steering prompt.
func (s *Server) handleRebuildSummary(w http.ResponseWriter, r *http.Request, id string) {
	job := s.loadJob(w, r, id)
	if job == nil {
		return
	}
	ctx := r.Context()

	var req struct {
		Prompt string `json:"prompt"`
		Force  bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetSummary(ctx, id); err == nil {
		if !req.Force {
			http.Error(w, "summary already exists, pass force to regenerate", http.StatusConflict)
			return
		}
	} else if !errors.Is(err, model.ErrNotFound) {
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	counts, err := s.store.SegmentCounts(ctx, id)
	if err != nil {
		http.Error(w, "failed to load progress", http.StatusInternalServerError)
		return
	}
	if counts.Summarized == 0 {
		http.Error(w, "no segment summaries to synthesize", http.StatusConflict)
		return
	}

	if err := s.store.DeleteSummary(ctx, id); err != nil {
		http.Error(w, "failed to clear summary", http.StatusInternalServerError)
		return
	}
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		if err := s.store.SetInstruction(ctx, id, prompt); err != nil {
			http.Error(w, "failed to store prompt", http.StatusInternalServerError)
			return
		}
	}
	// Step the job back so the finalize guard sees a restartable state.
	if err := s.store.SetJobStatus(ctx, id, model.JobTranscribed); err != nil {
		http.Error(w, "failed to update job", http.StatusInternalServerError)
		return
	}
	ok, err := s.store.BeginFinalize(ctx, id)
	if err != nil {
		http.Error(w, "failed to start synthesis", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "synthesis already in flight", http.StatusConflict)
		return
	}
	if err := s.tasks.EnqueueFinalize(ctx, queue.FinalizePayload{JobID: id}); err != nil {
		http.Error(w, "failed to queue synthesis", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": model.JobSummarizing,
	})
}
