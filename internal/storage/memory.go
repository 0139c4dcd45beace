// Package storage provides an in-memory store with the same locking
// semantics as the Postgres repository. It backs the worker and API tests.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mplaza/audiobrief/internal/model"
)

// MemoryStore keeps jobs, segments and summaries behind one mutex. The single
// lock plays the role of the repository's row locks: rollups, claims and the
// finalize flag are atomic with respect to each other.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	segments  map[string][]*model.Segment
	summaries map[string]*model.Summary
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*model.Job),
		segments:  make(map[string][]*model.Segment),
		summaries: make(map[string]*model.Summary),
	}
}

// CreateJob inserts a job.
func (m *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = model.JobUploaded
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy of a job, or model.ErrNotFound.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns the job history newest first.
func (m *MemoryStore) ListJobs(_ context.Context, userRef string) ([]model.JobListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []model.JobListItem{}
	for _, job := range m.jobs {
		if userRef != "" && job.UserRef != userRef {
			continue
		}
		item := model.JobListItem{
			ID:        job.ID,
			AudioName: job.AudioName,
			Status:    job.Status,
			CreatedAt: job.CreatedAt,
		}
		if s, ok := m.summaries[job.ID]; ok {
			content, instruction := s.Content, s.Instruction
			item.SummaryContent = &content
			item.InstructionUsed = &instruction
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

// SetJobStatus writes a job status unconditionally.
func (m *MemoryStore) SetJobStatus(_ context.Context, id string, status model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetJobDuration stores the probed total duration.
func (m *MemoryStore) SetJobDuration(_ context.Context, id string, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.TotalDuration = &seconds
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetInstruction stores the one-shot synthesis instruction.
func (m *MemoryStore) SetInstruction(_ context.Context, id, instruction string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.Instruction = &instruction
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearInstruction removes the one-shot instruction.
func (m *MemoryStore) ClearInstruction(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.Instruction = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplaceSegments swaps a job's segment set wholesale.
func (m *MemoryStore) ReplaceSegments(_ context.Context, jobID string, segs []model.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	stored := make([]*model.Segment, 0, len(segs))
	for i := range segs {
		cp := segs[i]
		cp.JobID = jobID
		if cp.Status == "" {
			cp.Status = model.SegmentReady
		}
		cp.UpdatedAt = now
		stored = append(stored, &cp)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Index < stored[j].Index })
	m.segments[jobID] = stored
	return nil
}

// ListSegments returns copies of a job's segments ordered by index.
func (m *MemoryStore) ListSegments(_ context.Context, jobID string) ([]model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := []model.Segment{}
	for _, seg := range m.segments[jobID] {
		segs = append(segs, *seg)
	}
	return segs, nil
}

func (m *MemoryStore) segment(jobID string, index int) (*model.Segment, bool) {
	for _, seg := range m.segments[jobID] {
		if seg.Index == index {
			return seg, true
		}
	}
	return nil, false
}

// GetSegment returns a copy of one segment.
func (m *MemoryStore) GetSegment(_ context.Context, jobID string, index int) (*model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segment(jobID, index)
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *seg
	return &cp, nil
}

// ClaimSegment moves a ready or failed segment into transcribing.
func (m *MemoryStore) ClaimSegment(_ context.Context, jobID string, index int) (bool, *model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segment(jobID, index)
	if !ok {
		return false, nil, model.ErrNotFound
	}
	if !model.Claimable(seg.Status) {
		cp := *seg
		return false, &cp, nil
	}
	seg.Status = model.SegmentTranscribing
	seg.UpdatedAt = time.Now().UTC()
	cp := *seg
	return true, &cp, nil
}

// FinishSegment stores the transcript and marks the segment done.
func (m *MemoryStore) FinishSegment(_ context.Context, jobID string, index int, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segment(jobID, index)
	if !ok {
		return model.ErrNotFound
	}
	seg.Transcript = &transcript
	seg.Status = model.SegmentDone
	seg.UpdatedAt = time.Now().UTC()
	return nil
}

// FailSegment marks a segment failed.
func (m *MemoryStore) FailSegment(_ context.Context, jobID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segment(jobID, index)
	if !ok {
		return model.ErrNotFound
	}
	seg.Status = model.SegmentFailed
	seg.UpdatedAt = time.Now().UTC()
	return nil
}

// StoreSegmentSummary stores the per-segment summary and marks it summarized.
func (m *MemoryStore) StoreSegmentSummary(_ context.Context, jobID string, index int, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segment(jobID, index)
	if !ok {
		return model.ErrNotFound
	}
	seg.Summary = &summary
	seg.Status = model.SegmentSummarized
	seg.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetSegments returns every segment to ready and clears prior output.
func (m *MemoryStore) ResetSegments(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, seg := range m.segments[jobID] {
		seg.Status = model.SegmentReady
		seg.Transcript = nil
		seg.Summary = nil
		seg.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) counts(jobID string) model.SegmentCounts {
	var c model.SegmentCounts
	for _, seg := range m.segments[jobID] {
		c.Total++
		switch seg.Status {
		case model.SegmentReady:
			c.Ready++
		case model.SegmentTranscribing:
			c.Transcribing++
		case model.SegmentDone:
			c.Done++
		case model.SegmentSummarized:
			c.Summarized++
		case model.SegmentFailed:
			c.Failed++
		}
	}
	return c
}

// SegmentCounts groups a job's segments by status.
func (m *MemoryStore) SegmentCounts(_ context.Context, jobID string) (model.SegmentCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return model.SegmentCounts{}, model.ErrNotFound
	}
	return m.counts(jobID), nil
}

// RollupJob recomputes job state atomically, mirroring the repository's
// locked compare-and-write.
func (m *MemoryStore) RollupJob(_ context.Context, id string,
	decide func(job model.Job, counts model.SegmentCounts, summaryExists bool) (model.JobStatus, bool)) (model.Rollup, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Rollup{}, model.ErrNotFound
	}
	counts := m.counts(id)
	_, summaryExists := m.summaries[id]
	rollup := model.Rollup{Previous: job.Status, Current: job.Status, Counts: counts, SummaryExists: summaryExists}
	next, write := decide(*job, counts, summaryExists)
	if write {
		job.Status = next
		job.UpdatedAt = time.Now().UTC()
		rollup.Current = next
	}
	return rollup, nil
}

// BeginFinalize performs the single-flight check-and-flag for final
// synthesis.
func (m *MemoryStore) BeginFinalize(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if _, exists := m.summaries[id]; exists {
		return false, nil
	}
	if job.Status == model.JobSummarizing || job.Status == model.JobDone {
		return false, nil
	}
	job.Status = model.JobSummarizing
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// GetSummary returns the final summary, or model.ErrNotFound.
func (m *MemoryStore) GetSummary(_ context.Context, jobID string) (*model.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// UpsertSummary writes the final summary keyed by job id.
func (m *MemoryStore) UpsertSummary(_ context.Context, jobID, content, instruction string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[jobID] = &model.Summary{
		JobID:       jobID,
		Content:     content,
		Instruction: instruction,
		CreatedAt:   time.Now().UTC(),
	}
	return nil
}

// DeleteSummary removes the final summary.
func (m *MemoryStore) DeleteSummary(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.summaries, jobID)
	return nil
}
