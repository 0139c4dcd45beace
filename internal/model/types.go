package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a job, segment or summary does not
// exist. Workers treat it as a silent skip since the entity may have been
// deleted mid-pipeline.
var ErrNotFound = errors.New("not found")

// Job is one submitted audio artifact moving through the pipeline.
type Job struct {
	ID            string    `json:"id"`
	UserRef       string    `json:"-"`
	AudioName     string    `json:"audioName"`
	ObjectKey     string    `json:"-"`
	TotalDuration *int      `json:"totalDuration,omitempty"`
	Status        JobStatus `json:"status"`
	// Instruction is the one-shot steering text supplied at upload. The final
	// synthesizer consumes it once and clears it.
	Instruction *string   `json:"instruction,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Segment is an ordered, time-bounded slice of a job's audio. Identity is
// (JobID, Index); Index is contiguous from zero.
type Segment struct {
	JobID       string        `json:"-"`
	Index       int           `json:"index"`
	StartSec    int           `json:"startSec"`
	EndSec      int           `json:"endSec"`
	DurationSec float64       `json:"durationSec"`
	ObjectKey   string        `json:"-"`
	Transcript  *string       `json:"transcript,omitempty"`
	Summary     *string       `json:"summary,omitempty"`
	Status      SegmentStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Summary is the single synthesized artifact for a job.
type Summary struct {
	JobID       string    `json:"jobId"`
	Content     string    `json:"content"`
	Instruction string    `json:"instruction"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobListItem is the history row returned by the job listing endpoint.
type JobListItem struct {
	ID              string    `json:"id"`
	AudioName       string    `json:"audioName"`
	SummaryContent  *string   `json:"summaryContent"`
	InstructionUsed *string   `json:"instructionUsed"`
	Status          JobStatus `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Rollup is the outcome of one locked rollup pass over a job.
type Rollup struct {
	Previous      JobStatus
	Current       JobStatus
	Counts        SegmentCounts
	SummaryExists bool
}

// Changed reports whether the rollup persisted a status transition.
func (r Rollup) Changed() bool { return r.Previous != r.Current }
