// Package model holds the shared entity types and the status state machines
// for jobs and segments. Every worker consults the transition rules here
// instead of comparing status strings inline.
package model

// JobStatus describes the aggregate pipeline state of a job. It is a
// projection of the job's segment statuses plus final-summary existence.
type JobStatus string

const (
	JobUploaded     JobStatus = "uploaded"
	JobSegmented    JobStatus = "segmented"
	JobTranscribing JobStatus = "transcribing"
	JobTranscribed  JobStatus = "transcribed"
	JobSummarizing  JobStatus = "summarizing"
	JobDone         JobStatus = "done"
	JobFailed       JobStatus = "failed"
)

// SegmentStatus describes one segment's position in the two-phase pipeline:
// ready -> transcribing -> done -> summarized, with failed reachable from any
// non-terminal state.
type SegmentStatus string

const (
	SegmentReady        SegmentStatus = "ready"
	SegmentTranscribing SegmentStatus = "transcribing"
	SegmentDone         SegmentStatus = "done"
	SegmentSummarized   SegmentStatus = "summarized"
	SegmentFailed       SegmentStatus = "failed"
)

// jobRank orders job statuses along the normal forward path. Failed sits
// outside the ordering.
var jobRank = map[JobStatus]int{
	JobUploaded:     0,
	JobSegmented:    1,
	JobTranscribing: 2,
	JobTranscribed:  3,
	JobSummarizing:  4,
	JobDone:         5,
}

// CanTransition reports whether a rollup-driven job status change is legal.
// Forward moves and moves into failed are allowed; a failed job may recover
// forward (late segment summaries can still complete a partial synthesis).
// Done is terminal for the rollup path.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	if from == JobDone {
		return false
	}
	if to == JobFailed {
		return true
	}
	if from == JobFailed {
		return true
	}
	return jobRank[to] > jobRank[from]
}

// Claimable reports whether a segment may be picked up for transcription.
// Done and summarized segments are finished; transcribing means another
// worker holds it.
func Claimable(s SegmentStatus) bool {
	return s == SegmentReady || s == SegmentFailed
}

// SegmentCounts is a snapshot of a job's segments grouped by status.
type SegmentCounts struct {
	Total        int `json:"total"`
	Ready        int `json:"ready"`
	Transcribing int `json:"transcribing"`
	Done         int `json:"done"`
	Summarized   int `json:"summarized"`
	Failed       int `json:"failed"`
}

// InFlight counts segments that still have transcription work pending.
func (c SegmentCounts) InFlight() int { return c.Ready + c.Transcribing }

// Settled counts segments that made it through transcription, whether or not
// they have been summarized yet.
func (c SegmentCounts) Settled() int { return c.Done + c.Summarized }

// CompletionPercent reports transcription progress for the segment listing.
func (c SegmentCounts) CompletionPercent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Settled()) / float64(c.Total) * 100
}

// DeriveJobStatus computes the job status implied by a segment snapshot and
// final-summary existence. It is the single source of truth for rollups and
// is deliberately a pure function so the mapping can be tested exhaustively.
func DeriveJobStatus(c SegmentCounts, summaryExists bool) JobStatus {
	if c.Total == 0 {
		return JobSegmented
	}
	if summaryExists {
		return JobDone
	}
	if c.Settled() == c.Total {
		if c.Summarized == c.Settled() && c.Summarized > 0 {
			return JobSummarizing
		}
		return JobTranscribed
	}
	if c.InFlight() == 0 && c.Failed > 0 {
		if c.Summarized > 0 && c.Summarized == c.Settled() {
			// Every surviving segment is summarized; a partial synthesis is
			// still possible, so the job is not a lost cause yet.
			return JobSummarizing
		}
		return JobFailed
	}
	return JobTranscribing
}

// ShouldFanOutSummaries reports whether a rollup that just produced the given
// transition must dispatch per-segment summarization. The transition check is
// what makes the fan-out fire exactly once even when rollups race.
func ShouldFanOutSummaries(prev, next JobStatus, c SegmentCounts) bool {
	return next == JobTranscribed && prev != JobTranscribed &&
		c.Done > 0 && c.Summarized == 0
}

// ReadyToFinalize reports whether every settled segment carries a summary,
// which is the fan-in condition for final synthesis. A job with zero
// summarized segments never finalizes.
func ReadyToFinalize(c SegmentCounts) bool {
	return c.Summarized > 0 && c.Summarized == c.Settled() && c.InFlight() == 0
}
