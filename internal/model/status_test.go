package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveJobStatus(t *testing.T) {
	cases := []struct {
		name          string
		counts        SegmentCounts
		summaryExists bool
		want          JobStatus
	}{
		{
			name:   "no segments yet",
			counts: SegmentCounts{},
			want:   JobSegmented,
		},
		{
			name:          "summary wins regardless of counts",
			counts:        SegmentCounts{Total: 3, Failed: 3},
			summaryExists: true,
			want:          JobDone,
		},
		{
			name:   "work in flight",
			counts: SegmentCounts{Total: 4, Ready: 1, Transcribing: 1, Done: 2},
			want:   JobTranscribing,
		},
		{
			name:   "all transcribed none summarized",
			counts: SegmentCounts{Total: 3, Done: 3},
			want:   JobTranscribed,
		},
		{
			name:   "all transcribed partially summarized",
			counts: SegmentCounts{Total: 3, Done: 1, Summarized: 2},
			want:   JobTranscribed,
		},
		{
			name:   "all summarized",
			counts: SegmentCounts{Total: 3, Summarized: 3},
			want:   JobSummarizing,
		},
		{
			name:   "everything failed",
			counts: SegmentCounts{Total: 2, Failed: 2},
			want:   JobFailed,
		},
		{
			name:   "failures with unsummarized survivors",
			counts: SegmentCounts{Total: 3, Done: 2, Failed: 1},
			want:   JobFailed,
		},
		{
			name:   "failures but survivors fully summarized",
			counts: SegmentCounts{Total: 3, Summarized: 2, Failed: 1},
			want:   JobSummarizing,
		},
		{
			name:   "failures with partially summarized survivors",
			counts: SegmentCounts{Total: 4, Done: 1, Summarized: 2, Failed: 1},
			want:   JobFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveJobStatus(tc.counts, tc.summaryExists))
		})
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobUploaded, JobSegmented, true},
		{JobSegmented, JobTranscribing, true},
		{JobTranscribing, JobTranscribed, true},
		{JobTranscribed, JobDone, true},
		{JobTranscribed, JobSegmented, false},
		{JobDone, JobTranscribing, false},
		{JobDone, JobFailed, false},
		{JobTranscribing, JobFailed, true},
		{JobFailed, JobSummarizing, true},
		{JobFailed, JobDone, true},
		{JobTranscribing, JobTranscribing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestClaimable(t *testing.T) {
	assert.True(t, Claimable(SegmentReady))
	assert.True(t, Claimable(SegmentFailed))
	assert.False(t, Claimable(SegmentTranscribing))
	assert.False(t, Claimable(SegmentDone))
	assert.False(t, Claimable(SegmentSummarized))
}

func TestShouldFanOutSummaries(t *testing.T) {
	counts := SegmentCounts{Total: 2, Done: 2}

	// Fires exactly on the transition into transcribed.
	assert.True(t, ShouldFanOutSummaries(JobTranscribing, JobTranscribed, counts))
	// A rollup that observes transcribed again must not re-fan-out.
	assert.False(t, ShouldFanOutSummaries(JobTranscribed, JobTranscribed, counts))
	// Nothing transcribed means nothing to summarize.
	assert.False(t, ShouldFanOutSummaries(JobTranscribing, JobTranscribed, SegmentCounts{Total: 2, Failed: 2}))
	// Existing segment summaries mean the fan-out already happened.
	assert.False(t, ShouldFanOutSummaries(JobTranscribing, JobTranscribed,
		SegmentCounts{Total: 2, Done: 1, Summarized: 1}))
}

func TestReadyToFinalize(t *testing.T) {
	assert.True(t, ReadyToFinalize(SegmentCounts{Total: 2, Summarized: 2}))
	assert.True(t, ReadyToFinalize(SegmentCounts{Total: 3, Summarized: 2, Failed: 1}))
	assert.False(t, ReadyToFinalize(SegmentCounts{Total: 2, Done: 1, Summarized: 1}))
	assert.False(t, ReadyToFinalize(SegmentCounts{Total: 2, Ready: 1, Summarized: 1}))
	// A job whose every segment failed never finalizes.
	assert.False(t, ReadyToFinalize(SegmentCounts{Total: 2, Failed: 2}))
}

func TestCompletionPercent(t *testing.T) {
	assert.Equal(t, 0.0, SegmentCounts{}.CompletionPercent())
	assert.Equal(t, 50.0, SegmentCounts{Total: 4, Done: 1, Summarized: 1, Ready: 2}.CompletionPercent())
	assert.Equal(t, 100.0, SegmentCounts{Total: 2, Summarized: 2}.CompletionPercent())
}
