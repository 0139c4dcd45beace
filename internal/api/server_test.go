package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplaza/audiobrief/internal/config"
	"github.com/mplaza/audiobrief/internal/model"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/segmenter"
	"github.com/mplaza/audiobrief/internal/storage"
)

type fakeSplitter struct {
	duration float64
	slices   int
	err      error
}

func (f *fakeSplitter) Probe(context.Context, string) (float64, error) {
	return f.duration, nil
}

func (f *fakeSplitter) Split(_ context.Context, _ string, chunkSeconds int, outDir string) ([]segmenter.SegmentInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	infos := make([]segmenter.SegmentInfo, 0, f.slices)
	for i := 0; i < f.slices; i++ {
		start := i * chunkSeconds
		end := start + chunkSeconds
		infos = append(infos, segmenter.SegmentInfo{
			Index:       i,
			Path:        filepath.Join(outDir, fmt.Sprintf("segment_%03d.mp3", i)),
			StartSec:    start,
			EndSec:      end,
			DurationSec: float64(chunkSeconds),
		})
	}
	return infos, nil
}

type fakeObjects struct {
	mu       sync.Mutex
	uploads  []string
	removals []string
}

func (f *fakeObjects) UploadAudio(_ context.Context, objectKey string, r io.Reader, _ int64, _ string) error {
	io.Copy(io.Discard, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, objectKey)
	return nil
}

func (f *fakeObjects) DownloadAudioTo(_ context.Context, _ string, destPath string) error {
	return os.WriteFile(destPath, []byte("audio"), 0o644)
}

func (f *fakeObjects) UploadSegmentFile(_ context.Context, objectKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, objectKey)
	return nil
}

func (f *fakeObjects) RemoveSegmentPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, prefix)
	return nil
}

type fakeEnqueuer struct {
	mu          sync.Mutex
	transcribes []queue.TranscribePayload
	finalizes   []queue.FinalizePayload
}

func (f *fakeEnqueuer) EnqueueTranscribe(_ context.Context, p queue.TranscribePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribes = append(f.transcribes, p)
	return nil
}

func (f *fakeEnqueuer) EnqueueFinalize(_ context.Context, p queue.FinalizePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes = append(f.finalizes, p)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Address:           ":0",
		MaxUploadSize:     1 << 20,
		AllowedExtensions: []string{"mp3"},
		SecondsPerSegment: 180,
		DefaultModel:      "base",
		DefaultLanguage:   "es",
		SyncPollInterval:  5 * time.Millisecond,
		SyncWaitCeiling:   200 * time.Millisecond,
	}
}

type testEnv struct {
	store    *storage.MemoryStore
	objects  *fakeObjects
	splitter *fakeSplitter
	tasks    *fakeEnqueuer
	server   *Server
	ts       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    storage.NewMemoryStore(),
		objects:  &fakeObjects{},
		splitter: &fakeSplitter{duration: 400, slices: 2},
		tasks:    &fakeEnqueuer{},
	}
	env.server = New(testConfig(), env.store, env.objects, env.splitter, env.tasks)
	env.ts = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func multipartUpload(t *testing.T, filename, instruction string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("audio", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake mp3 bytes"))
	require.NoError(t, err)
	if instruction != "" {
		require.NoError(t, w.WriteField("instruction", instruction))
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

// completeJobs simulates the worker: once a job shows up it gets a summary
// and is marked done.
func completeJobs(env *testEnv, stop <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-time.After(2 * time.Millisecond):
		}
		items, err := env.store.ListJobs(ctx, "")
		if err != nil || len(items) == 0 {
			continue
		}
		id := items[0].ID
		env.store.UpsertSummary(ctx, id, "synthesized brief", "")
		env.store.SetJobStatus(ctx, id, model.JobDone)
		return
	}
}

func TestUploadReturnsArtifactWhenPipelineFinishes(t *testing.T) {
	env := newTestEnv(t)
	stop := make(chan struct{})
	defer close(stop)
	go completeJobs(env, stop)

	body, contentType := multipartUpload(t, "lecture.mp3", "focus on decisions")
	resp, err := http.Post(env.ts.URL+"/jobs", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "done", out.Status)
	assert.Equal(t, "synthesized brief", out.Summary)

	// One transcription task per segment was scheduled.
	assert.Len(t, env.tasks.transcribes, 2)

	// The instruction reached the job row.
	job, err := env.store.GetJob(context.Background(), out.ID)
	require.NoError(t, err)
	require.NotNil(t, job.Instruction)
	assert.Equal(t, "focus on decisions", *job.Instruction)
}

func TestUploadTimesOutWith202(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "lecture.mp3", "")
	resp, err := http.Post(env.ts.URL+"/jobs", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "processing", out.Status)

	// The job keeps processing in the background.
	job, err := env.store.GetJob(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTranscribing, job.Status)
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "notes.wav", "")
	resp, err := http.Post(env.ts.URL+"/jobs", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadRequiresAudioField(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("instruction", "hello"))
	require.NoError(t, w.Close())

	resp, err := http.Post(env.ts.URL+"/jobs", w.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadMarksJobFailedWhenSplitFails(t *testing.T) {
	env := newTestEnv(t)
	env.splitter.err = &segmenter.Error{Stage: "split", Message: "invalid data"}

	body, contentType := multipartUpload(t, "lecture.mp3", "")
	resp, err := http.Post(env.ts.URL+"/jobs", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	items, err := env.store.ListJobs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.JobFailed, items[0].Status)
}

func seedAPIJob(t *testing.T, env *testEnv, id, user string, segments int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.CreateJob(ctx, &model.Job{
		ID:        id,
		UserRef:   user,
		AudioName: "lecture.mp3",
		ObjectKey: "uploads/" + id + "/lecture.mp3",
		Status:    model.JobTranscribing,
	}))
	segs := make([]model.Segment, 0, segments)
	for i := 0; i < segments; i++ {
		segs = append(segs, model.Segment{
			Index:     i,
			ObjectKey: fmt.Sprintf("jobs/%s/segments/segment_%03d.mp3", id, i),
			Status:    model.SegmentReady,
		})
	}
	require.NoError(t, env.store.ReplaceSegments(ctx, id, segs))
}

func TestJobDetail(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 2)

	resp, err := http.Get(env.ts.URL + "/jobs/job1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Job      model.Job       `json:"job"`
		Segments []model.Segment `json:"segments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "job1", out.Job.ID)
	assert.Len(t, out.Segments, 2)
}

func TestJobDetailNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobScopedByUser(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "alice", 1)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/jobs/job1", nil)
	require.NoError(t, err)
	req.Header.Set("X-User", "bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRebuildSegmentsConflictWithoutForce(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 2)

	resp, err := http.Post(env.ts.URL+"/jobs/job1/segments:rebuild", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRebuildSegmentsForced(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 1)
	env.splitter.slices = 3

	resp, err := http.Post(env.ts.URL+"/jobs/job1/segments:rebuild", "application/json",
		strings.NewReader(`{"force":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	segs, err := env.store.ListSegments(context.Background(), "job1")
	require.NoError(t, err)
	assert.Len(t, segs, 3)
	// Old segment objects were purged before the new set was stored.
	assert.Contains(t, env.objects.removals, "jobs/job1/segments/")
}

func TestTranscribeRequiresSegments(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 0)

	resp, err := http.Post(env.ts.URL+"/jobs/job1:transcribe", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTranscribeEnqueuesPendingSegments(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 3)
	ctx := context.Background()
	// One segment already made it through.
	require.NoError(t, env.store.FinishSegment(ctx, "job1", 0, "transcript"))

	resp, err := http.Post(env.ts.URL+"/jobs/job1:transcribe", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Enqueued int `json:"enqueued"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Enqueued)
	assert.Len(t, env.tasks.transcribes, 2)
}

func TestTranscribeForceResetsSegments(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 2)
	ctx := context.Background()
	require.NoError(t, env.store.FinishSegment(ctx, "job1", 0, "transcript"))
	require.NoError(t, env.store.StoreSegmentSummary(ctx, "job1", 0, "summary"))

	resp, err := http.Post(env.ts.URL+"/jobs/job1:transcribe", "application/json",
		strings.NewReader(`{"force":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, env.tasks.transcribes, 2)

	seg, err := env.store.GetSegment(ctx, "job1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentReady, seg.Status)
	assert.Nil(t, seg.Transcript)
}

func TestGetSummaryProgressThenResult(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 2)
	ctx := context.Background()

	resp, err := http.Get(env.ts.URL + "/jobs/job1/summary")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, env.store.UpsertSummary(ctx, "job1", "the brief", ""))
	resp, err = http.Get(env.ts.URL + "/jobs/job1/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "the brief", out.Content)
}

func TestRebuildSummary(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 1)
	ctx := context.Background()
	require.NoError(t, env.store.FinishSegment(ctx, "job1", 0, "transcript"))
	require.NoError(t, env.store.StoreSegmentSummary(ctx, "job1", 0, "summary"))
	require.NoError(t, env.store.UpsertSummary(ctx, "job1", "old brief", ""))
	require.NoError(t, env.store.SetJobStatus(ctx, "job1", model.JobDone))

	// Without force the existing summary is protected.
	resp, err := http.Post(env.ts.URL+"/jobs/job1/summary", "application/json",
		strings.NewReader(`{"prompt":"shorter"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(env.ts.URL+"/jobs/job1/summary", "application/json",
		strings.NewReader(`{"prompt":"shorter","force":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Len(t, env.tasks.finalizes, 1)
	_, err = env.store.GetSummary(ctx, "job1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	job, err := env.store.GetJob(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobSummarizing, job.Status)
	require.NotNil(t, job.Instruction)
	assert.Equal(t, "shorter", *job.Instruction)
}

func TestRebuildSummaryNeedsSegmentSummaries(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "", 1)

	resp, err := http.Post(env.ts.URL+"/jobs/job1/summary", "application/json",
		strings.NewReader(`{"force":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	seedAPIJob(t, env, "job1", "alice", 1)
	seedAPIJob(t, env, "job2", "bob", 1)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []model.JobListItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "job1", items[0].ID)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
