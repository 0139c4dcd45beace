package segmenter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts ffprobe/ffmpeg invocations.
type fakeRunner struct {
	durations map[string]string // path -> ffprobe stdout
	splitErr  error
	calls     []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, name)
	if name == "ffprobe" {
		path := args[len(args)-1]
		if out, ok := f.durations[path]; ok {
			return out, "", nil
		}
		return "", "no such file", errors.New("exit status 1")
	}
	// ffmpeg split call
	if f.splitErr != nil {
		return "", "invalid data found", f.splitErr
	}
	return "", "", nil
}

func newTestSegmenter(runner *fakeRunner, files []string) *Segmenter {
	return &Segmenter{
		ffmpegBin:  "ffmpeg",
		ffprobeBin: "ffprobe",
		timeout:    time.Minute,
		runner:     runner,
		glob:       func(string) ([]string, error) { return files, nil },
	}
}

func TestProbe(t *testing.T) {
	runner := &fakeRunner{durations: map[string]string{"/tmp/audio.mp3": "412.5\n"}}
	s := newTestSegmenter(runner, nil)

	dur, err := s.Probe(context.Background(), "/tmp/audio.mp3")
	require.NoError(t, err)
	assert.Equal(t, 412.5, dur)
}

func TestProbeFailure(t *testing.T) {
	s := newTestSegmenter(&fakeRunner{}, nil)

	_, err := s.Probe(context.Background(), "/tmp/missing.mp3")
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "probe", serr.Stage)
}

func TestSplit(t *testing.T) {
	outDir := t.TempDir()
	files := []string{
		filepath.Join(outDir, "segment_000.mp3"),
		filepath.Join(outDir, "segment_001.mp3"),
		filepath.Join(outDir, "segment_002.mp3"),
	}
	runner := &fakeRunner{durations: map[string]string{
		"/tmp/audio.mp3": "400\n",
		files[0]:         "180.0\n",
		files[1]:         "180.0\n",
		files[2]:         "40.0\n",
	}}
	s := newTestSegmenter(runner, files)

	infos, err := s.Split(context.Background(), "/tmp/audio.mp3", 180, outDir)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, 0, infos[0].Index)
	assert.Equal(t, 0, infos[0].StartSec)
	assert.Equal(t, 180, infos[0].EndSec)
	assert.Equal(t, 180.0, infos[0].DurationSec)

	assert.Equal(t, 2, infos[2].Index)
	assert.Equal(t, 360, infos[2].StartSec)
	// Last slice is clamped to the probed total.
	assert.Equal(t, 400, infos[2].EndSec)
	assert.Equal(t, 40.0, infos[2].DurationSec)
}

func TestSplitFallsBackToComputedDuration(t *testing.T) {
	outDir := t.TempDir()
	files := []string{filepath.Join(outDir, "segment_000.mp3")}
	// Only the source probes; the slice probe fails.
	runner := &fakeRunner{durations: map[string]string{"/tmp/audio.mp3": "90\n"}}
	s := newTestSegmenter(runner, files)

	infos, err := s.Split(context.Background(), "/tmp/audio.mp3", 180, outDir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 90.0, infos[0].DurationSec)
}

func TestSplitRejectsTooShortAudio(t *testing.T) {
	runner := &fakeRunner{durations: map[string]string{"/tmp/blip.mp3": "0.4\n"}}
	s := newTestSegmenter(runner, nil)

	_, err := s.Split(context.Background(), "/tmp/blip.mp3", 180, t.TempDir())
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestSplitSurfacesFfmpegFailure(t *testing.T) {
	runner := &fakeRunner{
		durations: map[string]string{"/tmp/audio.mp3": "400\n"},
		splitErr:  errors.New("exit status 1"),
	}
	s := newTestSegmenter(runner, nil)

	_, err := s.Split(context.Background(), "/tmp/audio.mp3", 180, t.TempDir())
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "split", serr.Stage)
	assert.Contains(t, serr.Message, "invalid data")
}
