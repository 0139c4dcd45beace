// Package segmenter splits an audio file into fixed-duration slices with
// ffmpeg's segment muxer and probes durations with ffprobe. Copy mode avoids
// re-encoding so splitting is fast and preserves the original codec.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SegmentInfo describes one slice produced by Split, in index order.
type SegmentInfo struct {
	Index       int
	Path        string
	StartSec    int
	EndSec      int
	DurationSec float64
}

// Error is a stage-aware segmentation failure.
type Error struct {
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("segmenter %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("segmenter %s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrTooShort is returned when the source audio is below the minimum length.
var ErrTooShort = errors.New("audio too short")

const minAudioSeconds = 1.0

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Segmenter shells out to ffmpeg/ffprobe.
type Segmenter struct {
	ffmpegBin  string
	ffprobeBin string
	timeout    time.Duration
	runner     commandRunner
	glob       func(pattern string) ([]string, error)
}

// New constructs a Segmenter around the given binaries.
func New(ffmpegBin, ffprobeBin string) *Segmenter {
	return &Segmenter{
		ffmpegBin:  ffmpegBin,
		ffprobeBin: ffprobeBin,
		timeout:    5 * time.Minute,
		runner:     execRunner{},
		glob:       filepath.Glob,
	}
}

// Probe returns the duration of an audio file in seconds.
func (s *Segmenter) Probe(ctx context.Context, path string) (float64, error) {
	stdout, stderr, err := s.runner.Run(ctx, s.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, &Error{Stage: "probe", Message: strings.TrimSpace(stderr), Err: err}
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
	if err != nil {
		return 0, &Error{Stage: "probe", Message: "unparseable duration", Err: err}
	}
	return dur, nil
}

// Split slices srcPath into chunkSeconds pieces inside outDir and returns the
// slices in index order. The last slice may be shorter than chunkSeconds.
func (s *Segmenter) Split(ctx context.Context, srcPath string, chunkSeconds int, outDir string) ([]SegmentInfo, error) {
	total, err := s.Probe(ctx, srcPath)
	if err != nil {
		return nil, err
	}
	if total < minAudioSeconds {
		return nil, &Error{Stage: "validate", Message: fmt.Sprintf("audio is %.1fs", total), Err: ErrTooShort}
	}

	ext := strings.ToLower(filepath.Ext(srcPath))
	if ext == "" {
		ext = ".mp3"
	}
	pattern := filepath.Join(outDir, "segment_%03d"+ext)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, stderr, err := s.runner.Run(runCtx, s.ffmpegBin,
		"-i", srcPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSeconds),
		"-c", "copy",
		"-reset_timestamps", "1",
		"-y",
		pattern)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Stage: "split", Message: "ffmpeg timed out", Err: runCtx.Err()}
		}
		return nil, &Error{Stage: "split", Message: strings.TrimSpace(stderr), Err: err}
	}

	files, err := s.glob(filepath.Join(outDir, "segment_*"+ext))
	if err != nil {
		return nil, &Error{Stage: "collect", Message: "glob failed", Err: err}
	}
	if len(files) == 0 {
		return nil, &Error{Stage: "collect", Message: "ffmpeg produced no segments"}
	}
	sort.Strings(files)

	totalSec := int(total)
	infos := make([]SegmentInfo, 0, len(files))
	for i, f := range files {
		start := i * chunkSeconds
		end := start + chunkSeconds
		if end > totalSec {
			end = totalSec
		}
		dur, probeErr := s.Probe(ctx, f)
		if probeErr != nil {
			// Fall back to the computed window when a slice cannot be probed.
			dur = float64(end - start)
		}
		infos = append(infos, SegmentInfo{
			Index:       i,
			Path:        f,
			StartSec:    start,
			EndSec:      end,
			DurationSec: dur,
		})
	}
	return infos, nil
}
