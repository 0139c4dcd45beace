// Package transcriber runs whisper.cpp's CLI against one audio segment at a
// time. Model files are resolved once per process through ModelPool rather
// than re-checked on every task.
package transcriber

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ModelPool resolves whisper model names ("tiny", "base", "small", "medium",
// "large") to model files on disk, caching the lookup. Safe for concurrent
// use by every worker goroutine in the process.
type ModelPool struct {
	dir string

	mu     sync.Mutex
	models map[string]string
}

// NewModelPool constructs a pool rooted at the model directory.
func NewModelPool(dir string) *ModelPool {
	return &ModelPool{dir: dir, models: make(map[string]string)}
}

// Get returns the model file path for a model name, loading it on first use.
func (p *ModelPool) Get(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if path, ok := p.models[name]; ok {
		return path, nil
	}
	path := filepath.Join(p.dir, fmt.Sprintf("ggml-%s.bin", name))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("whisper model %q unavailable: %w", name, err)
	}
	p.models[name] = path
	return path, nil
}

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

// Transcriber converts one segment file to text. It carries no retry logic;
// retries belong to the orchestrator.
type Transcriber struct {
	bin    string
	pool   *ModelPool
	runner commandRunner
}

// New constructs a Transcriber around the whisper binary and model directory.
func New(bin, modelDir string) *Transcriber {
	return &Transcriber{
		bin:    bin,
		pool:   NewModelPool(modelDir),
		runner: execRunner{},
	}
}

// Transcribe runs whisper on the segment file and returns the transcript.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, modelName, language string) (string, error) {
	modelPath, err := t.pool.Get(modelName)
	if err != nil {
		return "", err
	}
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"--no-timestamps",
	}
	if language != "" {
		args = append(args, "-l", language)
	}
	stdout, stderr, err := t.runner.Run(ctx, t.bin, args...)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "whisper failed"
		}
		return "", fmt.Errorf("transcribe %s: %s: %w", filepath.Base(audioPath), msg, err)
	}
	return strings.TrimSpace(stdout), nil
}
