// Package api exposes the HTTP surface: synchronous upload-and-wait, job
// history, segment management and summary retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mplaza/audiobrief/internal/config"
	"github.com/mplaza/audiobrief/internal/model"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/segmenter"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, userRef string) ([]model.JobListItem, error)
	SetJobStatus(ctx context.Context, id string, status model.JobStatus) error
	SetJobDuration(ctx context.Context, id string, seconds int) error
	SetInstruction(ctx context.Context, id, instruction string) error
	ListSegments(ctx context.Context, jobID string) ([]model.Segment, error)
	ReplaceSegments(ctx context.Context, jobID string, segs []model.Segment) error
	ResetSegments(ctx context.Context, jobID string) error
	SegmentCounts(ctx context.Context, jobID string) (model.SegmentCounts, error)
	GetSummary(ctx context.Context, jobID string) (*model.Summary, error)
	DeleteSummary(ctx context.Context, jobID string) error
	BeginFinalize(ctx context.Context, id string) (bool, error)
}

// Splitter probes and slices audio files.
type Splitter interface {
	Probe(ctx context.Context, path string) (float64, error)
	Split(ctx context.Context, srcPath string, chunkSeconds int, outDir string) ([]segmenter.SegmentInfo, error)
}

// ObjectStore moves audio and segment files in and out of object storage.
type ObjectStore interface {
	UploadAudio(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DownloadAudioTo(ctx context.Context, objectKey, destPath string) error
	UploadSegmentFile(ctx context.Context, objectKey, path string) error
	RemoveSegmentPrefix(ctx context.Context, prefix string) error
}

// Enqueuer dispatches pipeline tasks.
type Enqueuer interface {
	EnqueueTranscribe(ctx context.Context, p queue.TranscribePayload) error
	EnqueueFinalize(ctx context.Context, p queue.FinalizePayload) error
}

// Server exposes the HTTP endpoints.
type Server struct {
	cfg      *config.Config
	store    Store
	objects  ObjectStore
	splitter Splitter
	tasks    Enqueuer

	// Poll cadence for the synchronous upload handler; overridable in tests.
	pollInterval time.Duration
	waitCeiling  time.Duration

	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store Store, objects ObjectStore, splitter Splitter, tasks Enqueuer) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		objects:      objects,
		splitter:     splitter,
		tasks:        tasks,
		pollInterval: cfg.SyncPollInterval,
		waitCeiling:  cfg.SyncWaitCeiling,
	}
}

// Handler builds the route table. Exposed separately from Run so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobRoute)
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoute dispatches /jobs/{id}, /jobs/{id}:transcribe,
// /jobs/{id}/segments:rebuild and /jobs/{id}/summary.
func (s *Server) handleJobRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, action, hasAction := strings.Cut(parts[0], ":")
	switch {
	case len(parts) == 1 && !hasAction:
		s.handleJobDetail(w, r, id)
	case len(parts) == 1 && action == "transcribe":
		s.handleTranscribe(w, r, id)
	case len(parts) == 2 && parts[1] == "segments:rebuild":
		s.handleRebuildSegments(w, r, id)
	case len(parts) == 2 && parts[1] == "summary":
		s.handleSummary(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// userRef identifies the caller for job scoping. Empty means unscoped.
func userRef(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User"))
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (t *tempUpload) cleanup() {
	t.f.Close()
	os.Remove(t.path)
}

// persistTemp streams a multipart file part to a temp file, enforcing the
// upload size cap and sniffing the content type along the way.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "audiobrief-upload-*")
	if err != nil {
		return nil, errors.New("create temp file failed")
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxUploadSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, errors.New("file exceeds upload limit")
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, errors.New("write temp file failed")
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, errors.New("read upload failed")
		}
	}
	if written == 0 {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if _, err := tmpFile.Seek(0, 0); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("rewind temp file failed")
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.mp3"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
