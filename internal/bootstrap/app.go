package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"subit/internal/asr"
	"subit/internal/config"
	"subit/internal/diagnostics"
	"subit/internal/domain"
	"subit/internal/jobs"
	"subit/internal/media"
)

// ErrNoUpload is returned when transcription starts without staged media.
var ErrNoUpload = errors.New("no media file has been uploaded")

// ErrUnsupportedMedia is returned for uploads with a disallowed extension.
var ErrUnsupportedMedia = errors.New("unsupported media type")

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

// App wires configuration, media extraction, the speech engine, and the job
// orchestrator, and tracks the single staged upload.
type App struct {
	Config       *config.Config
	Orchestrator *jobs.Orchestrator
	Events       *jobs.EventBus
	Diagnostics  domain.DiagnosticReport

	checker   *diagnostics.Checker
	logger    *slog.Logger
	openMedia func(ctx context.Context, path string) (jobs.MediaSource, error)

	mu     sync.Mutex
	upload *domain.Upload
}

// New builds the application with startup diagnostics and real collaborators.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare upload directory: %w", err)
	}

	checker := diagnostics.NewChecker()
	report := checker.Run(cfg)

	extractor := media.NewExtractor(cfg.SampleRate)
	engine := asr.NewEngine(cfg.WhisperPath, cfg.ModelPath, cfg.Language, cfg.SampleRate)
	events := jobs.NewEventBus(cfg.EventBuffer)

	return &App{
		Config:       cfg,
		Orchestrator: jobs.NewOrchestrator(engine, cfg.SegmentSeconds, cfg.DrainTimeout, events, logger),
		Events:       events,
		Diagnostics:  report,
		checker:      checker,
		logger:       logger,
		openMedia: func(ctx context.Context, path string) (jobs.MediaSource, error) {
			return extractor.Open(ctx, path)
		},
	}, nil
}

// SaveUpload stages a new media file in the upload directory and probes its
// duration. The previous upload, if any, is replaced and its file removed.
func (a *App) SaveUpload(ctx context.Context, fileName string, body io.Reader) (domain.Upload, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !allowedExtensions[ext] {
		return domain.Upload{}, fmt.Errorf("%w: %q", ErrUnsupportedMedia, ext)
	}

	id := uuid.New().String()
	storedName := id + ext
	path := filepath.Join(a.Config.UploadDir, storedName)

	out, err := os.Create(path)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(out, body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return domain.Upload{}, fmt.Errorf("write upload file: %w", err)
	}

	source, err := a.openMedia(ctx, path)
	if err != nil {
		_ = os.Remove(path)
		return domain.Upload{}, err
	}

	upload := domain.Upload{
		ID:         id,
		FileName:   filepath.Base(fileName),
		StoredName: storedName,
		Path:       path,
		SizeBytes:  size,
		Duration:   source.Duration(),
		UploadedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	previous := a.upload
	a.upload = &upload
	a.mu.Unlock()

	if previous != nil && previous.Path != path {
		if err := os.Remove(previous.Path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("remove replaced upload", "path", previous.Path, "error", err)
		}
	}

	a.logger.Info("upload staged", "file", upload.FileName, "bytes", size, "duration", upload.Duration)
	return upload, nil
}

// CurrentUpload returns the staged upload, if any.
func (a *App) CurrentUpload() (domain.Upload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.upload == nil {
		return domain.Upload{}, false
	}
	return *a.upload, true
}

// StartTranscription submits the staged upload as a new job generation,
// superseding any running job.
func (a *App) StartTranscription(ctx context.Context) (domain.JobStatus, error) {
	a.mu.Lock()
	upload := a.upload
	a.mu.Unlock()
	if upload == nil {
		return domain.JobStatus{}, ErrNoUpload
	}

	source, err := a.openMedia(ctx, upload.Path)
	if err != nil {
		return domain.JobStatus{}, err
	}

	gen, err := a.Orchestrator.Submit(source)
	if err != nil {
		status, _ := a.Orchestrator.Status(gen)
		return status, err
	}

	a.logger.Info("transcription started", "generation", gen, "file", upload.FileName)
	status, err := a.Orchestrator.Status(gen)
	return status, err
}

// Reset cancels any running job, discards all results, and removes the
// staged upload.
func (a *App) Reset() {
	a.Orchestrator.Reset()

	a.mu.Lock()
	upload := a.upload
	a.upload = nil
	a.mu.Unlock()

	if upload != nil {
		if err := os.Remove(upload.Path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("remove upload on reset", "path", upload.Path, "error", err)
		}
	}

	a.logger.Info("service reset")
}

// RefreshDiagnostics reruns dependency checks and caches the report.
func (a *App) RefreshDiagnostics() domain.DiagnosticReport {
	report := a.checker.Run(a.Config)

	a.mu.Lock()
	a.Diagnostics = report
	a.mu.Unlock()

	return report
}

// NewForTests builds an app with an injected media opener and no
// filesystem or PATH requirements beyond the upload directory.
func NewForTests(cfg *config.Config, openMedia func(ctx context.Context, path string) (jobs.MediaSource, error), transcriber jobs.Transcriber, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	events := jobs.NewEventBus(cfg.EventBuffer)
	return &App{
		Config:       cfg,
		Orchestrator: jobs.NewOrchestrator(transcriber, cfg.SegmentSeconds, cfg.DrainTimeout, events, logger),
		Events:       events,
		checker:      diagnostics.NewChecker(),
		logger:       logger,
		openMedia:    openMedia,
	}
}
