package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"subit/internal/bootstrap"
	"subit/internal/media"
	"subit/internal/results"
	"subit/internal/segment"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	app    *bootstrap.App
	logger *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(app *bootstrap.App, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{app: app, logger: logger}
}

// Router builds the service route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/api/transcribe", h.Transcribe).Methods(http.MethodPost)
	r.HandleFunc("/api/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/transcriptions", h.Transcriptions).Methods(http.MethodGet)
	r.HandleFunc("/api/transcriptions/{index:[0-9]+}", h.Transcription).Methods(http.MethodGet)
	r.HandleFunc("/api/events", h.Events).Methods(http.MethodGet)
	r.HandleFunc("/api/reset", h.Reset).Methods(http.MethodPost)
	r.HandleFunc("/api/config", h.Config).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{name}", h.ServeUpload).Methods(http.MethodGet)
	return r
}

// Upload handles POST /api/upload and stages one media file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.app.Config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	upload, err := h.app.SaveUpload(r.Context(), header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, bootstrap.ErrUnsupportedMedia):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			var mediaErr *media.MediaError
			if errors.As(err, &mediaErr) {
				writeError(w, http.StatusUnprocessableEntity, "media file is not readable")
				return
			}
			h.logger.Error("upload failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to store upload")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"videoId":  upload.ID,
		"filename": upload.FileName,
		"duration": upload.Duration,
		"url":      "/uploads/" + upload.StoredName,
	})
}

// Transcribe handles POST /api/transcribe and starts a new job generation.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VideoID string `json:"videoId"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	upload, ok := h.app.CurrentUpload()
	if !ok {
		writeError(w, http.StatusBadRequest, "no media file has been uploaded")
		return
	}
	if req.VideoID != "" && req.VideoID != upload.ID {
		writeError(w, http.StatusBadRequest, "unknown video id")
		return
	}

	status, err := h.app.StartTranscription(r.Context())
	if err != nil {
		if errors.Is(err, segment.ErrInvalidInput) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"generation": status.Generation,
				"error":      "media has no usable audio duration",
			})
			return
		}
		h.logger.Error("transcribe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start transcription")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"generation": status.Generation,
		"state":      status.State,
		"total":      status.TotalSegments,
	})
}

// Status handles GET /api/status and reports job progress.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	gen, ok := parseGeneration(w, r)
	if !ok {
		return
	}

	status, err := h.app.Orchestrator.Status(gen)
	if err != nil {
		h.writeStale(w)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Transcriptions handles GET /api/transcriptions and returns the ordered
// snapshot for a generation.
func (h *Handler) Transcriptions(w http.ResponseWriter, r *http.Request) {
	gen, ok := parseGeneration(w, r)
	if !ok {
		return
	}

	snapshot, err := h.app.Orchestrator.Results(gen)
	if err != nil {
		h.writeStale(w)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Transcription handles GET /api/transcriptions/{index} for one segment.
func (h *Handler) Transcription(w http.ResponseWriter, r *http.Request) {
	gen, ok := parseGeneration(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid segment index")
		return
	}

	result, err := h.app.Orchestrator.Result(gen, index)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, results.ErrNotFound):
		writeError(w, http.StatusNotFound, "segment not transcribed yet")
	default:
		h.writeStale(w)
	}
}

// Events handles GET /api/events for incremental event log reads.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' parameter")
			return
		}
		since = parsed
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": h.app.Events.Since(since),
	})
}

// Reset handles POST /api/reset and tears down all service state.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.app.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Config handles GET /api/config and reports client-facing limits.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"maxUploadBytes": cfg.MaxUploadBytes,
		"segmentSeconds": cfg.SegmentSeconds,
		"sampleRate":     cfg.SampleRate,
		"language":       cfg.Language,
	})
}

// Health handles GET /api/health and reruns startup diagnostics.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.app.RefreshDiagnostics()

	status := "ok"
	if report.HasFailures {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"diagnostics": report,
	})
}

// ServeUpload handles GET /uploads/{name} for media playback. Only the
// currently staged upload is served; stored names are UUID-based so the
// path carries no client-controlled file names.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.app.CurrentUpload()
	if !ok || mux.Vars(r)["name"] != upload.StoredName {
		writeError(w, http.StatusNotFound, "no such upload")
		return
	}
	http.ServeFile(w, r, filepath.Clean(upload.Path))
}

// writeStale reports a stale-generation read with the current token so the
// client can resubscribe.
func (h *Handler) writeStale(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error":             "stale generation",
		"currentGeneration": h.app.Orchestrator.Generation(),
	})
}

// parseGeneration reads the optional generation query parameter. Zero means
// the current generation.
func parseGeneration(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("generation")
	if raw == "" {
		return 0, true
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'generation' parameter")
		return 0, false
	}
	return gen, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
