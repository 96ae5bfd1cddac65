package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	pathpkg "path"
	"strings"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// ArchiveStore lists and reads archived files.
type ArchiveStore interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// archiveRoot is the only tree the archive routes expose.
const archiveRoot = "archive/"

// ArchiveHandler serves archive listing and manual archive runs.
type ArchiveHandler struct {
	blobs     ArchiveStore
	triggerCh chan<- struct{}
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. blobs may be nil when no
// archive store is configured.
func NewArchiveHandler(blobs ArchiveStore, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger.With(slog.String("handler", "archive"))}
}

// WithTriggerChannel sets the channel to send on when a run is requested.
// The archive loop must receive from this channel to run once.
func (h *ArchiveHandler) WithTriggerChannel(ch chan<- struct{}) *ArchiveHandler {
	h.triggerCh = ch
	return h
}

type archiveListResponse struct {
	Files []domain.BlobInfo `json:"files"`
}

// List returns archived files under an optional prefix.
// GET /api/archive?prefix=archive/escrows/
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archive store not configured")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = archiveRoot
	}
	if !underArchiveRoot(prefix) {
		writeError(w, http.StatusBadRequest, "prefix must be under "+archiveRoot)
		return
	}
	files, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeServiceError(w, r, h.logger, "list archive", err)
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, archiveListResponse{Files: files})
}

// File streams one archived JSONL file.
// GET /api/archive/file?path=archive/escrows/2026/01/02/030000.jsonl
func (h *ArchiveHandler) File(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archive store not configured")
		return
	}
	path := r.URL.Query().Get("path")
	if !underArchiveRoot(path) || strings.HasSuffix(path, "/") {
		writeError(w, http.StatusBadRequest, "path must name a file under "+archiveRoot)
		return
	}

	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		writeServiceError(w, r, h.logger, "get archive file", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+pathpkg.Base(path)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive download interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func underArchiveRoot(p string) bool {
	if !strings.HasPrefix(p, archiveRoot) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}

// Trigger enqueues one archive run. A run already pending absorbs the
// request.
// POST /api/archive/trigger
func (h *ArchiveHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusServiceUnavailable, "archiver not running")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: archive trigger requested")
	select {
	case h.triggerCh <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
