package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mediastash/mediastash/internal/logctx"
	"github.com/mediastash/mediastash/internal/mediaserver"
	"github.com/mediastash/mediastash/internal/reconcile"
	"github.com/mediastash/mediastash/internal/storage"
)

// MediaResolver resolves a media key to its full metadata before a download
// is admitted.
type MediaResolver interface {
	ItemMetadata(ctx context.Context, key string) (*mediaserver.MediaItem, error)
}

// DownloadController is the lifecycle surface the handler drives.
type DownloadController interface {
	StartDownload(ctx context.Context, serverID string, item *mediaserver.MediaItem) (int64, error)
	PauseDownload(ctx context.Context, id int64) error
	ResumeDownload(ctx context.Context, id int64) error
	CancelAndDelete(ctx context.Context, id int64) error
	ListDownloads(ctx context.Context) ([]*storage.DownloadRecord, error)
}

// OrphanScanner reports files on disk no download record accounts for.
type OrphanScanner interface {
	FindOrphanedFiles(ctx context.Context) ([]reconcile.Orphan, error)
}

type DownloadHandler struct {
	controller DownloadController
	media      MediaResolver
	orphans    OrphanScanner
}

// NewDownloadHandler creates the REST handler for the download lifecycle.
func NewDownloadHandler(controller DownloadController, media MediaResolver, orphans OrphanScanner) *DownloadHandler {
	return &DownloadHandler{
		controller: controller,
		media:      media,
		orphans:    orphans,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads/orphans", h.HandleOrphans)
	r.Post("/downloads/{id}/pause", h.HandlePause)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Delete("/downloads/{id}", h.HandleDelete)

	return r
}

type createDownloadRequest struct {
	ServerID string `json:"serverId"`
	MediaKey string `json:"mediaKey"`
}

type downloadResponse struct {
	ID              int64     `json:"id"`
	MediaKey        string    `json:"mediaKey"`
	ServerID        string    `json:"serverId"`
	Status          string    `json:"status"`
	LocalFilePath   string    `json:"localFilePath"`
	ThumbnailPath   string    `json:"thumbnailPath,omitempty"`
	FileSize        int64     `json:"fileSize"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toDownloadResponse(rec *storage.DownloadRecord) downloadResponse {
	return downloadResponse{
		ID:              rec.ID,
		MediaKey:        rec.MediaKey,
		ServerID:        rec.ServerID,
		Status:          string(rec.Status),
		LocalFilePath:   rec.LocalFilePath,
		ThumbnailPath:   rec.ThumbnailPath,
		FileSize:        rec.FileSize,
		DownloadedBytes: rec.DownloadedBytes,
		ErrorMessage:    rec.ErrorMessage,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// HandleCreate admits a new download for a media item.
func (h *DownloadHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ServerID == "" || req.MediaKey == "" {
		http.Error(w, "serverId and mediaKey are required", http.StatusBadRequest)

		return
	}

	item, err := h.media.ItemMetadata(r.Context(), req.MediaKey)
	if err != nil {
		logger.Error("failed to resolve media metadata", "media_key", req.MediaKey, "err", err)
		http.Error(w, "failed to resolve media metadata", http.StatusBadGateway)

		return
	}

	id, err := h.controller.StartDownload(r.Context(), req.ServerID, item)
	if err != nil {
		h.writeLifecycleError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(map[string]int64{"id": id}); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleList returns all download records, newest first.
func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.controller.ListDownloads(r.Context())
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)

		return
	}

	out := make([]downloadResponse, len(records))
	for i, rec := range records {
		out[i] = toDownloadResponse(rec)
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(map[string]any{"downloads": out}); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleOrphans returns files in the download directory with no record.
func (h *DownloadHandler) HandleOrphans(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	orphans, err := h.orphans.FindOrphanedFiles(r.Context())
	if err != nil {
		logger.Error("failed to scan for orphaned files", "err", err)
		http.Error(w, "failed to scan for orphaned files", http.StatusInternalServerError)

		return
	}

	if orphans == nil {
		orphans = []reconcile.Orphan{}
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(map[string][]reconcile.Orphan{"orphans": orphans}); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	if err := h.controller.PauseDownload(r.Context(), id); err != nil {
		h.writeLifecycleError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	if err := h.controller.ResumeDownload(r.Context(), id); err != nil {
		h.writeLifecycleError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	if err := h.controller.CancelAndDelete(r.Context(), id); err != nil {
		h.writeLifecycleError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) downloadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return 0, false
	}

	return id, true
}

func (h *DownloadHandler) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	switch {
	case errors.Is(err, storage.ErrAlreadyQueued):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "download not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrServerNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Error("download operation failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
