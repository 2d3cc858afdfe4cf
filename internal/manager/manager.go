// Package manager owns the download lifecycle state machine: it turns a
// "download this media item" request into a durable, resumable, retryable
// background transfer and keeps the record store as the single source of
// truth throughout.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mediastash/mediastash/internal/logctx"
	"github.com/mediastash/mediastash/internal/mediaserver"
	"github.com/mediastash/mediastash/internal/storage"
	"github.com/mediastash/mediastash/internal/telemetry"
	"github.com/mediastash/mediastash/internal/transfer"
)

const (
	dirPerm = 0755

	defaultMaxConcurrent      = 3
	defaultMaxRetries         = 3
	defaultRetryBaseDelay     = 2 * time.Second
	defaultProgressWriteEvery = 2 * time.Second
	defaultCheckpointEvery    = 15 * time.Second

	eventBuffer = 16
)

// ThumbnailFetcher is the slice of the media server client the manager
// needs: a best-effort preview image download at job creation time.
type ThumbnailFetcher interface {
	FetchThumbnail(ctx context.Context, item *mediaserver.MediaItem, destDir string) (string, error)
}

// Config carries the manager's tuning knobs. Zero values fall back to
// defaults.
type Config struct {
	DownloadDir        string
	ThumbnailDir       string
	MaxConcurrent      int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	ProgressWriteEvery time.Duration
	CheckpointEvery    time.Duration
}

// Manager coordinates all concurrently active downloads. The active map is
// the only in-memory lifecycle state: a record reading "downloading" in the
// store while absent from this map means a prior process died mid-transfer.
type Manager struct {
	downloads storage.DownloadRepository
	servers   storage.ServerRepository
	media     ThumbnailFetcher
	adapter   *transfer.Adapter
	tel       *telemetry.Telemetry
	cfg       Config

	baseCtx context.Context

	mu     sync.Mutex
	active map[int64]*task

	// OnDownloadCompleted and OnDownloadFailed receive terminal records.
	// Sends are non-blocking; slow consumers miss events rather than
	// stalling a transfer loop.
	OnDownloadCompleted chan *storage.DownloadRecord
	OnDownloadFailed    chan *storage.DownloadRecord
}

// task is one attached execution loop. The handle is swapped in place
// across retry attempts so the download id stays attached throughout.
type task struct {
	id        int64
	startedAt time.Time

	mu                  sync.Mutex
	handle              *transfer.Handle
	lastProgressWrite   time.Time
	lastCheckpointWrite time.Time
}

func (t *task) currentHandle() *transfer.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.handle
}

func (t *task) swapHandle(h *transfer.Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

func New(ctx context.Context, downloads storage.DownloadRepository, servers storage.ServerRepository, media ThumbnailFetcher, adapter *transfer.Adapter, tel *telemetry.Telemetry, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}

	if cfg.ProgressWriteEvery <= 0 {
		cfg.ProgressWriteEvery = defaultProgressWriteEvery
	}

	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}

	if cfg.ThumbnailDir == "" {
		cfg.ThumbnailDir = filepath.Join(cfg.DownloadDir, ".thumbnails")
	}

	return &Manager{
		downloads:           downloads,
		servers:             servers,
		media:               media,
		adapter:             adapter,
		tel:                 tel,
		cfg:                 cfg,
		baseCtx:             ctx,
		active:              make(map[int64]*task),
		OnDownloadCompleted: make(chan *storage.DownloadRecord, eventBuffer),
		OnDownloadFailed:    make(chan *storage.DownloadRecord, eventBuffer),
	}
}

// StartDownload creates a download record for the item and begins the
// transfer asynchronously, returning the new record id immediately. A
// non-failed record for the same (mediaKey, serverID) pair rejects the
// request; a failed one is deleted and replaced. When the concurrent
// transfer bound is reached the record is still created but stays pending
// until promoted via ResumeDownload.
func (m *Manager) StartDownload(ctx context.Context, serverID string, item *mediaserver.MediaItem) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	existing, err := m.downloads.GetByMediaKey(ctx, item.Key, serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to check for existing download: %w", err)
	}

	if existing != nil {
		if existing.Status != storage.StatusFailed {
			return 0, fmt.Errorf("%s: %w", item.DisplayName(), storage.ErrAlreadyQueued)
		}

		logger.Info("replacing failed download", "download_id", existing.ID, "media_key", item.Key)
		m.removeLocalFiles(ctx, existing)

		if err := m.downloads.Delete(ctx, existing.ID); err != nil {
			return 0, fmt.Errorf("failed to replace failed download: %w", err)
		}
	}

	snap, err := item.Snapshot()
	if err != nil {
		return 0, err
	}

	snapData, err := snap.Encode()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(m.cfg.DownloadDir, dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	rec := &storage.DownloadRecord{
		MediaKey:         item.Key,
		ServerID:         serverID,
		LocalFilePath:    filepath.Join(m.cfg.DownloadDir, uniqueFileName(snap.FileName)),
		MetadataSnapshot: snapData,
		Status:           storage.StatusPending,
		FileSize:         snap.Size,
	}

	id, err := m.downloads.Create(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to create download record: %w", err)
	}

	logger.Info("download queued", "download_id", id, "media_key", item.Key,
		"target", rec.LocalFilePath, "size", humanize.Bytes(uint64(snap.Size)))

	// Thumbnail failures must never fail the download itself.
	if m.media != nil {
		if thumbPath, thumbErr := m.media.FetchThumbnail(ctx, item, m.cfg.ThumbnailDir); thumbErr != nil {
			logger.Warn("thumbnail fetch failed", "download_id", id, "err", thumbErr)
		} else if err := m.downloads.UpdateThumbnailPath(ctx, id, thumbPath); err != nil {
			logger.Warn("failed to persist thumbnail path", "download_id", id, "err", err)
		} else {
			rec.ThumbnailPath = thumbPath
		}
	}

	if m.ActiveCount() >= m.cfg.MaxConcurrent {
		logger.Info("transfer slots full, download stays pending", "download_id", id)

		return id, nil
	}

	if err := m.beginTransfer(ctx, rec, nil); err != nil {
		return id, err
	}

	return id, nil
}

// PauseDownload halts a download's transfer if one is live, persists its
// checkpoint and marks the record paused. Idempotent: pausing a download
// with no live transfer only writes the status.
func (m *Manager) PauseDownload(ctx context.Context, id int64) error {
	rec, err := m.downloads.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return storage.ErrNotFound
	}

	if rec.Status == storage.StatusCompleted {
		return nil
	}

	if t := m.detach(id); t != nil {
		// A reservation mid-construction has no handle yet; detaching it is
		// enough, the constructor backs off when it sees the detach.
		if h := t.currentHandle(); h != nil {
			cp := h.Pause()
			m.persistCheckpoint(ctx, id, cp)
		}

		m.tel.DecrementActiveDownloads()
	}

	return m.downloads.UpdateStatus(ctx, id, storage.StatusPaused, "")
}

// ResumeDownload reattaches a paused or pending download and continues the
// transfer. It is a no-op for attached or completed downloads. The remote
// URL is rebuilt fresh from the immutable metadata snapshot and the
// server's current base URL and token every time.
func (m *Manager) ResumeDownload(ctx context.Context, id int64) error {
	if m.isAttached(id) {
		return nil
	}

	rec, err := m.downloads.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return storage.ErrNotFound
	}

	if rec.Status == storage.StatusCompleted {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	cp := m.decodeCheckpoint(ctx, rec)
	if cp == nil && len(rec.ResumeCheckpoint) > 0 {
		logger.Warn("discarding unusable resume checkpoint", "download_id", id)
	}

	return m.beginTransfer(ctx, rec, cp)
}

// CancelAndDelete detaches any live transfer, removes the backing file and
// thumbnail best-effort, and deletes the record. Idempotent.
func (m *Manager) CancelAndDelete(ctx context.Context, id int64) error {
	if t := m.detach(id); t != nil {
		if h := t.currentHandle(); h != nil {
			// Transfer teardown failures are expected fallout of cancel.
			_ = h.Pause()
		}

		m.tel.DecrementActiveDownloads()
	}

	rec, err := m.downloads.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return nil
	}

	m.removeLocalFiles(ctx, rec)

	return m.downloads.Delete(ctx, id)
}

// ListDownloads returns a full snapshot, newest first.
func (m *Manager) ListDownloads(ctx context.Context) ([]*storage.DownloadRecord, error) {
	return m.downloads.List(ctx)
}

// Attached reports whether a download currently has a live transfer.
func (m *Manager) Attached(id int64) bool {
	return m.isAttached(id)
}

// ActiveCount reports how many downloads currently have a live transfer.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// beginTransfer reserves the download in the active map, then resolves the
// server, rebuilds the download URL, constructs a transfer (resuming from cp
// when possible) and launches the execution loop. The reservation comes
// first so a racing resume backs off before any filesystem work: a fresh
// transfer discards the destination file, which must never happen to the
// file a live transfer is writing.
func (m *Manager) beginTransfer(ctx context.Context, rec *storage.DownloadRecord, cp *transfer.Checkpoint) error {
	logger := logctx.LoggerFromContext(ctx)

	t := &task{id: rec.ID, startedAt: time.Now()}
	if !m.attach(t) {
		// Lost a race with another resume; theirs is already running.
		return nil
	}

	m.tel.IncrementActiveDownloads()

	server, err := m.servers.Get(ctx, rec.ServerID)
	if err != nil {
		m.release(t)

		return fmt.Errorf("failed to resolve server: %w", err)
	}

	if server == nil {
		m.release(t)

		if err := m.downloads.UpdateStatus(ctx, rec.ID, storage.StatusFailed, storage.ErrServerNotFound.Error()); err != nil {
			logger.Error("failed to mark download failed", "download_id", rec.ID, "err", err)
		}

		return fmt.Errorf("download %d: %w", rec.ID, storage.ErrServerNotFound)
	}

	snap, err := mediaserver.DecodeSnapshot(rec.MetadataSnapshot)
	if err != nil {
		m.release(t)

		if updateErr := m.downloads.UpdateStatus(ctx, rec.ID, storage.StatusFailed, "unreadable metadata snapshot"); updateErr != nil {
			logger.Error("failed to mark download failed", "download_id", rec.ID, "err", updateErr)
		}

		return fmt.Errorf("download %d: %w", rec.ID, err)
	}

	url, err := snap.BuildDownloadURL(server.BaseURL, server.AccessToken)
	if err != nil {
		m.release(t)

		return fmt.Errorf("download %d: %w", rec.ID, err)
	}

	opts := transfer.Options{
		OnProgress: func(written, total int64) {
			m.handleProgress(t, written, total)
		},
	}

	handle, err := m.adapter.Resume(ctx, url, rec.LocalFilePath, opts, cp)
	if err != nil {
		m.release(t)

		return fmt.Errorf("failed to construct transfer: %w", err)
	}

	t.swapHandle(handle)

	if !m.isAttachedTask(t) {
		// A concurrent pause or cancel detached the reservation while the
		// transfer was being constructed.
		return nil
	}

	if err := m.downloads.UpdateStatus(ctx, rec.ID, storage.StatusDownloading, ""); err != nil {
		m.release(t)

		return fmt.Errorf("failed to mark download active: %w", err)
	}

	go m.runTransfer(logctx.WithLogger(m.baseCtx, logger), t, 1)

	return nil
}

// release rolls back a reservation made in beginTransfer.
func (m *Manager) release(t *task) {
	if m.detachIf(t) {
		m.tel.DecrementActiveDownloads()
	}
}

// runTransfer drives one attempt of a transfer and reacts to its outcome.
// It only writes terminal state while the task is still attached, so a
// concurrent pause or cancel always wins the race.
func (m *Manager) runTransfer(ctx context.Context, t *task, attempt int) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", t.id)

	outcome, err := t.currentHandle().Run(ctx)
	if err != nil {
		m.handleFailure(ctx, t, attempt, err)

		return
	}

	if !m.detachIf(t) {
		logger.Debug("transfer finished after detach, dropping result")

		return
	}

	m.tel.DecrementActiveDownloads()

	if _, statErr := os.Stat(outcome.Path); statErr != nil {
		logger.Error("completed transfer missing on disk", "path", outcome.Path, "err", statErr)
		m.finishFailed(ctx, t.id, "completed transfer missing on disk")

		return
	}

	if err := m.downloads.UpdateProgress(ctx, t.id, outcome.Size, outcome.Size); err != nil {
		logger.Error("failed to record final size", "err", err)
	}

	if err := m.downloads.UpdateCheckpoint(ctx, t.id, nil); err != nil {
		logger.Error("failed to clear checkpoint", "err", err)
	}

	if err := m.downloads.UpdateStatus(ctx, t.id, storage.StatusCompleted, ""); err != nil {
		logger.Error("failed to mark download completed", "err", err)

		return
	}

	m.tel.RecordDownload("completed", time.Since(t.startedAt))
	m.tel.RecordDownloadedBytes(outcome.Bytes)

	logger.Info("download completed", "path", outcome.Path,
		"size", humanize.Bytes(uint64(outcome.Size)), "http_status", outcome.HTTPStatus)

	m.emit(ctx, m.OnDownloadCompleted, t.id)
}

func (m *Manager) handleFailure(ctx context.Context, t *task, attempt int, err error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", t.id)

	if !m.isAttachedTask(t) || t.currentHandle().Paused() {
		// Expected fallout of a concurrent pause or cancel.
		logger.Debug("transfer stopped after detach", "err", err)

		return
	}

	switch transfer.Classify(err) {
	case transfer.ClassCancelled:
		// Process shutdown: leave a checkpoint so the next start resumes.
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.persistCheckpoint(ctx, t.id, t.currentHandle().Checkpoint())
			m.updateStatus(ctx, t.id, storage.StatusPaused, "interrupted by shutdown")
		}

	case transfer.ClassTransient:
		m.retryOrGiveUp(ctx, t, attempt, err)

	case transfer.ClassTruncated:
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.persistCheckpoint(ctx, t.id, t.currentHandle().Checkpoint())
			m.updateStatus(ctx, t.id, storage.StatusPaused,
				fmt.Sprintf("connection lost mid-transfer: %v", err))
			m.tel.RecordDownload("paused", time.Since(t.startedAt))
			logger.Warn("transfer truncated, paused for resume", "err", err)
		}

	default:
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.finishFailed(ctx, t.id, err.Error())
			m.tel.RecordDownload("failed", time.Since(t.startedAt))
			logger.Error("download failed", "err", err)
		}
	}
}

// retryOrGiveUp schedules an exponential-backoff retry for a transient
// error. The task stays attached across the wait so no competing loop can
// start; the record is shown paused with a retrying message in between.
func (m *Manager) retryOrGiveUp(ctx context.Context, t *task, attempt int, cause error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", t.id)

	cp := t.currentHandle().Checkpoint()
	m.persistCheckpoint(ctx, t.id, cp)

	if attempt >= m.cfg.MaxRetries {
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.updateStatus(ctx, t.id, storage.StatusPaused,
				fmt.Sprintf("network error after %d attempts: %v", attempt, cause))
			m.tel.RecordDownload("paused", time.Since(t.startedAt))
			logger.Warn("retries exhausted, paused for manual resume", "attempts", attempt, "err", cause)
		}

		return
	}

	delay := m.cfg.RetryBaseDelay * (1 << (attempt - 1))

	m.updateStatus(ctx, t.id, storage.StatusPaused,
		fmt.Sprintf("retrying after network error (attempt %d of %d)", attempt, m.cfg.MaxRetries))

	logger.Warn("transient transfer error, retrying", "attempt", attempt, "delay", delay, "err", cause)
	m.tel.RecordTransferRetry()

	select {
	case <-ctx.Done():
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.updateStatus(ctx, t.id, storage.StatusPaused, "interrupted by shutdown")
		}

		return
	case <-time.After(delay):
	}

	if !m.isAttachedTask(t) {
		return
	}

	handle, err := m.adapter.Resume(ctx, cp.URL, cp.DestinationPath, transfer.Options{
		OnProgress: func(written, total int64) {
			m.handleProgress(t, written, total)
		},
	}, cp)
	if err != nil {
		if m.detachIf(t) {
			m.tel.DecrementActiveDownloads()
			m.finishFailed(ctx, t.id, err.Error())
		}

		return
	}

	t.swapHandle(handle)
	m.updateStatus(ctx, t.id, storage.StatusDownloading, "")
	m.runTransfer(ctx, t, attempt+1)
}

// handleProgress coalesces the adapter's progress ticks into bounded-rate
// store writes, with checkpoints on their own slower cadence so a crash
// loses at most one checkpoint interval of resume progress.
func (m *Manager) handleProgress(t *task, written, total int64) {
	if !m.isAttachedTask(t) {
		return
	}

	now := time.Now()

	t.mu.Lock()
	writeProgress := now.Sub(t.lastProgressWrite) >= m.cfg.ProgressWriteEvery
	if writeProgress {
		t.lastProgressWrite = now
	}

	writeCheckpoint := now.Sub(t.lastCheckpointWrite) >= m.cfg.CheckpointEvery
	if writeCheckpoint {
		t.lastCheckpointWrite = now
	}
	handle := t.handle
	t.mu.Unlock()

	ctx := m.baseCtx

	if writeProgress {
		if total < 0 {
			total = 0
		}

		if err := m.downloads.UpdateProgress(ctx, t.id, written, total); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to write progress", "download_id", t.id, "err", err)
		}
	}

	if writeCheckpoint {
		m.persistCheckpoint(ctx, t.id, handle.Checkpoint())
	}
}

func (m *Manager) persistCheckpoint(ctx context.Context, id int64, cp *transfer.Checkpoint) {
	logger := logctx.LoggerFromContext(ctx)

	data, err := cp.Encode()
	if err != nil {
		logger.Error("failed to encode checkpoint", "download_id", id, "err", err)

		return
	}

	if err := m.downloads.UpdateCheckpoint(ctx, id, data); err != nil {
		logger.Error("failed to persist checkpoint", "download_id", id, "err", err)
	}

	if cp.Offset > 0 {
		size := cp.Size
		if size < 0 {
			size = 0
		}

		if err := m.downloads.UpdateProgress(ctx, id, cp.Offset, size); err != nil {
			logger.Error("failed to persist progress", "download_id", id, "err", err)
		}
	}
}

func (m *Manager) decodeCheckpoint(ctx context.Context, rec *storage.DownloadRecord) *transfer.Checkpoint {
	if len(rec.ResumeCheckpoint) == 0 {
		return nil
	}

	cp, err := transfer.ParseCheckpoint(rec.ResumeCheckpoint)
	if err != nil {
		return nil
	}

	return cp
}

// finishFailed writes terminal failure state. Checkpoints are only valid
// on paused or downloading records, so it is cleared here.
func (m *Manager) finishFailed(ctx context.Context, id int64, message string) {
	logger := logctx.LoggerFromContext(ctx)

	if err := m.downloads.UpdateCheckpoint(ctx, id, nil); err != nil {
		logger.Error("failed to clear checkpoint", "download_id", id, "err", err)
	}

	m.updateStatus(ctx, id, storage.StatusFailed, message)
	m.emit(ctx, m.OnDownloadFailed, id)
}

func (m *Manager) updateStatus(ctx context.Context, id int64, status storage.DownloadStatus, message string) {
	if err := m.downloads.UpdateStatus(ctx, id, status, message); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to update status",
			"download_id", id, "status", string(status), "err", err)
	}
}

func (m *Manager) emit(ctx context.Context, ch chan *storage.DownloadRecord, id int64) {
	rec, err := m.downloads.Get(ctx, id)
	if err != nil || rec == nil {
		return
	}

	select {
	case ch <- rec:
	default:
	}
}

// removeLocalFiles deletes the backing file and thumbnail best-effort. A
// failure to delete must never prevent the record from being removed.
func (m *Manager) removeLocalFiles(ctx context.Context, rec *storage.DownloadRecord) {
	logger := logctx.LoggerFromContext(ctx)

	if rec.LocalFilePath != "" {
		if err := os.Remove(rec.LocalFilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to delete download file", "path", rec.LocalFilePath, "err", err)
		}
	}

	if rec.ThumbnailPath != "" {
		if err := os.Remove(rec.ThumbnailPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to delete thumbnail", "path", rec.ThumbnailPath, "err", err)
		}
	}
}

func (m *Manager) attach(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[t.id]; exists {
		return false
	}

	m.active[t.id] = t

	return true
}

func (m *Manager) detach(id int64) *task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.active[id]
	delete(m.active, id)

	return t
}

// detachIf removes the task only if it is still the attached one for its
// id, reporting whether this caller won the detach race.
func (m *Manager) detachIf(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[t.id] != t {
		return false
	}

	delete(m.active, t.id)

	return true
}

func (m *Manager) isAttached(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[id]

	return ok
}

func (m *Manager) isAttachedTask(t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active[t.id] == t
}

// uniqueFileName appends a timestamp before the extension so local paths
// are never reused across records.
func uniqueFileName(remoteName string) string {
	cleaned := SanitizeFileName(remoteName)
	ext := filepath.Ext(cleaned)
	stem := cleaned[:len(cleaned)-len(ext)]

	return fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext)
}
