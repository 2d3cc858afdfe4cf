// Package reconcile repairs the record store against reality on disk. The
// startup sweep recovers from crashes mid-transfer; the orphan scan finds
// files in the download directory no record accounts for.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mediastash/mediastash/internal/logctx"
	"github.com/mediastash/mediastash/internal/storage"
)

const sweepConcurrency = 4

// Reconciler compares download records against the filesystem and rewrites
// the records to match what actually survived.
type Reconciler struct {
	downloads   storage.DownloadRepository
	servers     storage.ServerRepository
	attached    func(id int64) bool
	downloadDir string
}

// New builds a Reconciler. attached reports whether a download currently has
// a live transfer; such records are healthy and the sweep leaves them alone.
// A nil attached func treats every record as detached, which is correct for
// a fresh process.
func New(downloads storage.DownloadRepository, servers storage.ServerRepository, attached func(id int64) bool, downloadDir string) *Reconciler {
	return &Reconciler{
		downloads:   downloads,
		servers:     servers,
		attached:    attached,
		downloadDir: downloadDir,
	}
}

// Orphan is a file in the download directory no record references.
type Orphan struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Sweep walks every record without a live transfer and repairs the
// inconsistent ones:
//
//   - downloading and pending records should have had an active transfer;
//     after a crash they do not. Those whose server vanished become failed
//     outright, the rest become paused awaiting an explicit resume. The
//     sweep never starts network transfers itself.
//   - completed records whose file vanished become failed, since the bytes
//     are gone and only a fresh download can bring them back.
//   - paused records whose partial file vanished lose their checkpoint so
//     the next resume starts from zero.
//
// Sweep is safe to run repeatedly and returns the number of records it
// changed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := r.downloads.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloads: %w", err)
	}

	var repaired atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, rec := range records {
		if r.attached != nil && r.attached(rec.ID) {
			continue
		}

		g.Go(func() error {
			changed, err := r.repair(ctx, rec)
			if err != nil {
				logger.Error("failed to repair download record", "download_id", rec.ID, "err", err)

				return nil
			}

			if changed {
				repaired.Add(1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(repaired.Load()), err
	}

	if repaired.Load() > 0 {
		logger.Info("reconciliation sweep repaired records", "repaired", repaired.Load(), "total", len(records))
	}

	return int(repaired.Load()), nil
}

func (r *Reconciler) repair(ctx context.Context, rec *storage.DownloadRecord) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	onDisk := fileExists(rec.LocalFilePath)

	switch rec.Status {
	case storage.StatusDownloading, storage.StatusPending:
		server, err := r.servers.Get(ctx, rec.ServerID)
		if err != nil {
			return false, err
		}

		if server == nil {
			logger.Warn("download lost its server", "download_id", rec.ID, "server_id", rec.ServerID)

			if err := r.downloads.UpdateStatus(ctx, rec.ID, storage.StatusFailed, storage.ErrServerNotFound.Error()); err != nil {
				return false, err
			}

			return true, nil
		}

		if !onDisk && len(rec.ResumeCheckpoint) > 0 {
			if err := r.downloads.UpdateCheckpoint(ctx, rec.ID, nil); err != nil {
				return false, err
			}
		}

		message := ""
		if rec.Status == storage.StatusDownloading {
			message = "interrupted by unclean shutdown"
			logger.Warn("download was interrupted by an unclean shutdown",
				"download_id", rec.ID, "path", rec.LocalFilePath)
		}

		if err := r.downloads.UpdateStatus(ctx, rec.ID, storage.StatusPaused, message); err != nil {
			return false, err
		}

		return true, nil

	case storage.StatusCompleted:
		if onDisk {
			return false, nil
		}

		logger.Warn("completed download missing from disk", "download_id", rec.ID, "path", rec.LocalFilePath)

		if err := r.downloads.UpdateStatus(ctx, rec.ID, storage.StatusFailed, "file deleted outside the application"); err != nil {
			return false, err
		}

		return true, nil

	case storage.StatusPaused:
		if onDisk || len(rec.ResumeCheckpoint) == 0 {
			return false, nil
		}

		logger.Warn("partial file missing, discarding checkpoint", "download_id", rec.ID, "path", rec.LocalFilePath)

		if err := r.downloads.UpdateCheckpoint(ctx, rec.ID, nil); err != nil {
			return false, err
		}

		return true, nil
	}

	return false, nil
}

// FindOrphanedFiles returns files inside the download directory that no
// download record references, with their sizes. It never mutates the store.
// Dotfiles and subdirectories are skipped; the thumbnail directory lives
// under a dot-prefixed name for this reason.
func (r *Reconciler) FindOrphanedFiles(ctx context.Context) ([]Orphan, error) {
	records, err := r.downloads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		known[filepath.Clean(rec.LocalFilePath)] = struct{}{}
	}

	entries, err := os.ReadDir(r.downloadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read download directory: %w", err)
	}

	var orphans []Orphan

	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}

		path := filepath.Clean(filepath.Join(r.downloadDir, entry.Name()))
		if _, ok := known[path]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		orphans = append(orphans, Orphan{Path: path, Size: info.Size()})
	}

	return orphans, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
