package sqlite

import (
	"context"
	"database/sql"

	"github.com/mediastash/mediastash/internal/storage"
	"github.com/mediastash/mediastash/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Create(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	var (
		id  int64
		err error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		id, err = r.repo.Create(ctx, rec)

		return err
	})
	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return id, nil
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	var (
		rec *storage.DownloadRecord
		err error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		rec, err = r.repo.Get(ctx, id)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return rec, nil
}

func (r *InstrumentedDownloadRepository) GetByMediaKey(ctx context.Context, mediaKey, serverID string) (*storage.DownloadRecord, error) {
	var (
		rec *storage.DownloadRecord
		err error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_download_by_media_key", func(ctx context.Context) error {
		rec, err = r.repo.GetByMediaKey(ctx, mediaKey, serverID)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return rec, nil
}

func (r *InstrumentedDownloadRepository) List(ctx context.Context) ([]*storage.DownloadRecord, error) {
	var (
		recs []*storage.DownloadRecord
		err  error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		recs, err = r.repo.List(ctx)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return recs, nil
}

func (r *InstrumentedDownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.DownloadStatus) ([]*storage.DownloadRecord, error) {
	var (
		recs []*storage.DownloadRecord
		err  error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_downloads_by_status", func(ctx context.Context) error {
		recs, err = r.repo.ListByStatus(ctx, statuses...)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return recs, nil
}

func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, id int64, status storage.DownloadStatus, errorMessage string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, status, errorMessage)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id int64, downloadedBytes, fileSize int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, downloadedBytes, fileSize)
	})
}

func (r *InstrumentedDownloadRepository) UpdateThumbnailPath(ctx context.Context, id int64, thumbnailPath string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_thumbnail", func(ctx context.Context) error {
		return r.repo.UpdateThumbnailPath(ctx, id, thumbnailPath)
	})
}

func (r *InstrumentedDownloadRepository) UpdateCheckpoint(ctx context.Context, id int64, checkpoint []byte) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_checkpoint", func(ctx context.Context) error {
		return r.repo.UpdateCheckpoint(ctx, id, checkpoint)
	})
}

func (r *InstrumentedDownloadRepository) Delete(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}
