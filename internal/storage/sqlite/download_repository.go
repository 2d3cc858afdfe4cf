package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mediastash/mediastash/internal/storage"
)

const downloadColumns = `id, media_key, server_id, local_file_path, metadata_snapshot,
	thumbnail_path, status, file_size, downloaded_bytes, error_message,
	resume_checkpoint, created_at, updated_at`

// DownloadRepository is the SQLite implementation of storage.DownloadRepository.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) Create(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (media_key, server_id, local_file_path, metadata_snapshot,
			thumbnail_path, status, file_size, downloaded_bytes, error_message,
			resume_checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MediaKey, rec.ServerID, rec.LocalFilePath, rec.MetadataSnapshot,
		nullString(rec.ThumbnailPath), string(rec.Status), nullInt64(rec.FileSize),
		rec.DownloadedBytes, nullString(rec.ErrorMessage), rec.ResumeCheckpoint,
		now, now)
	if err != nil {
		// Two concurrent creates for the same (media_key, server_id) both
		// pass the caller's uniqueness check; the UNIQUE index is the
		// arbiter and its violation means the download is already queued.
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, storage.ErrAlreadyQueued
		}

		return 0, fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	rec.ID = id

	return id, nil
}

func (r *DownloadRepository) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	return scanDownload(row)
}

func (r *DownloadRepository) GetByMediaKey(ctx context.Context, mediaKey, serverID string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE media_key = ? AND server_id = ?`,
		mediaKey, serverID)

	return scanDownload(row)
}

func (r *DownloadRepository) List(ctx context.Context) ([]*storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

func (r *DownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.DownloadStatus) ([]*storage.DownloadRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))

	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads by status: %w", err)
	}
	defer rows.Close()

	return scanDownloads(rows)
}

func (r *DownloadRepository) UpdateStatus(ctx context.Context, id int64, status storage.DownloadStatus, errorMessage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(errorMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	return nil
}

// UpdateProgress writes the downloaded byte count and, when fileSize > 0,
// the total expected size.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id int64, downloadedBytes, fileSize int64) error {
	var err error

	if fileSize > 0 {
		_, err = r.db.ExecContext(ctx,
			`UPDATE downloads SET downloaded_bytes = ?, file_size = ?, updated_at = ? WHERE id = ?`,
			downloadedBytes, fileSize, time.Now().UTC(), id)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE downloads SET downloaded_bytes = ?, updated_at = ? WHERE id = ?`,
			downloadedBytes, time.Now().UTC(), id)
	}

	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}

func (r *DownloadRepository) UpdateThumbnailPath(ctx context.Context, id int64, thumbnailPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET thumbnail_path = ?, updated_at = ? WHERE id = ?`,
		nullString(thumbnailPath), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update thumbnail path: %w", err)
	}

	return nil
}

// UpdateCheckpoint persists resume data. A nil checkpoint clears the column.
func (r *DownloadRepository) UpdateCheckpoint(ctx context.Context, id int64, checkpoint []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET resume_checkpoint = ?, updated_at = ? WHERE id = ?`,
		checkpoint, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}

	return nil
}

func (r *DownloadRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*storage.DownloadRecord, error) {
	var (
		rec          storage.DownloadRecord
		status       string
		thumbnail    sql.NullString
		fileSize     sql.NullInt64
		errorMessage sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.MediaKey, &rec.ServerID, &rec.LocalFilePath,
		&rec.MetadataSnapshot, &thumbnail, &status, &fileSize, &rec.DownloadedBytes,
		&errorMessage, &rec.ResumeCheckpoint, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan download: %w", err)
	}

	rec.Status = storage.DownloadStatus(status)
	rec.ThumbnailPath = thumbnail.String
	rec.FileSize = fileSize.Int64
	rec.ErrorMessage = errorMessage.String

	return &rec, nil
}

func scanDownloads(rows *sql.Rows) ([]*storage.DownloadRecord, error) {
	var downloads []*storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n > 0}
}
