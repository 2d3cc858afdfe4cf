package storage

import (
	"context"
	"errors"
	"time"
)

// DownloadStatus is the lifecycle state of a download record.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
)

var (
	// ErrAlreadyQueued is returned when a download already exists for a
	// (mediaKey, serverID) pair and is not in a failed state.
	ErrAlreadyQueued = errors.New("download already queued")

	// ErrNotFound is returned when a download record does not exist.
	ErrNotFound = errors.New("download not found")

	// ErrServerNotFound is returned when the server a download belongs to
	// is no longer registered.
	ErrServerNotFound = errors.New("server no longer available")
)

// DownloadRecord is the durable representation of one download job. It is
// the single source of truth for the job's state; the in-memory transfer
// map only tracks which records currently have a live transfer attached.
type DownloadRecord struct {
	ID               int64
	MediaKey         string
	ServerID         string
	LocalFilePath    string
	MetadataSnapshot []byte
	ThumbnailPath    string
	Status           DownloadStatus
	FileSize         int64 // 0 until the transfer headers arrive
	DownloadedBytes  int64
	ErrorMessage     string
	ResumeCheckpoint []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ServerRecord identifies a remote media server a download originates from.
// The base URL and access token are re-read on every resume because hosts
// and tokens rotate.
type ServerRecord struct {
	ServerID        string
	Name            string
	AccessToken     string
	BaseURL         string
	Owned           bool
	LastConnectedAt time.Time
}

// DownloadRepository is durable CRUD over download records. Fetches return
// (nil, nil) rather than an error when nothing matches; every write bumps
// updated_at.
type DownloadRepository interface {
	Create(ctx context.Context, rec *DownloadRecord) (int64, error)
	Get(ctx context.Context, id int64) (*DownloadRecord, error)
	GetByMediaKey(ctx context.Context, mediaKey, serverID string) (*DownloadRecord, error)
	List(ctx context.Context) ([]*DownloadRecord, error)
	ListByStatus(ctx context.Context, statuses ...DownloadStatus) ([]*DownloadRecord, error)
	UpdateStatus(ctx context.Context, id int64, status DownloadStatus, errorMessage string) error
	UpdateProgress(ctx context.Context, id int64, downloadedBytes, fileSize int64) error
	UpdateThumbnailPath(ctx context.Context, id int64, thumbnailPath string) error
	UpdateCheckpoint(ctx context.Context, id int64, checkpoint []byte) error
	Delete(ctx context.Context, id int64) error
}

// ServerRepository is durable CRUD over server records.
type ServerRepository interface {
	Upsert(ctx context.Context, rec *ServerRecord) error
	Get(ctx context.Context, serverID string) (*ServerRecord, error)
	List(ctx context.Context) ([]*ServerRecord, error)
}
