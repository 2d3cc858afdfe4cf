package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediastash/mediastash/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func newDownloadRecord(mediaKey string) *storage.DownloadRecord {
	return &storage.DownloadRecord{
		MediaKey:         mediaKey,
		ServerID:         "srv-1",
		LocalFilePath:    "/downloads/" + mediaKey + ".mkv",
		MetadataSnapshot: []byte(`{"partId":42,"fileName":"movie.mkv"}`),
		Status:           storage.StatusPending,
	}
}

func TestInitDB_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// A second open against the same file must re-apply nothing.
	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestDownloadRepository_CreateAndGet(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	rec := newDownloadRecord("movie-1")

	id, err := repo.Create(ctx, rec)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "movie-1", got.MediaKey)
	require.Equal(t, "srv-1", got.ServerID)
	require.Equal(t, storage.StatusPending, got.Status)
	require.Equal(t, rec.MetadataSnapshot, got.MetadataSnapshot)
	require.False(t, got.CreatedAt.IsZero())
}

func TestDownloadRepository_GetMissingReturnsNil(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))

	got, err := repo.Get(context.Background(), 9999)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = repo.GetByMediaKey(context.Background(), "nope", "srv-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDownloadRepository_UniqueMediaKeyPerServer(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	// A duplicate insert is how a lost check-then-create race surfaces, so
	// it has to map onto the conflict sentinel rather than a raw SQL error.
	_, err = repo.Create(ctx, newDownloadRecord("movie-1"))
	require.ErrorIs(t, err, storage.ErrAlreadyQueued)

	// Same key on another server is a different download.
	other := newDownloadRecord("movie-1")
	other.ServerID = "srv-2"

	_, err = repo.Create(ctx, other)
	require.NoError(t, err)
}

func TestDownloadRepository_ListOrdering(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	second, err := repo.Create(ctx, newDownloadRecord("movie-2"))
	require.NoError(t, err)

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, second, records[0].ID, "newest record must come first")
	require.Equal(t, first, records[1].ID)
}

func TestDownloadRepository_ListByStatus(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id1, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	id2, err := repo.Create(ctx, newDownloadRecord("movie-2"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, id1, storage.StatusDownloading, ""))
	require.NoError(t, repo.UpdateStatus(ctx, id2, storage.StatusFailed, "boom"))

	active, err := repo.ListByStatus(ctx, storage.StatusDownloading, storage.StatusPaused)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, id1, active[0].ID)

	failed, err := repo.ListByStatus(ctx, storage.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].ErrorMessage)

	none, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDownloadRepository_UpdateStatusClearsError(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, id, storage.StatusFailed, "network down"))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.Equal(t, "network down", got.ErrorMessage)

	require.NoError(t, repo.UpdateStatus(ctx, id, storage.StatusDownloading, ""))

	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusDownloading, got.Status)
	require.Empty(t, got.ErrorMessage)
}

func TestDownloadRepository_UpdateProgress(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	// An unknown total must not clobber a previously recorded size.
	require.NoError(t, repo.UpdateProgress(ctx, id, 100, 1000))
	require.NoError(t, repo.UpdateProgress(ctx, id, 400, 0))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(400), got.DownloadedBytes)
	require.Equal(t, int64(1000), got.FileSize)
}

func TestDownloadRepository_Checkpoint(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	cp := []byte(`{"url":"http://x","destinationPath":"/d/f.mkv","offset":400}`)
	require.NoError(t, repo.UpdateCheckpoint(ctx, id, cp))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, cp, got.ResumeCheckpoint)

	require.NoError(t, repo.UpdateCheckpoint(ctx, id, nil))

	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, got.ResumeCheckpoint)
}

func TestDownloadRepository_ThumbnailPath(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateThumbnailPath(ctx, id, "/thumbs/movie-1.jpg"))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "/thumbs/movie-1.jpg", got.ThumbnailPath)
}

func TestDownloadRepository_Delete(t *testing.T) {
	repo := NewDownloadRepository(newTestDB(t))
	ctx := context.Background()

	id, err := repo.Create(ctx, newDownloadRecord("movie-1"))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting an already deleted record is a no-op.
	require.NoError(t, repo.Delete(ctx, id))
}

func TestServerRepository_UpsertRefreshesCredentials(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &storage.ServerRecord{
		ServerID:    "srv-1",
		Name:        "Living Room",
		AccessToken: "old-token",
		BaseURL:     "http://10.0.0.5:32400",
		Owned:       true,
	}))

	require.NoError(t, repo.Upsert(ctx, &storage.ServerRecord{
		ServerID:    "srv-1",
		Name:        "Living Room",
		AccessToken: "new-token",
		BaseURL:     "https://replacement.example:32400",
		Owned:       true,
	}))

	got, err := repo.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "new-token", got.AccessToken)
	require.Equal(t, "https://replacement.example:32400", got.BaseURL)
	require.False(t, got.LastConnectedAt.IsZero())
}

func TestServerRepository_GetMissingReturnsNil(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))

	got, err := repo.Get(context.Background(), "unknown")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestServerRepository_List(t *testing.T) {
	repo := NewServerRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &storage.ServerRecord{
		ServerID: "srv-b", Name: "Bedroom", AccessToken: "t", BaseURL: "http://b",
	}))
	require.NoError(t, repo.Upsert(ctx, &storage.ServerRecord{
		ServerID: "srv-a", Name: "Attic", AccessToken: "t", BaseURL: "http://a",
	}))

	servers, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	require.Equal(t, "Attic", servers[0].Name)
	require.Equal(t, "Bedroom", servers[1].Name)
}
