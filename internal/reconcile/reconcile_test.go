package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediastash/mediastash/internal/storage"
	"github.com/mediastash/mediastash/internal/storage/sqlite"
)

type testStore struct {
	downloads storage.DownloadRepository
	servers   storage.ServerRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	servers := sqlite.NewServerRepository(db)
	require.NoError(t, servers.Upsert(context.Background(), &storage.ServerRecord{
		ServerID:    "srv-1",
		Name:        "Test Server",
		AccessToken: "token",
		BaseURL:     "http://127.0.0.1:32400",
	}))

	return &testStore{
		downloads: sqlite.NewDownloadRepository(db),
		servers:   servers,
	}
}

func (s *testStore) reconciler(dir string) *Reconciler {
	return New(s.downloads, s.servers, nil, dir)
}

func createRecord(t *testing.T, repo storage.DownloadRepository, rec *storage.DownloadRecord) int64 {
	t.Helper()

	if rec.MetadataSnapshot == nil {
		rec.MetadataSnapshot = []byte(`{}`)
	}

	if rec.ServerID == "" {
		rec.ServerID = "srv-1"
	}

	id, err := repo.Create(context.Background(), rec)
	require.NoError(t, err)

	return id
}

func writeFile(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("partial bytes"), 0o644))
}

func TestSweep_InterruptedDownloadBecomesPaused(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	path := filepath.Join(dir, "movie.mkv")
	writeFile(t, path)

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:         "movie-1",
		LocalFilePath:    path,
		Status:           storage.StatusDownloading,
		ResumeCheckpoint: []byte(`{"url":"http://x","destinationPath":"p","offset":10}`),
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPaused, rec.Status)
	require.Equal(t, "interrupted by unclean shutdown", rec.ErrorMessage)
	require.NotEmpty(t, rec.ResumeCheckpoint, "checkpoint survives when the partial file does")
}

func TestSweep_InterruptedDownloadWithoutFileLosesCheckpoint(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:         "movie-1",
		LocalFilePath:    filepath.Join(dir, "never-written.mkv"),
		Status:           storage.StatusDownloading,
		ResumeCheckpoint: []byte(`{"url":"http://x","destinationPath":"p","offset":10}`),
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPaused, rec.Status)
	require.Empty(t, rec.ResumeCheckpoint)
}

func TestSweep_PendingBecomesPaused(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: filepath.Join(dir, "queued.mkv"),
		Status:        storage.StatusPending,
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPaused, rec.Status)
	require.Empty(t, rec.ErrorMessage, "a queued download was not interrupted, it just never ran")
}

func TestSweep_ServerGoneBecomesFailed(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		ServerID:      "srv-deleted",
		LocalFilePath: filepath.Join(dir, "movie.mkv"),
		Status:        storage.StatusDownloading,
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, rec.Status)
	require.Equal(t, storage.ErrServerNotFound.Error(), rec.ErrorMessage)
}

func TestSweep_SkipsAttachedDownloads(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: filepath.Join(dir, "live.mkv"),
		Status:        storage.StatusDownloading,
	})

	rec := New(store.downloads, store.servers, func(got int64) bool { return got == id }, dir)

	repaired, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, repaired)

	got, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusDownloading, got.Status, "a live transfer is healthy and untouched")
}

func TestSweep_CompletedFileGoneBecomesFailed(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: filepath.Join(dir, "deleted.mkv"),
		Status:        storage.StatusCompleted,
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, rec.Status)
	require.Equal(t, "file deleted outside the application", rec.ErrorMessage)
}

func TestSweep_PausedWithMissingFileLosesCheckpoint(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	id := createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:         "movie-1",
		LocalFilePath:    filepath.Join(dir, "vanished.mkv"),
		Status:           storage.StatusPaused,
		ResumeCheckpoint: []byte(`{"url":"http://x","destinationPath":"p","offset":10}`),
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	rec, err := store.downloads.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPaused, rec.Status, "status does not change, only the checkpoint")
	require.Empty(t, rec.ResumeCheckpoint)
}

func TestSweep_HealthyRecordsUntouched(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	completed := filepath.Join(dir, "done.mkv")
	writeFile(t, completed)

	createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: completed,
		Status:        storage.StatusCompleted,
	})
	createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-2",
		LocalFilePath: filepath.Join(dir, "parked.mkv"),
		Status:        storage.StatusPaused,
	})
	createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-3",
		LocalFilePath: filepath.Join(dir, "broken.mkv"),
		Status:        storage.StatusFailed,
	})

	repaired, err := store.reconciler(dir).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, repaired)
}

func TestSweep_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: filepath.Join(dir, "deleted.mkv"),
		Status:        storage.StatusCompleted,
	})

	rec := store.reconciler(dir)

	repaired, err := rec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	repaired, err = rec.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, repaired, "a second sweep finds nothing left to repair")
}

func TestFindOrphanedFiles(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	tracked := filepath.Join(dir, "tracked.mkv")
	writeFile(t, tracked)

	orphan := filepath.Join(dir, "orphan.mkv")
	require.NoError(t, os.WriteFile(orphan, []byte("forgotten bytes"), 0o644))

	writeFile(t, filepath.Join(dir, ".hidden"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".thumbnails"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))

	createRecord(t, store.downloads, &storage.DownloadRecord{
		MediaKey:      "movie-1",
		LocalFilePath: tracked,
		Status:        storage.StatusCompleted,
	})

	orphans, err := store.reconciler(dir).FindOrphanedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []Orphan{{Path: orphan, Size: int64(len("forgotten bytes"))}}, orphans)
}

func TestFindOrphanedFiles_MissingDirectory(t *testing.T) {
	store := newTestStore(t)

	orphans, err := store.reconciler(filepath.Join(t.TempDir(), "does-not-exist")).FindOrphanedFiles(context.Background())
	require.NoError(t, err)
	require.Nil(t, orphans)
}
