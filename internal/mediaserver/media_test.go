package mediaserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMediaItem_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		item MediaItem
		want string
	}{
		{
			name: "movie with year",
			item: MediaItem{Type: TypeMovie, Title: "The Matrix", Year: 1999},
			want: "The Matrix (1999)",
		},
		{
			name: "movie without year",
			item: MediaItem{Type: TypeMovie, Title: "Home Video"},
			want: "Home Video",
		},
		{
			name: "episode",
			item: MediaItem{
				Type: TypeEpisode, ShowTitle: "Severance",
				Season: 2, Episode: 3, Title: "Who Is Alive?",
			},
			want: "Severance S02E03 Who Is Alive?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.item.DisplayName())
		})
	}
}

func TestMediaItem_Snapshot(t *testing.T) {
	item := &MediaItem{
		Key:   "movie-1",
		Type:  TypeMovie,
		Title: "The Matrix",
		Parts: []Part{{ID: 42, VersionStamp: "1700000000", FileName: "The Matrix (1999).mkv", Size: 1_000_000}},
	}

	snap, err := item.Snapshot()
	require.NoError(t, err)
	require.Equal(t, int64(42), snap.PartID)
	require.Equal(t, "1700000000", snap.VersionStamp)
	require.Equal(t, "The Matrix (1999).mkv", snap.FileName)
	require.Equal(t, int64(1_000_000), snap.Size)
}

func TestMediaItem_SnapshotRejectsUnfetchableItems(t *testing.T) {
	noParts := &MediaItem{Key: "movie-1", Title: "The Matrix"}

	_, err := noParts.Snapshot()
	require.Error(t, err)

	noFileName := &MediaItem{
		Key:   "movie-2",
		Parts: []Part{{ID: 42, VersionStamp: "1700000000"}},
	}

	_, err = noFileName.Snapshot()
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := &Snapshot{
		Type:         TypeEpisode,
		Title:        "Who Is Alive?",
		ShowTitle:    "Severance",
		Season:       2,
		Episode:      3,
		PartID:       42,
		VersionStamp: "1700000000",
		FileName:     "s02e03.mkv",
		Size:         5_000_000,
	}

	data, err := snap.Encode()
	require.NoError(t, err)

	parsed, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, snap, parsed)
}

func TestDecodeSnapshot_RejectsCorruptData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "not json", data: []byte("garbage")},
		{name: "missing part id", data: []byte(`{"fileName":"movie.mkv"}`)},
		{name: "missing file name", data: []byte(`{"partId":42}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot(tt.data)
			require.Error(t, err)
		})
	}
}

func TestSnapshot_BuildDownloadURL(t *testing.T) {
	snap := &Snapshot{
		PartID:       42,
		VersionStamp: "1700000000",
		FileName:     "The Matrix (1999).mkv",
	}

	got, err := snap.BuildDownloadURL("http://10.0.0.5:32400/", "secret-token")
	require.NoError(t, err)
	require.Equal(t,
		"http://10.0.0.5:32400/library/parts/42/1700000000/The%20Matrix%20%281999%29.mkv?X-Access-Token=secret-token",
		got)
}

func TestSnapshot_BuildDownloadURLFollowsServerMoves(t *testing.T) {
	snap := &Snapshot{PartID: 42, VersionStamp: "1700000000", FileName: "movie.mkv"}

	// The same snapshot must produce a working URL against whatever base
	// URL and token the server currently reports.
	first, err := snap.BuildDownloadURL("http://old-host:32400", "token-a")
	require.NoError(t, err)

	second, err := snap.BuildDownloadURL("https://new-host:443", "token-b")
	require.NoError(t, err)

	require.Contains(t, first, "http://old-host:32400/library/parts/42/")
	require.Contains(t, second, "https://new-host:443/library/parts/42/")
	require.Contains(t, second, "X-Access-Token=token-b")
}
