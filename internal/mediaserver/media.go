package mediaserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DownloadTokenParam is the query parameter carrying the server access
// token on direct-download and thumbnail URLs.
const DownloadTokenParam = "X-Access-Token"

// MediaType discriminates the variant of a media item. All code that
// reconstructs names or URLs switches on it instead of probing fields.
type MediaType string

const (
	TypeMovie   MediaType = "movie"
	TypeEpisode MediaType = "episode"
)

// Part is one downloadable container file of a media item. The id, version
// stamp and remote file name are the minimum needed to build a direct
// download URL.
type Part struct {
	ID           int64  `json:"id"`
	VersionStamp string `json:"versionStamp"`
	FileName     string `json:"fileName"`
	Size         int64  `json:"size"`
}

// MediaItem is one library entry as reported by the media server.
type MediaItem struct {
	Key       string    `json:"key"`
	Type      MediaType `json:"type"`
	Title     string    `json:"title"`
	Year      int       `json:"year,omitempty"`
	ShowTitle string    `json:"showTitle,omitempty"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
	Thumb     string    `json:"thumb,omitempty"`
	Parts     []Part    `json:"parts"`
}

// DisplayName renders a human-readable name for the item.
func (m *MediaItem) DisplayName() string {
	switch m.Type {
	case TypeEpisode:
		return fmt.Sprintf("%s S%02dE%02d %s", m.ShowTitle, m.Season, m.Episode, m.Title)
	default:
		if m.Year > 0 {
			return fmt.Sprintf("%s (%d)", m.Title, m.Year)
		}

		return m.Title
	}
}

// Snapshot captures the immutable metadata a download record needs to
// rebuild its download URL later, independent of upstream metadata churn.
func (m *MediaItem) Snapshot() (*Snapshot, error) {
	if len(m.Parts) == 0 {
		return nil, fmt.Errorf("media item %q has no downloadable parts", m.Key)
	}

	part := m.Parts[0]
	if part.FileName == "" {
		return nil, fmt.Errorf("media item %q part %d has no file name", m.Key, part.ID)
	}

	return &Snapshot{
		Type:         m.Type,
		Title:        m.Title,
		ShowTitle:    m.ShowTitle,
		Season:       m.Season,
		Episode:      m.Episode,
		PartID:       part.ID,
		VersionStamp: part.VersionStamp,
		FileName:     part.FileName,
		Size:         part.Size,
	}, nil
}

// Snapshot is the serialized form persisted into a download record at
// creation time. It never changes afterwards; only the server's base URL
// and token are re-read at resume time.
type Snapshot struct {
	Type         MediaType `json:"type"`
	Title        string    `json:"title"`
	ShowTitle    string    `json:"showTitle,omitempty"`
	Season       int       `json:"season,omitempty"`
	Episode      int       `json:"episode,omitempty"`
	PartID       int64     `json:"partId"`
	VersionStamp string    `json:"versionStamp"`
	FileName     string    `json:"fileName"`
	Size         int64     `json:"size,omitempty"`
}

func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata snapshot: %w", err)
	}

	return data, nil
}

// DecodeSnapshot parses a persisted snapshot blob.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, errors.New("empty metadata snapshot")
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode metadata snapshot: %w", err)
	}

	if s.PartID == 0 || s.FileName == "" {
		return nil, errors.New("metadata snapshot is missing part information")
	}

	return &s, nil
}

// BuildDownloadURL reconstructs the direct-download URL for the snapshot
// against the server's current base URL and access token. Only the
// file-identifying pieces come from the snapshot.
func (s *Snapshot) BuildDownloadURL(baseURL, accessToken string) (string, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return "", fmt.Errorf("invalid server base URL: %w", err)
	}

	// The file name is escaped by hand; url.URL.String would re-escape an
	// already encoded path segment.
	return fmt.Sprintf("%s/library/parts/%d/%s/%s?%s",
		strings.TrimRight(baseURL, "/"), s.PartID, s.VersionStamp,
		url.PathEscape(s.FileName),
		url.Values{DownloadTokenParam: {accessToken}}.Encode()), nil
}

// DisplayName mirrors MediaItem.DisplayName for snapshot-only contexts,
// such as notifications after a restart.
func (s *Snapshot) DisplayName() string {
	if s.Type == TypeEpisode {
		return fmt.Sprintf("%s S%02dE%02d %s", s.ShowTitle, s.Season, s.Episode, s.Title)
	}

	return s.Title
}
