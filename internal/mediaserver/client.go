// Package mediaserver is a read-only HTTP client for the remote media
// server: library browsing, item metadata, authorized server discovery and
// thumbnail fetching. It never mutates anything server-side.
package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/mediastash/mediastash/internal/logctx"
	"github.com/mediastash/mediastash/internal/storage"
)

const thumbnailDirPerm = 0755

// Client talks to one media server endpoint. The access token rides along
// as a bearer token on API calls and as a query parameter on direct file
// URLs, which some proxies strip headers from.
type Client struct {
	BaseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(ctx context.Context, baseURL, accessToken string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})

	client := oauth2.NewClient(ctx, ts)
	client.Timeout = 30 * time.Second

	return &Client{
		BaseURL:    baseURL,
		token:      accessToken,
		httpClient: client,
	}
}

// Library is one section of the server's media catalog.
type Library struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type librariesResponse struct {
	Libraries []Library `json:"libraries"`
}

type itemsResponse struct {
	Items      []*MediaItem `json:"items"`
	TotalCount int          `json:"totalCount"`
}

type itemResponse struct {
	Item *MediaItem `json:"item"`
}

type serversResponse struct {
	Servers []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		AccessToken string `json:"accessToken"`
		Owned       bool   `json:"owned"`
		Connections []struct {
			URI   string `json:"uri"`
			Local bool   `json:"local"`
		} `json:"connections"`
	} `json:"servers"`
}

// Libraries lists the server's library sections.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	var resp librariesResponse
	if err := c.getJSON(ctx, "/libraries", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}

	return resp.Libraries, nil
}

// LibraryItems fetches one page of a library, returning the page and the
// server-reported total count. Callers page by offset until offset+len
// reaches the total.
func (c *Client) LibraryItems(ctx context.Context, libraryKey string, offset, pageSize int) ([]*MediaItem, int, error) {
	query := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(pageSize)},
	}

	var resp itemsResponse
	if err := c.getJSON(ctx, "/libraries/"+url.PathEscape(libraryKey)+"/items", query, &resp); err != nil {
		return nil, 0, fmt.Errorf("failed to list library items: %w", err)
	}

	return resp.Items, resp.TotalCount, nil
}

// AllLibraryItems walks every page of a library.
func (c *Client) AllLibraryItems(ctx context.Context, libraryKey string, pageSize int) ([]*MediaItem, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	var all []*MediaItem

	for offset := 0; ; {
		page, total, err := c.LibraryItems(ctx, libraryKey, offset, pageSize)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		offset += len(page)

		if offset >= total || len(page) == 0 {
			return all, nil
		}
	}
}

// ItemMetadata resolves full metadata for one item by key, including its
// downloadable parts.
func (c *Client) ItemMetadata(ctx context.Context, key string) (*MediaItem, error) {
	var resp itemResponse
	if err := c.getJSON(ctx, "/items/"+url.PathEscape(key), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve item metadata: %w", err)
	}

	if resp.Item == nil {
		return nil, fmt.Errorf("item %q not found", key)
	}

	return resp.Item, nil
}

// Servers lists the servers this account is authorized on. The first
// connection URI is preferred unless a local one is available.
func (c *Client) Servers(ctx context.Context) ([]*storage.ServerRecord, error) {
	var resp serversResponse
	if err := c.getJSON(ctx, "/servers", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	servers := make([]*storage.ServerRecord, 0, len(resp.Servers))

	for _, s := range resp.Servers {
		if len(s.Connections) == 0 {
			continue
		}

		baseURL := s.Connections[0].URI

		for _, conn := range s.Connections {
			if conn.Local {
				baseURL = conn.URI

				break
			}
		}

		servers = append(servers, &storage.ServerRecord{
			ServerID:    s.ID,
			Name:        s.Name,
			AccessToken: s.AccessToken,
			BaseURL:     baseURL,
			Owned:       s.Owned,
		})
	}

	return servers, nil
}

// FetchThumbnail downloads an item's preview image into destDir and
// returns the local path. Callers treat failures as non-fatal.
func (c *Client) FetchThumbnail(ctx context.Context, item *MediaItem, destDir string) (string, error) {
	if item.Thumb == "" {
		return "", fmt.Errorf("item %q has no thumbnail", item.Key)
	}

	thumbURL := c.BaseURL + item.Thumb + "?" + url.Values{DownloadTokenParam: {c.token}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build thumbnail request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("thumbnail fetch returned HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, thumbnailDirPerm); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	path := filepath.Join(destDir, url.PathEscape(item.Key)+".jpg")

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create thumbnail file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}

	return path, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	logger := logctx.LoggerFromContext(ctx)

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Debug("media server request failed", "path", path, "status", resp.StatusCode, "body", string(body))

		return fmt.Errorf("media server returned HTTP %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
