package mediaserver

import (
	"context"

	"github.com/mediastash/mediastash/internal/storage"
	"github.com/mediastash/mediastash/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented media server client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

func (c *InstrumentedClient) Libraries(ctx context.Context) ([]Library, error) {
	var (
		result []Library
		err    error
	)

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "libraries", func(ctx context.Context) error {
		result, err = c.client.Libraries(ctx)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (c *InstrumentedClient) LibraryItems(ctx context.Context, libraryKey string, offset, pageSize int) ([]*MediaItem, int, error) {
	var (
		result []*MediaItem
		total  int
		err    error
	)

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "library_items", func(ctx context.Context) error {
		result, total, err = c.client.LibraryItems(ctx, libraryKey, offset, pageSize)

		return err
	})
	if instrumentedErr != nil {
		return nil, 0, instrumentedErr
	}

	return result, total, nil
}

func (c *InstrumentedClient) ItemMetadata(ctx context.Context, key string) (*MediaItem, error) {
	var (
		result *MediaItem
		err    error
	)

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "item_metadata", func(ctx context.Context) error {
		result, err = c.client.ItemMetadata(ctx, key)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (c *InstrumentedClient) Servers(ctx context.Context) ([]*storage.ServerRecord, error) {
	var (
		result []*storage.ServerRecord
		err    error
	)

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "servers", func(ctx context.Context) error {
		result, err = c.client.Servers(ctx)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (c *InstrumentedClient) FetchThumbnail(ctx context.Context, item *MediaItem, destDir string) (string, error) {
	var (
		path string
		err  error
	)

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "fetch_thumbnail", func(ctx context.Context) error {
		path, err = c.client.FetchThumbnail(ctx, item, destDir)

		return err
	})
	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return path, nil
}
