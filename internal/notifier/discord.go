package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/mediastash/mediastash/internal/mediaserver"
	"github.com/mediastash/mediastash/internal/storage"
)

type Notifier interface {
	Notify(content string) error
}

type DiscordNotifier struct {
	WebhookURL string
}

func (d *DiscordNotifier) Notify(content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := http.Post(d.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// DownloadCompletedMessage formats the completion announcement for a record.
func DownloadCompletedMessage(rec *storage.DownloadRecord) string {
	return fmt.Sprintf("✅ Download completed: %s (%s)",
		displayName(rec), humanize.Bytes(uint64(rec.FileSize)))
}

// DownloadFailedMessage formats the failure announcement for a record.
func DownloadFailedMessage(rec *storage.DownloadRecord) string {
	if rec.ErrorMessage != "" {
		return fmt.Sprintf("❌ Download failed: %s (%s)", displayName(rec), rec.ErrorMessage)
	}

	return fmt.Sprintf("❌ Download failed: %s", displayName(rec))
}

func displayName(rec *storage.DownloadRecord) string {
	snap, err := mediaserver.DecodeSnapshot(rec.MetadataSnapshot)
	if err != nil {
		return rec.MediaKey
	}

	return snap.DisplayName()
}
