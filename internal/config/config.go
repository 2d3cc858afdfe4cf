package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir  string `envconfig:"DOWNLOAD_DIR" required:"true"`
	ThumbnailDir string `envconfig:"THUMBNAIL_DIR"`
	DBPath       string `envconfig:"DB_PATH" default:"mediastash.db"`

	MaxConcurrent      int           `envconfig:"MAX_CONCURRENT" default:"3"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	ProgressWriteEvery time.Duration `envconfig:"PROGRESS_WRITE_EVERY" default:"2s"`
	CheckpointEvery    time.Duration `envconfig:"CHECKPOINT_EVERY" default:"15s"`
	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	UserAgent         string `envconfig:"USER_AGENT" default:"mediastash/1.0"`

	MediaServer struct {
		BaseURL string `split_words:"true"`
		Token   string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"mediastash"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
