package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mediastash/mediastash/internal/config"
	"github.com/mediastash/mediastash/internal/http/rest"
	"github.com/mediastash/mediastash/internal/logctx"
	"github.com/mediastash/mediastash/internal/manager"
	"github.com/mediastash/mediastash/internal/mediaserver"
	"github.com/mediastash/mediastash/internal/notifier"
	"github.com/mediastash/mediastash/internal/reconcile"
	"github.com/mediastash/mediastash/internal/storage"
	"github.com/mediastash/mediastash/internal/storage/sqlite"
	"github.com/mediastash/mediastash/internal/telemetry"
	"github.com/mediastash/mediastash/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("mediastash starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	servers := sqlite.NewServerRepository(database)

	// =========================================================================
	// Start Media Server Client
	media := mediaserver.NewInstrumentedClient(
		mediaserver.NewClient(ctx, cfg.MediaServer.BaseURL, cfg.MediaServer.Token),
		tel,
	)

	syncServers(ctx, media, servers)

	// =========================================================================
	// Start Download Manager
	mgr := manager.New(ctx, downloads, servers, media,
		transfer.NewAdapter(cfg.UserAgent), tel,
		manager.Config{
			DownloadDir:        cfg.DownloadDir,
			ThumbnailDir:       cfg.ThumbnailDir,
			MaxConcurrent:      cfg.MaxConcurrent,
			MaxRetries:         cfg.MaxRetries,
			RetryBaseDelay:     cfg.RetryBaseDelay,
			ProgressWriteEvery: cfg.ProgressWriteEvery,
			CheckpointEvery:    cfg.CheckpointEvery,
		})

	// =========================================================================
	// Start Reconciliation
	reconciler := reconcile.New(downloads, servers, mgr.Attached, cfg.DownloadDir)

	// The startup sweep must run before any transfer starts so crash leftovers
	// are repaired first.
	repaired, err := reconciler.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	tel.RecordReconcileRepair(repaired)

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, mgr, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, mgr, media, reconciler, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"db_path", cfg.DBPath,
		"max_concurrent", cfg.MaxConcurrent,
		"reconcile_interval", cfg.ReconcileInterval.String(),
	)

	// =========================================================================
	// Start Main Loop
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticker.C:
			repaired, err := reconciler.Sweep(ctx)
			if err != nil {
				logger.Error("periodic reconciliation failed", "err", err)

				continue
			}

			tel.RecordReconcileRepair(repaired)
		}
	}
}

// syncServers refreshes the local server registry from the media server
// account. Failures are tolerated: downloads against already-known servers
// keep working offline.
func syncServers(ctx context.Context, media *mediaserver.InstrumentedClient, servers storage.ServerRepository) {
	logger := logctx.LoggerFromContext(ctx)

	known, err := media.Servers(ctx)
	if err != nil {
		logger.Warn("failed to refresh server registry", "err", err)

		return
	}

	for _, server := range known {
		if err := servers.Upsert(ctx, server); err != nil {
			logger.Error("failed to register server", "server_id", server.ServerID, "err", err)
		}
	}

	logger.Info("server registry refreshed", "count", len(known))
}

func setupNotifications(ctx context.Context, mgr *manager.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-mgr.OnDownloadCompleted:
				logger.Info("download finished", "download_id", rec.ID, "path", rec.LocalFilePath)

				if notif == nil {
					continue
				}

				if notifyErr := notif.Notify(notifier.DownloadCompletedMessage(rec)); notifyErr != nil {
					logger.Error("failed to send notification", "download_id", rec.ID, "err", notifyErr)
				}
			case rec := <-mgr.OnDownloadFailed:
				logger.Error("download failed", "download_id", rec.ID, "reason", rec.ErrorMessage)

				if notif == nil {
					continue
				}

				if notifyErr := notif.Notify(notifier.DownloadFailedMessage(rec)); notifyErr != nil {
					logger.Error("failed to send notification", "download_id", rec.ID, "err", notifyErr)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, mgr *manager.Manager, media *mediaserver.InstrumentedClient, reconciler *reconcile.Reconciler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewDownloadHandler(mgr, media, reconciler)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
