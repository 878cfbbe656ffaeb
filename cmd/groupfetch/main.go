package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/groupfetch/internal/cleanup"
	"github.com/italolelis/groupfetch/internal/config"
	"github.com/italolelis/groupfetch/internal/dc"
	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/http/rest"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/notifier"
	"github.com/italolelis/groupfetch/internal/queue"
	"github.com/italolelis/groupfetch/internal/scheduler"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/italolelis/groupfetch/internal/storage/memory"
	"github.com/italolelis/groupfetch/internal/storage/sqlite"
	"github.com/italolelis/groupfetch/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "groupfetch",
		Short:         "Download groups of files as one unit",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newGroupsCmd())

	if err := root.Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download daemon and its API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			logger := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("groupfetch starting...", "log_level", cfg.LogLevel, "version", version)

			return run(logctx.WithLogger(ctx, logger), cfg)
		},
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	return logger
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	store, closeStore, err := openStore(cfg, tel)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer closeStore()

	// =========================================================================
	// Start Download Clients
	router, err := dc.NewRouter(ctx, dc.Options{
		HTTPTimeout: cfg.HTTPTimeout,
		S3Enabled:   cfg.S3Enabled,
		S3Region:    cfg.S3Region,
		S3Endpoint:  cfg.S3Endpoint,
		PutioToken:  cfg.PutioToken,
	}, tel)
	if err != nil {
		return fmt.Errorf("failed to build download clients: %w", err)
	}

	executor := downloader.New(router,
		downloader.WithChunkSize(cfg.ChunkSize),
		downloader.WithProgressInterval(cfg.ProgressInterval),
	)

	// =========================================================================
	// Start Notification
	dispatcher := events.NewDispatcher(cfg.HandlerTimeout, tel)

	closeNotifiers, err := setupNotifications(ctx, dispatcher, cfg)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	// =========================================================================
	// Start Scheduler

	// Groups outlive the signal context so Shutdown can stop and save them.
	sched := scheduler.New(context.WithoutCancel(ctx), store, queue.NewManager(cfg.MaxConcurrent, tel), dispatcher, executor, scheduler.Options{
		DownloadDir:  cfg.DownloadDir,
		DefaultRetry: cfg.RetryPolicy(),
		GracePeriod:  cfg.GracePeriod,
		SaveInterval: cfg.SaveInterval,
		Supports:     router.Supports,
	}, tel)

	recovered, err := sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover groups: %w", err)
	}

	for _, g := range recovered {
		logger.Info("resumable group found", "group_key", g.Key, "name", g.Name, "state", g.State)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, sched, tel, cfg)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	eg.Go(func() error {
		return cleanup.Run(egCtx, sched, cfg.DownloadDir, cfg.CleanupInterval, cfg.KeepFinishedFor, cfg.CleanupDeleteFiles)
	})

	logger.Info("waiting for groups...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrent,
		"retention", cfg.KeepFinishedFor.String(),
	)

	eg.Go(func() error {
		<-egCtx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and running groups a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := sched.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop groups gracefully: %w", err)
		}

		return nil
	})

	return eg.Wait()
}

func openStore(cfg *config.Config, tel *telemetry.Telemetry) (storage.GroupStore, func(), error) {
	if cfg.Store == "memory" {
		return memory.New(), func() {}, nil
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	return sqlite.NewInstrumentedGroupRepository(database, tel), func() { closeDB(database) }, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "err", err)
	}
}

func setupNotifications(ctx context.Context, d *events.Dispatcher, cfg *config.Config) (func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	d.Register(events.Filter{}, events.TaskFail, func(ctx context.Context, e events.Event) error {
		logctx.LoggerFromContext(ctx).Error("group failed", "group_key", e.GroupKey, "err", e.Err)

		return nil
	})

	d.Register(events.Filter{}, events.TaskComplete, func(ctx context.Context, e events.Event) error {
		logctx.LoggerFromContext(ctx).Info("group download finished", "group_key", e.GroupKey, "total", e.Total)

		return nil
	})

	if cfg.DiscordWebhookURL != "" {
		notifier.Observe(d, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
		logger.Info("discord notifications enabled")
	}

	if cfg.NATSURL == "" {
		return func() {}, nil
	}

	nc, closeConn, err := notifier.Connect(ctx, cfg.NATSURL, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, err
	}

	notifier.NewPublisher(nc, cfg.NATSSubject).Observe(d)

	return closeConn, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, sched *scheduler.Scheduler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	gHandler := rest.NewGroupHandler(rest.SchedulerService{Scheduler: sched}, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/groups", gHandler.Routes())
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "groupfetch"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
