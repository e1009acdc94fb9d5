package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/reel/config"
	"github.com/bnema/reel/internal/adapter/callback"
	"github.com/bnema/reel/internal/adapter/converter/ffmpeg"
	redisevents "github.com/bnema/reel/internal/adapter/events/redis"
	HTTPAdapter "github.com/bnema/reel/internal/adapter/http"
	"github.com/bnema/reel/internal/adapter/manifest/hls"
	"github.com/bnema/reel/internal/adapter/storage/localfs"
	"github.com/bnema/reel/internal/adapter/storage/objectstore"
	"github.com/bnema/reel/internal/infrastructure/logger"
	"github.com/bnema/reel/internal/port"
	"github.com/bnema/reel/internal/service"
)

const (
	maintenanceInterval = time.Minute
	shutdownTimeout     = 30 * time.Second
)

type serveFlags struct {
	addr          string
	jobStore      string
	artifactStore string
	workers       int
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, worker pool and maintenance loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := f.apply(cfg); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides REEL_HTTP_ADDR)")
	cmd.Flags().StringVar(&f.jobStore, "job-store", "", "sqlite, postgres or jsonfile (overrides REEL_JOB_STORE)")
	cmd.Flags().StringVar(&f.artifactStore, "artifact-store", "", "local or s3 (overrides REEL_ARTIFACT_STORE)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent jobs (overrides REEL_WORKERS)")
	return cmd
}

func (f *serveFlags) apply(cfg *config.Config) error {
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	if f.jobStore != "" {
		cfg.JobStore = config.JobStoreKind(f.jobStore)
	}
	if f.artifactStore != "" {
		cfg.ArtifactStore = config.ArtifactStoreKind(f.artifactStore)
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	return cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config) error {
	l := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	l.Info("starting reel", "version", version, "addr", cfg.HTTPAddr,
		"job_store", cfg.JobStore, "artifact_store", cfg.ArtifactStore)

	store, err := openJobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = store.Close() }()

	sources := service.NewSourceRouter(localfs.NewFetcher())
	artifacts, err := openArtifactStore(ctx, cfg, sources)
	if err != nil {
		return err
	}

	bus := service.NewEventBus()
	sinks := []port.ProgressSink{bus}
	if cfg.Redis.Enabled() {
		pub, err := redisevents.New(ctx, redisevents.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Logger:   l,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = pub.Close() }()
		sinks = append(sinks, pub)
	}

	finalizer, err := newFinalizer(cfg, l)
	if err != nil {
		return err
	}

	scheduler := service.NewScheduler(store, finalizer, service.SchedulerConfig{
		MaxActiveJobs: cfg.MaxActiveJobs,
		LeaseTTL:      cfg.LeaseTTL,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBase:     cfg.RetryBase,
		RetryCap:      cfg.RetryCap,
		MaxResidency:  cfg.MaxResidency,
		Retention:     cfg.Retention,
	}, l)

	synth := hls.NewSynthesizer()
	publisher := service.NewPublisher(artifacts, synth, cfg.PartialPolicy, service.PublisherConfig{
		Attempts:      cfg.PublishAttempts,
		RetryBase:     cfg.PublishRetryBase,
		RetryCap:      cfg.PublishRetryCap,
		UploadTimeout: cfg.UploadTimeout,
	}, l)
	executor := service.NewExecutor(service.ExecutorDeps{
		Fetcher: sources,
		Prober:  ffmpeg.NewProber(cfg.FFprobePath, cfg.ProbeTimeout),
		Transcoder: ffmpeg.NewTranscoder(ffmpeg.TranscoderConfig{
			FFmpegPath: cfg.FFmpegPath,
			Preset:     cfg.FFmpegPreset,
			Timeout:    cfg.EncodeTimeout,
		}),
		Thumbnailer: ffmpeg.NewThumbnailer(cfg.FFmpegPath, cfg.ThumbnailTimeout),
		Synthesizer: synth,
		Publisher:   publisher,
		Limiter:     service.NewLimiter(cfg.MaxEncodes, cfg.SlotTimeout),
	}, service.ExecutorConfig{
		Policy:             cfg.PartialPolicy,
		SegmentSeconds:     cfg.SegmentSeconds,
		ThumbnailFractions: cfg.ThumbnailFractions,
		FetchTimeout:       cfg.FetchTimeout,
	}, l)

	cleanup := service.NewCleanupManager(cfg.ScratchDir, l)
	if n, err := cleanup.Sweep(ctx, store); err != nil {
		l.Warn("scratch sweep failed", "error", err)
	} else if n > 0 {
		l.Info("removed stale scratch directories", "count", n)
	}

	progress := service.NewProgressReporter(time.Second, l, sinks...)
	pool := service.NewWorkerPool(scheduler, executor, cleanup, progress, service.WorkerPoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
	}, l)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	pool.Start(workerCtx)
	go scheduler.RunMaintenanceLoop(workerCtx, maintenanceInterval)

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: HTTPAdapter.NewServer(scheduler, bus, HTTPAdapter.ServerConfig{
			Token:   cfg.APIToken,
			Version: version,
		}, l),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case serveErr = <-errCh:
		l.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Error("http shutdown error", "error", err)
	}

	// Interrupted jobs are released back to the queue by the workers.
	workerCancel()
	pool.Wait()
	l.Info("shutdown complete")
	return serveErr
}

// openArtifactStore builds the publish target. With S3 configured the same
// client also serves s3:// source references.
func openArtifactStore(ctx context.Context, cfg *config.Config, sources *service.SourceRouter) (port.ArtifactStore, error) {
	if cfg.ArtifactStore != config.ArtifactStoreS3 {
		root := cfg.ArtifactRoot()
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
		return localfs.NewStore(root)
	}

	s3, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		UseSSL:    cfg.S3.UseSSL,
		Prefix:    cfg.S3.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	if err := s3.EnsureBucket(ctx, cfg.S3.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	sources.Register("s3", s3)
	return s3, nil
}

func newFinalizer(cfg *config.Config, l *slog.Logger) (port.Finalizer, error) {
	log := callback.NewLog(l)
	if cfg.CallbackURL == "" {
		return log, nil
	}
	hook, err := callback.NewWebhook(callback.WebhookConfig{
		URL:    cfg.CallbackURL,
		Logger: l,
	})
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return callback.Multi{log, hook}, nil
}
