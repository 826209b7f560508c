package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/converter-saas-back/internal/admission"
	"github.com/iago/converter-saas-back/internal/cache"
	"github.com/iago/converter-saas-back/internal/codec"
	"github.com/iago/converter-saas-back/internal/config"
	"github.com/iago/converter-saas-back/internal/database"
	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	httpserver "github.com/iago/converter-saas-back/internal/http"
	"github.com/iago/converter-saas-back/internal/http/handlers"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/options"
	"github.com/iago/converter-saas-back/internal/quality"
	"github.com/iago/converter-saas-back/internal/queue"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/service"
	"github.com/iago/converter-saas-back/internal/storage"
	"github.com/iago/converter-saas-back/internal/sweeper"
	"github.com/iago/converter-saas-back/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type repositories struct {
	jobs      repository.JobsRepository
	artifacts repository.ArtifactsRepository
	usage     repository.UsageRepository
	readiness service.Pinger
}

func main() {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
	}
	cfg := config.Load()

	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api stopped with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	repos, repoCloser, err := setupRepositories(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repoCloser()

	store, storeCloser, err := setupStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer storeCloser()

	q, producer, queueCloser := setupQueue(ctx, cfg, log)
	defer queueCloser()

	resolver := options.NewResolver(nil)
	pipeline := dispatch.NewPipeline(dispatch.Dependencies{
		Jobs:      repos.jobs,
		Artifacts: repos.artifacts,
		Usage:     repos.usage,
		Storage:   store,
		Codecs:    setupCodecs(cfg),
		Prober:    codec.NewFFprobe(cfg.FFprobePath, cfg.FFprobeTimeout, nil),
		Resolver:  resolver,
		Validator: quality.NewOutputValidator(),
	}, dispatch.Config{
		TempDir:     cfg.TempDir,
		ArtifactTTL: cfg.ConvertedFileExpiry,
		LeaseTTL:    cfg.WorkerLeaseTTL,
	}, log)

	var strategy dispatch.Strategy = dispatch.NewSync(pipeline)
	if cfg.UseAsyncConversion {
		strategy = dispatch.NewAsync(producer, pipeline, log)
	}
	log.Info("dispatch mode selected", "mode", strategy.Mode())

	conversions := service.NewConversionService(service.Dependencies{
		Jobs:      repos.jobs,
		Artifacts: repos.artifacts,
		Storage:   store,
		Admission: admission.NewController(repos.usage, repos.jobs, admission.Config{
			RequestsPerHour: cfg.RateLimitRequestsPerHour,
			MaxUploadSize:   cfg.MaxUploadSize,
			DuplicateWindow: cfg.DuplicateWindow,
			PerTool:         cfg.RateLimitPerTool,
		}, log.Named("admission")),
		Strategy: strategy,
		Resolver: resolver,
		Cache:    cache.NewJobCache(cache.Config{TTL: cfg.JobCacheTTL, MaxEntries: cfg.JobCacheSize}),
		Health: service.HealthDependencies{
			Database: repos.readiness,
			Queue:    q,
			Binaries: map[string]string{
				"ffmpeg":  cfg.FFmpegPath,
				"ffprobe": cfg.FFprobePath,
				"qpdf":    cfg.QPDFPath,
			},
		},
	}, log)

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(conversions, cfg.MaxUploadSize, log),
		Logger:         log.Named("http"),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if !cfg.UseAsyncConversion {
		// Sync requests hold the connection for the whole conversion.
		server.WriteTimeout = cfg.TaskTimeLimit
	}

	group, groupCtx := errgroup.WithContext(ctx)

	cleaner := sweeper.New(repos.artifacts, repos.jobs, store, cfg.ConvertedFileExpiry, cfg.CleanupInterval, log)
	cleaner.Start(groupCtx)
	defer cleaner.Stop()

	if cfg.UseAsyncConversion && cfg.WorkerEnabled {
		processor := worker.NewProcessor(q, pipeline, worker.Config{
			Concurrency: cfg.WorkerConcurrency,
			HardLimit:   cfg.TaskTimeLimit,
			SoftLimit:   cfg.TaskSoftTimeLimit,
		}, log)
		group.Go(func() error {
			return processor.Start(groupCtx)
		})

		reclaimer := worker.NewReclaimer(repos.jobs, producer, worker.ReclaimerConfig{
			Interval:     cfg.ReclaimInterval,
			Grace:        pipeline.LeaseTTL(),
			PendingAfter: cfg.ReclaimPendingAfter,
		}, log)
		group.Go(func() error {
			reclaimer.Start(groupCtx)
			return nil
		})
		log.Info("worker enabled and started", "concurrency", cfg.WorkerConcurrency)
	} else {
		log.Info("worker not started", "async", cfg.UseAsyncConversion, "worker_enabled", cfg.WorkerEnabled)
	}

	group.Go(func() error {
		log.Info("api listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
		return nil
	})

	return group.Wait()
}

func setupRepositories(ctx context.Context, cfg config.Config, log *logger.Logger) (repositories, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not configured, using in-memory repositories")
		jobs := repository.NewMemoryJobsRepository()
		return repositories{
			jobs:      jobs,
			artifacts: repository.NewMemoryArtifactsRepository(),
			usage:     repository.NewMemoryUsageRepository(),
			readiness: jobs,
		}, func() {}, nil
	}

	if cfg.DatabaseMigrate {
		if err := database.Migrate(cfg.DatabaseURL, log); err != nil {
			return repositories{}, nil, err
		}
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return repositories{}, nil, err
	}
	return repositories{
		jobs:      repository.NewPostgresJobsRepository(pool),
		artifacts: repository.NewPostgresArtifactsRepository(pool),
		usage:     repository.NewPostgresUsageRepository(pool),
		readiness: database.NewReadinessChecker(pool),
	}, pool.Close, nil
}

func setupStorage(ctx context.Context, cfg config.Config, log *logger.Logger) (storage.Storage, func(), error) {
	switch cfg.StorageBackend {
	case "gcs":
		store, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "local", "":
		store, err := storage.NewFileStore(cfg.MediaRoot)
		if err != nil {
			return nil, nil, err
		}
		log.Info("local storage initialized", "root", cfg.MediaRoot)
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

// setupQueue falls back to the in-process queue when Redis is not configured or
// unreachable. The returned producer is batched when batching is enabled.
func setupQueue(ctx context.Context, cfg config.Config, log *logger.Logger) (queue.Queue, queue.Producer, func()) {
	policy := queue.DefaultRetryPolicy()
	policy.MaxRetries = cfg.QueueMaxRetries
	policy.BaseDelay = cfg.QueueRetryBase
	policy.MaxDelay = cfg.QueueRetryMax

	var (
		base       queue.Queue
		baseCloser = func() {}
	)
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not configured, using local queue")
		base = queue.NewLocalQueue(cfg.QueueLocalBuffer, policy, log)
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Stream:     cfg.RedisStream,
			DLQStream:  cfg.RedisDLQ,
			DelayedSet: cfg.RedisDelayedSet,
			Group:      cfg.RedisGroup,
			Consumer:   cfg.RedisConsumer,
			Retry:      policy,
		}, log)
		if err != nil {
			log.Error("redis streams queue unavailable, falling back to local queue", "error", err)
			base = queue.NewLocalQueue(cfg.QueueLocalBuffer, policy, log)
		} else {
			log.Info("redis streams queue initialized", "stream", cfg.RedisStream, "group", cfg.RedisGroup)
			base = streams
			baseCloser = func() { _ = streams.Close() }
		}
	}

	if !cfg.QueueBatchingEnabled {
		return base, base, baseCloser
	}
	batching := queue.NewBatchingProducer(ctx, base, queue.BatchingConfig{
		MaxBatchSize:       cfg.QueueBatchSize,
		FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
		FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
		QueueCapacity:      cfg.QueueBatchQueueCapacity,
		MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		Logger:             log,
	})
	log.Info("queue batching enabled",
		"size", cfg.QueueBatchSize,
		"flush_ms", cfg.QueueBatchFlushMS,
		"queue_capacity", cfg.QueueBatchQueueCapacity,
		"max_in_flight", cfg.QueueBatchMaxInFlight,
	)
	return base, batching, func() {
		batching.Close()
		baseCloser()
	}
}

func setupCodecs(cfg config.Config) *codec.Registry {
	registry := codec.NewRegistry()
	ffmpeg := codec.NewFFmpeg(cfg.FFmpegPath, cfg.FFmpegTimeout, nil)
	registry.Register(domain.ToolAudio, ffmpeg)
	registry.Register(domain.ToolVideo, ffmpeg)
	registry.Register(domain.ToolImage, codec.NewImageCodec())
	registry.Register(domain.ToolDocument, codec.NewQPDF(cfg.QPDFPath, cfg.QPDFTimeout, nil))
	return registry
}
