// Package bootstrap builds the pipeline components from configuration for the
// api and worker processes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/docpipe/internal/analysis"
	"github.com/iago/docpipe/internal/blob"
	"github.com/iago/docpipe/internal/config"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/raster"
	"github.com/iago/docpipe/internal/repository"
	"github.com/iago/docpipe/internal/worker"
)

// Components holds everything both processes share. Close releases them in
// reverse order of construction.
type Components struct {
	Repo     repository.JobsRepository
	Blobs    blob.Store
	Producer queue.Producer
	Consumer queue.Consumer

	// WorkerConcurrency is the number of consume loops to run. Backends that
	// schedule their own handlers report 1.
	WorkerConcurrency int
	// SharedQueue is false when the queue lives in this process's memory.
	SharedQueue bool

	closers []func()
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func Setup(ctx context.Context, cfg config.Config, logger *log.Logger) (*Components, error) {
	components := &Components{WorkerConcurrency: cfg.WorkerConcurrency}

	repo, repoCloser := SetupRepository(ctx, cfg, logger)
	components.Repo = repo
	components.closers = append(components.closers, repoCloser)

	blobs, err := SetupBlobStore(cfg, logger)
	if err != nil {
		components.Close()
		return nil, err
	}
	components.Blobs = blobs

	producer, consumer, ownScheduling, queueCloser := SetupQueue(ctx, cfg, logger)
	components.Producer = producer
	components.Consumer = consumer
	components.closers = append(components.closers, queueCloser)
	_, isLocal := consumer.(*queue.LocalQueue)
	components.SharedQueue = !isLocal
	if ownScheduling {
		components.WorkerConcurrency = 1
	}

	return components, nil
}

// RequireSharedQueue fails when producers in other processes cannot reach the
// queue, which leaves a standalone worker with nothing to consume.
func (c *Components) RequireSharedQueue() error {
	if !c.SharedQueue {
		return errors.New("queue backend is in-process; set QUEUE_BACKEND=redis or asynq with a reachable REDIS_ADDR")
	}
	return nil
}

// SetupRepository prefers PostgreSQL, then SQLite, then memory. Connection
// failures fall back to the next option instead of aborting startup.
func SetupRepository(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL != "" {
		pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
		if err == nil {
			logger.Printf("postgres repository initialized")
			return pgRepo, pgRepo.Close
		}
		logger.Printf("failed to initialize postgres repository, trying next backend: %v", err)
	}

	if cfg.SQLitePath != "" {
		sqliteRepo, err := repository.NewSQLiteJobsRepository(ctx, cfg.SQLitePath)
		if err == nil {
			logger.Printf("sqlite repository initialized path=%s", cfg.SQLitePath)
			return sqliteRepo, func() { _ = sqliteRepo.Close() }
		}
		logger.Printf("failed to initialize sqlite repository, fallback to memory: %v", err)
	}

	logger.Printf("no persistent store configured, using in-memory repository")
	return repository.NewMemoryJobsRepository(), func() {}
}

func SetupBlobStore(cfg config.Config, logger *log.Logger) (blob.Store, error) {
	store, err := blob.NewFSStore(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("init blob store at %s: %w", cfg.BlobDir, err)
	}
	logger.Printf("blob store initialized dir=%s", cfg.BlobDir)
	return store, nil
}

// SetupQueue builds the configured backend. ownScheduling reports whether the
// backend runs its own handler pool. A Redis backend that cannot be reached
// falls back to the local queue.
func SetupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (producer queue.Producer, consumer queue.Consumer, ownScheduling bool, closer func()) {
	visibility := time.Duration(cfg.QueueVisibilityTimeoutMS) * time.Millisecond

	var base queue.Producer
	baseCloser := func() {}

	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:              cfg.RedisAddr,
			Password:          cfg.RedisPassword,
			DB:                cfg.RedisDB,
			Stream:            cfg.RedisStream,
			DLQStream:         cfg.RedisDLQ,
			Group:             cfg.RedisGroup,
			Consumer:          cfg.RedisConsumer,
			MaxDeliveries:     cfg.QueueMaxDeliveries,
			VisibilityTimeout: visibility,
			Block:             time.Duration(cfg.QueueBlockMS) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
			break
		}
		logger.Printf("redis streams queue initialized stream=%s group=%s consumer=%s", cfg.RedisStream, cfg.RedisGroup, cfg.RedisConsumer)
		base, consumer = streams, streams
		baseCloser = func() { _ = streams.Close() }
	case config.QueueBackendAsynq:
		tasks, err := queue.NewAsynqQueue(queue.AsynqConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			Queue:         cfg.AsynqQueue,
			MaxDeliveries: cfg.QueueMaxDeliveries,
			Concurrency:   cfg.WorkerConcurrency,
		}, logger)
		if err != nil {
			logger.Printf("failed to initialize asynq queue, fallback to local: %v", err)
			break
		}
		logger.Printf("asynq queue initialized queue=%s", cfg.AsynqQueue)
		base, consumer = tasks, tasks
		baseCloser = func() { _ = tasks.Close() }
		ownScheduling = true
	case config.QueueBackendLocal, "":
	default:
		logger.Printf("unknown QUEUE_BACKEND=%q, using local queue", cfg.QueueBackend)
	}

	if base == nil {
		local := queue.NewLocalQueue(queue.LocalConfig{
			VisibilityTimeout: visibility,
			MaxDeliveries:     cfg.QueueMaxDeliveries,
			RetryDelay:        time.Second,
		}, logger)
		base, consumer = local, local
		ownScheduling = false
		logger.Printf("local queue initialized")
	}

	producer = base
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, base, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Printf(
			"queue batching enabled size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
			cfg.QueueBatchSize,
			cfg.QueueBatchFlushMS,
			cfg.QueueBatchQueueCapacity,
			cfg.QueueBatchMaxInFlight,
		)
	}

	return producer, consumer, ownScheduling, func() {
		batchingCloser()
		baseCloser()
	}
}

func NewAnalyzer(cfg config.Config) *analysis.Client {
	return analysis.NewClient(analysis.ClientConfig{
		APIKey:            cfg.AnalysisAPIKey,
		BaseURL:           cfg.AnalysisBaseURL,
		Model:             cfg.AnalysisModel,
		Prompt:            cfg.AnalysisPrompt,
		Timeout:           time.Duration(cfg.AnalysisTimeoutMS) * time.Millisecond,
		RequestsPerSecond: cfg.AnalysisRPS,
	})
}

func NewRasterizer(cfg config.Config, logger *log.Logger) *raster.PDFRasterizer {
	return raster.NewPDFRasterizer(raster.Config{
		PdftoppmPath: cfg.PdftoppmPath,
		DPI:          cfg.RasterDPI,
		MaxPages:     cfg.RasterMaxPages,
	}, raster.ExecRunner{Logger: logger}, logger)
}

func RetryPolicy(cfg config.Config) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxAttempts:    cfg.AnalysisMaxAttempts,
		InitialBackoff: time.Duration(cfg.AnalysisBackoffInitialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.AnalysisBackoffMaxMS) * time.Millisecond,
		MaxElapsed:     time.Duration(cfg.AnalysisRetryBudgetMS) * time.Millisecond,
	}
}

// NewProcessor wires the pipeline worker over the shared components.
func (c *Components) NewProcessor(cfg config.Config, logger *log.Logger) *worker.Processor {
	if cfg.AnalysisAPIKey == "" {
		logger.Printf("ANALYSIS_API_KEY not configured, analysis calls will fail")
	}
	return worker.NewProcessor(
		c.Consumer,
		c.Repo,
		c.Blobs,
		NewRasterizer(cfg, logger),
		NewAnalyzer(cfg),
		worker.ProcessorConfig{Concurrency: c.WorkerConcurrency, Retry: RetryPolicy(cfg)},
		logger,
	)
}

func (c *Components) NewSweeper(cfg config.Config, logger *log.Logger) *worker.Sweeper {
	return worker.NewSweeper(c.Repo, c.Producer, worker.SweeperConfig{
		Interval:   time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		StaleAfter: time.Duration(cfg.SweepStaleAfterSeconds) * time.Second,
		StuckAfter: time.Duration(cfg.SweepStuckAfterSeconds) * time.Second,
	}, logger)
}
