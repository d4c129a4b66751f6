// Package app wires configuration into the crawl, retrieval, and catalog
// runners and owns the long-lived clients they share.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/archive"
	"github.com/JakeFAU/climate-archive-crawler/internal/catalog"
	"github.com/JakeFAU/climate-archive-crawler/internal/clock/system"
	"github.com/JakeFAU/climate-archive-crawler/internal/config"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/climate-archive-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/climate-archive-crawler/internal/hash/sha256"
	runid "github.com/JakeFAU/climate-archive-crawler/internal/id/uuid"
	"github.com/JakeFAU/climate-archive-crawler/internal/index"
	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/climate-archive-crawler/internal/progress/sinks"
	"github.com/JakeFAU/climate-archive-crawler/internal/publisher"
	gcppublisher "github.com/JakeFAU/climate-archive-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/climate-archive-crawler/internal/retrieval"
	"github.com/JakeFAU/climate-archive-crawler/internal/server"
	"github.com/JakeFAU/climate-archive-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/climate-archive-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/climate-archive-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/climate-archive-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/climate-archive-crawler/internal/storage/postgres"
)

// Deps are the collaborators of an App. Only Fetcher is required; nil
// optional fields disable that feature.
type Deps struct {
	Fetcher   crawler.Fetcher
	Blobs     storage.BlobStore
	Publisher publisher.Publisher
	Records   catalog.RecordSink
	Emitter   progress.Emitter
	Clock     crawler.Clock
	RunID     uuid.UUID
	Logger    *zap.Logger
}

// App holds the services of one command invocation.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	runID     uuid.UUID
	index     *index.Client
	pipeline  *retrieval.Pipeline
	hasher    *sha256.Hasher
	clock     crawler.Clock
	emitter   progress.Emitter
	blobs     storage.BlobStore
	publisher publisher.Publisher
	records   catalog.RecordSink
	tracker   *statusTracker

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New builds an App from cfg and explicit dependencies.
func New(cfg config.Config, deps Deps) (*App, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.RunID == uuid.Nil {
		id, err := runid.New().NewRunID()
		if err != nil {
			return nil, err
		}
		deps.RunID = id
	}

	idx, err := index.New(index.Config{
		BaseURL:          cfg.Index.BaseURL,
		EntryPath:        cfg.Index.EntryPath,
		RegionPattern:    cfg.Index.RegionPattern,
		FileTableSummary: cfg.Index.FileTableSummary,
		ArchiveExtension: cfg.Index.ArchiveExtension,
	}, deps.Fetcher, logger.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("index client init failed: %w", err)
	}

	hasher := sha256.New()
	pipeline, err := retrieval.New(retrieval.Config{
		OutputDir:     cfg.Retrieval.OutputDir,
		Concurrency:   cfg.Retrieval.Concurrency,
		DataExtension: cfg.Retrieval.DataExtension,
	}, retrieval.Deps{
		Fetcher:    deps.Fetcher,
		Extractors: archive.NewRegistry(),
		Hasher:     hasher,
		Clock:      deps.Clock,
		Emitter:    deps.Emitter,
		Logger:     logger.Named("retrieval"),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval pipeline init failed: %w", err)
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		runID:     deps.RunID,
		index:     idx,
		pipeline:  pipeline,
		hasher:    hasher,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		records:   deps.Records,
		tracker:   newStatusTracker(deps.RunID),
	}, nil
}

// Build creates every dependency named by cfg. The returned App must be
// closed to flush progress events and release clients.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := runid.New().NewRunID()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", id.String()))

	var closers []closer
	fail := func(err error) (*App, error) {
		runClosers(context.Background(), logger, closers)
		return nil, err
	}

	deps := Deps{RunID: id, Clock: system.New(), Logger: logger}
	deps.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
	})
	logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))

	blobs, c, err := setupStorage(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	deps.Blobs = blobs
	closers = append(closers, c...)

	records, c, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	deps.Records = records
	closers = append(closers, c...)

	pub, c, err := setupPublisher(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	deps.Publisher = pub
	closers = append(closers, c...)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tracker := newStatusTracker(id)
	hub, err := setupProgress(ctx, cfg, id, registry, tracker, logger)
	if err != nil {
		return fail(err)
	}
	if hub != nil {
		deps.Emitter = hub
		// Registered first so it runs last, after every producer has stopped.
		closers = append([]closer{{name: "progress hub", fn: hub.Close}}, closers...)
	}

	a, err := New(cfg, deps)
	if err != nil {
		return fail(err)
	}
	a.tracker = tracker
	a.closers = closers

	if cfg.Metrics.Addr != "" {
		if err := a.startServer(ctx, registry); err != nil {
			return fail(err)
		}
	}
	return a, nil
}

func setupStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.BlobStore, []closer, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.Storage.Bucket})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		logger.Info("using GCS mirror", zap.String("bucket", cfg.Storage.Bucket))
		return store, []closer{{name: "gcs client", fn: func(context.Context) error { return store.Close() }}}, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		logger.Info("using local mirror", zap.String("path", cfg.Storage.BaseDir))
		return store, nil, nil
	case "memory":
		logger.Info("using in-memory mirror")
		return memorystorage.NewBlobStore(), nil, nil
	default:
		logger.Debug("mirror upload disabled")
		return nil, nil, nil
	}
}

func setupDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (catalog.RecordSink, []closer, error) {
	if cfg.DB.DSN == "" {
		logger.Debug("no database DSN configured, catalog rows will not be stored")
		return nil, nil, nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
		DSN:             cfg.DB.DSN,
		Table:           cfg.DB.Table,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("record store init failed: %w", err)
	}
	logger.Info("record store initialized", zap.String("table", cfg.DB.Table))
	return store, []closer{{name: "record store", fn: func(context.Context) error {
		store.Close()
		return nil
	}}}, nil
}

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, []closer, error) {
	if cfg.PubSub.TopicName == "" {
		logger.Debug("no Pub/Sub topic configured, notifications disabled")
		return nil, nil, nil
	}
	pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return pub, []closer{{name: "pubsub publisher", fn: func(context.Context) error { return pub.Close() }}}, nil
}

func setupProgress(
	ctx context.Context,
	cfg config.Config,
	id uuid.UUID,
	registry prometheus.Registerer,
	tracker *statusTracker,
	logger *zap.Logger,
) (*progress.Hub, error) {
	if !cfg.Progress.Enabled {
		logger.Debug("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink, tracker}
	if cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(logger.Named("progress")))
	}
	hub := progress.NewHub(progress.Config{
		RunID:          progress.UUIDToBytes(id),
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger.Named("progress_hub"),
	}, sinkList...)
	return hub, nil
}

func (a *App) startServer(ctx context.Context, registry *prometheus.Registry) error {
	srv, err := server.New(
		server.Config{Addr: a.cfg.Metrics.Addr},
		registry,
		registry,
		func() any { return a.Status() },
		a.logger.Named("server"),
	)
	if err != nil {
		return fmt.Errorf("metrics server init failed: %w", err)
	}
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(srvCtx)
	}()
	// The server stops before anything else so /v1/status never reads a
	// closed component.
	a.closers = append(a.closers, closer{name: "metrics server", fn: func(context.Context) error {
		cancel()
		return <-done
	}})
	return nil
}

// RunID identifies this invocation in logs, events, and notifications.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Config returns the effective configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Status returns a snapshot of the current run.
func (a *App) Status() Status {
	st := a.tracker.snapshot()
	if hub, ok := a.emitter.(*progress.Hub); ok {
		st.DroppedEvents = hub.Dropped()
	}
	return st
}

// Close releases clients in reverse order of creation and flushes progress.
func (a *App) Close(ctx context.Context) error {
	runClosers(ctx, a.logger, a.closers)
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func runClosers(ctx context.Context, logger *zap.Logger, closers []closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			logger.Warn("close failed", zap.String("component", closers[i].name), zap.Error(err))
		}
	}
}
