// Package app assembles the ingestion service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	analyzer "github.com/newswatch/ingest/internal/analyzer/ollama"
	"github.com/newswatch/ingest/internal/api"
	"github.com/newswatch/ingest/internal/clock/system"
	"github.com/newswatch/ingest/internal/config"
	"github.com/newswatch/ingest/internal/fetcher"
	collyfetcher "github.com/newswatch/ingest/internal/fetcher/colly"
	headlessfetcher "github.com/newswatch/ingest/internal/fetcher/headless"
	"github.com/newswatch/ingest/internal/hash/sha256"
	"github.com/newswatch/ingest/internal/headless/detector"
	"github.com/newswatch/ingest/internal/id/uuid"
	"github.com/newswatch/ingest/internal/load"
	"github.com/newswatch/ingest/internal/logging"
	"github.com/newswatch/ingest/internal/news"
	"github.com/newswatch/ingest/internal/persist"
	"github.com/newswatch/ingest/internal/pipeline"
	"github.com/newswatch/ingest/internal/progress"
	progresssinks "github.com/newswatch/ingest/internal/progress/sinks"
	memorypublisher "github.com/newswatch/ingest/internal/publisher/memory"
	gcppublisher "github.com/newswatch/ingest/internal/publisher/pubsub"
	"github.com/newswatch/ingest/internal/ratelimit"
	memorysource "github.com/newswatch/ingest/internal/source/memory"
	pgsource "github.com/newswatch/ingest/internal/source/postgres"
	gcsstorage "github.com/newswatch/ingest/internal/storage/gcs"
	localstorage "github.com/newswatch/ingest/internal/storage/local"
	memorystorage "github.com/newswatch/ingest/internal/storage/memory"
	memorystore "github.com/newswatch/ingest/internal/store/memory"
	pgstore "github.com/newswatch/ingest/internal/store/postgres"
	"github.com/newswatch/ingest/internal/telemetry"
)

// App holds every long-lived component of the ingestion service plus the
// clients it must close on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	orch      *pipeline.Orchestrator
	persister *persist.Persister
	loadCtl   *load.Controller
	limiter   *ratelimit.Limiter
	hub       *progress.Hub
	ring      *progresssinks.RingSink

	gcsClient *storage.Client
	publisher *gcppublisher.Publisher
	pgStore   *pgstore.Store
	pgSource  *pgsource.Source
	headless  *headlessfetcher.Fetcher
}

// Build constructs the full component graph from cfg. Postgres, GCS, Pub/Sub
// and headless rendering are wired only when configured; every other slot
// falls back to an in-memory implementation so the service runs standalone.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	telemetry.Init()

	app := &App{cfg: cfg, logger: logger}

	app.limiter = buildLimiter(cfg.RateLimit)
	app.loadCtl = load.NewController(loadConfigFor(cfg), load.NewHostSampler(), logger.Named("load"))

	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	source, store, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	events, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}
	fetch, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}

	analyze, err := analyzer.New(analyzer.Config{
		BaseURL:       cfg.Analyzer.BaseURL,
		Model:         cfg.Analyzer.Model,
		Timeout:       time.Duration(cfg.Analyzer.TimeoutSeconds) * time.Second,
		MaxInputBytes: cfg.Analyzer.MaxInputBytes,
	}, logger.Named("analyzer"))
	if err != nil {
		return nil, fmt.Errorf("analyzer init failed: %w", err)
	}

	// The persister requeues rolled-back batches through the orchestrator;
	// the orchestrator flushes outcomes through the persister. The closure
	// breaks the construction cycle: app.orch is assigned before Run starts
	// either loop.
	app.persister = persist.New(store, persist.Config{
		MaxSize: cfg.Persist.MaxBatchSize,
		MaxWait: cfg.FlushInterval(),
		Events:  events,
	}, func(batch []news.Outcome) {
		if app.orch != nil {
			app.orch.Requeue(batch)
		}
	}, logger.Named("persist"))

	// On an overloaded sample, drain the outcome buffer early instead of
	// letting it sit at the size threshold while workers are being shed.
	app.loadCtl.RegisterMitigation(overloadFlush(app.persister, logger.Named("load")))

	alertTopic := ""
	if cfg.PubSub.Enabled {
		alertTopic = cfg.PubSub.AlertTopic
	}
	marker, _ := source.(news.Marker)
	app.orch, err = pipeline.New(pipeline.Config{
		MaxAttempts:          cfg.Pipeline.MaxAttempts,
		PerItemDeadline:      cfg.ItemDeadline(),
		Backoff:              cfg.BackoffSchedule(),
		MinContentBytes:      cfg.Pipeline.MinContentBytes,
		PollInterval:         time.Duration(cfg.Pipeline.PollIntervalMs) * time.Millisecond,
		BlobPrefix:           cfg.Storage.Prefix,
		AlertTopic:           alertTopic,
		AlertImpactThreshold: cfg.Pipeline.ImportantThreshold,
	}, pipeline.Deps{
		Source:     source,
		Fetcher:    fetch,
		Analyzer:   analyze,
		Sink:       app.persister,
		Limiter:    app.limiter,
		Controller: app.loadCtl,
		Blobs:      blobs,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		Events:     events,
		Marker:     marker,
		Logger:     logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	enqueuer, _ := source.(api.Enqueuer)
	app.apiServer = api.NewServer(api.Deps{
		Pipeline:  app.orch,
		Load:      app.loadCtl,
		Limiter:   app.limiter,
		Persister: app.persister,
		Enqueuer:  enqueuer,
		Events:    app.ring,
		IDGen:     uuid.New(),
		Clock:     system.New(),
		Logger:    logger.Named("api"),
	})

	return app, nil
}

// Run starts the load controller, persister, orchestrator and HTTP server,
// then blocks until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.loadCtl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.persister.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.orch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close releases every client the app owns. Safe to call once after Run
// returns or after a failed startup.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		if err := a.headless.Close(ctx); err != nil {
			a.logger.Warn("headless fetcher close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.pgSource != nil {
		a.pgSource.Close()
	}
	a.logger.Info("shutdown complete")
	//nolint:errcheck // stderr sync fails on some platforms, nothing to do about it
	_ = a.logger.Sync()
	return nil
}

// buildLimiter converts requests-per-second rates into token bucket limits.
// The bucket holds a full burst and refills it over burst/rate seconds, which
// sustains the configured rate while allowing short spikes.
func buildLimiter(cfg config.RateLimitConfig) *ratelimit.Limiter {
	burst := cfg.DefaultBurst
	limits := make(map[string]ratelimit.Limit, len(cfg.SourceRates))
	for source, rate := range cfg.SourceRates {
		limits[source] = ratelimit.Limit{
			Capacity: burst,
			Period:   periodFor(rate, burst),
		}
	}
	def := ratelimit.Limit{
		Capacity: burst,
		Period:   periodFor(cfg.DefaultRate, burst),
	}
	return ratelimit.NewWithDefault(def, limits)
}

func periodFor(ratePerSec float64, burst int) time.Duration {
	return time.Duration(float64(burst) / ratePerSec * float64(time.Second))
}

// loadConfigFor maps the configured watermarks onto controller thresholds.
// CPU watermarks arrive as fractions and the controller compares percents;
// memory thresholds pass through as bytes, zero meaning disabled.
func loadConfigFor(cfg config.Config) load.Config {
	return load.Config{
		MinWorkers:      cfg.Pipeline.MinWorkers,
		MaxWorkers:      cfg.Pipeline.MaxWorkers,
		HighCPUPercent:  cfg.Load.HighWatermark * 100,
		LowCPUPercent:   cfg.Load.LowWatermark * 100,
		HighMemoryBytes: cfg.Load.HighMemoryBytes,
		LowMemoryBytes:  cfg.Load.LowMemoryBytes,
		Interval:        time.Duration(cfg.Load.SampleIntervalSec) * time.Second,
		HistorySize:     cfg.Load.HistorySize,
	}
}

// overloadFlush builds the mitigation registered with the load controller:
// flush whatever the persister has buffered so its memory is reclaimed on the
// next commit rather than held until a threshold trips.
func overloadFlush(p *persist.Persister, logger *zap.Logger) func() {
	return func() {
		if p.Pending() == 0 {
			return
		}
		if _, err := p.Flush(context.Background()); err != nil {
			logger.Warn("overload flush failed", zap.Error(err))
		}
	}
}

func (a *App) setupBlobStore(ctx context.Context) (news.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("dir", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupDatabase returns the item source and outcome store, Postgres-backed
// when a DSN is configured and in-memory otherwise.
func (a *App) setupDatabase(ctx context.Context) (news.Source, news.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set, items and outcomes are held in memory only")
		return memorysource.New(), memorystore.New(), nil
	}
	lifetime := time.Duration(a.cfg.DB.ConnLifetimeSec) * time.Second
	src, err := pgsource.New(ctx, pgsource.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.WorkItemsTable,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: lifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("work item source init failed: %w", err)
	}
	a.pgSource = src

	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.ArticlesTable,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: lifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("article store init failed: %w", err)
	}
	a.pgStore = store

	a.logger.Info("postgres initialized",
		zap.String("work_items_table", a.cfg.DB.WorkItemsTable),
		zap.String("articles_table", a.cfg.DB.ArticlesTable),
	)
	return src, store, nil
}

func (a *App) setupPublisher(ctx context.Context) (news.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("alert_topic", a.cfg.PubSub.AlertTopic),
	)
	return pub, nil
}

// setupProgress builds the event hub with a ring buffer for the events API,
// a structured log sink and a Prometheus sink feeding /metrics.
func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	a.ring = progresssinks.NewRingSink(0)
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		a.ring,
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.hub, nil
}

func (a *App) setupFetcher() (news.Fetcher, error) {
	fast := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       time.Duration(a.cfg.Fetcher.TimeoutSeconds) * time.Second,
	})

	// With headless disabled the rendered slot is a stub whose failures make
	// the composite keep fast-path content, with a warning naming the page
	// that wanted rendering.
	var rendered news.Fetcher = headlessfetcher.NewNoop()
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			PoolSize:          a.cfg.Headless.PoolSize,
			SessionMaxUses:    a.cfg.Headless.SessionMaxUses,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = hf
		rendered = hf
		a.logger.Info("headless rendering enabled", zap.Int("pool_size", a.cfg.Headless.PoolSize))
	}

	detect := detector.NewHeuristic(0)
	return fetcher.NewComposite(fast, rendered, detect, a.logger.Named("fetcher"))
}
