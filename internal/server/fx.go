// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/api"
	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/dedupe"
	"github.com/JakeFAU/leadscout/internal/delivery"
	"github.com/JakeFAU/leadscout/internal/delivery/logdeliver"
	pubsubpublisher "github.com/JakeFAU/leadscout/internal/delivery/pubsub"
	"github.com/JakeFAU/leadscout/internal/enrich"
	"github.com/JakeFAU/leadscout/internal/export"
	collyfetcher "github.com/JakeFAU/leadscout/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/leadscout/internal/fetcher/headless"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/hash/sha256"
	"github.com/JakeFAU/leadscout/internal/headless/detector"
	"github.com/JakeFAU/leadscout/internal/id/uuid"
	"github.com/JakeFAU/leadscout/internal/jobs"
	"github.com/JakeFAU/leadscout/internal/metrics"
	"github.com/JakeFAU/leadscout/internal/policy/ratelimit"
	"github.com/JakeFAU/leadscout/internal/progress"
	progresssinks "github.com/JakeFAU/leadscout/internal/progress/sinks"
	"github.com/JakeFAU/leadscout/internal/resilience"
	"github.com/JakeFAU/leadscout/internal/rotator"
	"github.com/JakeFAU/leadscout/internal/scheduler"
	"github.com/JakeFAU/leadscout/internal/scrapers"
	"github.com/JakeFAU/leadscout/internal/sources"
	gcsstorage "github.com/JakeFAU/leadscout/internal/storage/gcs"
	localstorage "github.com/JakeFAU/leadscout/internal/storage/local"
	memorystorage "github.com/JakeFAU/leadscout/internal/storage/memory"
	pgstore "github.com/JakeFAU/leadscout/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	stores       *Stores
	apiServer    *api.Server
	jobs         *jobs.Manager
	scheduler    *scheduler.Scheduler
	progressHub  *progress.Hub
	pubsubClient *pubsub.Client
	publisher    *pubsubpublisher.Publisher
	storage      *storage.Client
	history      *pgstore.JobStore
	renderer     *headlessfetcher.Renderer
	gemini       *enrich.Gemini
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort      int    `json:"server_port"`
		StorageBackend  string `json:"storage_backend"`
		DeliveryBackend string `json:"delivery_backend"`
		AIEnabled       bool   `json:"ai_enabled"`
		HeadlessEnabled bool   `json:"headless_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:      cfg.Server.Port,
		StorageBackend:  cfg.Storage.Backend,
		DeliveryBackend: cfg.Delivery.Backend,
		AIEnabled:       cfg.AI.Enabled,
		HeadlessEnabled: cfg.Headless.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

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

	grace := config.Seconds(a.cfg.Server.ShutdownGraceSeconds)
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops running jobs so they keep their partial results, then
// releases every client.
func (a *App) Close(ctx context.Context) error {
	if a.jobs != nil {
		if err := a.jobs.Shutdown(ctx); err != nil {
			a.logger.Warn("job shutdown incomplete", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.gemini != nil {
		if err := a.gemini.Close(); err != nil {
			a.logger.Warn("gemini close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.history != nil {
		a.history.Close()
	}
	a.stores.Close()
}

// BuildWithLogger wires the application around an existing logger. Job
// lifecycle collectors are registered with reg.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	metrics.Init()
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if app.stores, err = OpenStores(ctx, cfg, logger); err != nil {
		return nil, err
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.Background())
		}
	}()

	exporter, err := export.NewExporter(cfg.Artifacts.Dir, logger.Named("export"))
	if err != nil {
		return nil, err
	}
	saver, err := resilience.NewAutoSaver(resilience.AutoSaverConfig{
		Dir:      cfg.Artifacts.Dir,
		Interval: config.Seconds(cfg.Jobs.AutosaveIntervalSeconds),
	}, app.stores.Clock, logger.Named("autosave"))
	if err != nil {
		return nil, err
	}
	mirror, err := setupMirror(ctx, app)
	if err != nil {
		return nil, err
	}
	deliverer, err := setupDelivery(ctx, app)
	if err != nil {
		return nil, err
	}
	runner, err := setupSources(app)
	if err != nil {
		return nil, err
	}
	history, err := setupHistory(ctx, app)
	if err != nil {
		return nil, err
	}
	events, err := setupProgress(app, reg)
	if err != nil {
		return nil, err
	}

	app.jobs, err = jobs.NewManager(jobs.Config{
		DailyLimitTrial:   cfg.Quota.DailyLimitTrial,
		DailyLimitPaid:    cfg.Quota.DailyLimitPaid,
		Location:          loc,
		DefaultMaxResults: cfg.Jobs.MaxResultsDefault,
		MaxResultsCap:     cfg.Jobs.MaxResultsCap,
		DefaultFormat:     harvest.Format(cfg.Jobs.DefaultFormat),
		DeliveryTimeout:   config.Seconds(cfg.Jobs.DeliveryTimeoutSeconds),
		MirrorPrefix:      cfg.Artifacts.Prefix,
	}, jobs.Deps{
		Accounts:  app.stores.Accounts,
		Runner:    runner,
		Exporter:  exporter,
		AutoSaver: saver,
		Pending:   app.stores.Pending,
		Deliverer: deliverer,
		Mirror:    mirror,
		Checksums: sha256.New(),
		History:   history,
		Events:    events,
		IDs:       uuid.New(),
		Clock:     app.stores.Clock,
		Logger:    logger.Named("jobs"),
	})
	if err != nil {
		return nil, fmt.Errorf("job manager init failed: %w", err)
	}

	app.scheduler, err = scheduler.New(scheduler.Config{
		Schedule: cfg.Scheduler.DrainSchedule,
		Timeout:  config.Seconds(cfg.Jobs.DeliveryTimeoutSeconds),
		Location: loc,
	}, app.stores.Pending, deliverer, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.apiServer, err = api.NewServer(api.Deps{
		Pool:     app.stores.Pool,
		Accounts: app.stores.Accounts,
		Jobs:     app.jobs,
		Drainer:  app.scheduler,
	}, *cfg, logger.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	built = true
	return app, nil
}

func setupMirror(ctx context.Context, app *App) (harvest.BlobStore, error) {
	switch {
	case app.cfg.Artifacts.GCSBucket != "":
		app.logger.Info("mirroring artifacts to GCS", zap.String("bucket", app.cfg.Artifacts.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Artifacts.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case app.cfg.Artifacts.MirrorDir != "":
		app.logger.Info("mirroring artifacts to a local directory", zap.String("path", app.cfg.Artifacts.MirrorDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Artifacts.MirrorDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	case app.cfg.Storage.Backend == config.BackendMemory:
		app.logger.Debug("mirroring artifacts in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("artifact mirror disabled")
		return nil, nil
	}
}

func setupDelivery(ctx context.Context, app *App) (harvest.Deliverer, error) {
	if app.cfg.Delivery.Backend != config.DeliveryPubSub {
		app.logger.Info("delivering artifacts to the log")
		return logdeliver.New(app.logger.Named("delivery")), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.Delivery.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = pubsubpublisher.New(app.pubsubClient)
	notifier, err := delivery.NewNotifier(app.publisher, app.cfg.Delivery.Topic, app.stores.Clock, app.logger.Named("delivery"))
	if err != nil {
		return nil, err
	}
	app.logger.Info("Pub/Sub delivery initialized",
		zap.String("project", app.cfg.Delivery.ProjectID),
		zap.String("topic", app.cfg.Delivery.Topic),
	)
	return notifier, nil
}

func setupSources(app *App) (*sources.Orchestrator, error) {
	cfg := app.cfg
	search, err := scrapers.NewCustomSearch(cfg.Search.EngineID, cfg.Search.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("search client init failed: %w", err)
	}
	pages := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})
	app.logger.Info("using colly page fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
	pacer := ratelimit.New(ratelimit.Config{PerHostRPS: cfg.Fetch.RatePerHost, Burst: cfg.Fetch.Burst})

	deps := scrapers.Deps{
		Search: search,
		Pages:  pages,
		Pacer:  pacer,
		Logger: app.logger.Named("scrapers"),
	}
	if cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: config.Seconds(cfg.Headless.NavTimeoutSec),
		})
		if err != nil {
			app.logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			app.renderer = renderer
			deps.Renderer = renderer
			deps.NeedsRender = detector.NewHeuristic(cfg.Headless.MinTextBytes).NeedsRender
			app.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	phones := dedupe.RulesFor(cfg.Dedupe.CountryCode)
	registry := sources.NewRegistry()
	if err := scrapers.Register(registry, scrapers.Config{
		PageSize:     cfg.Search.PageSize,
		MaxPages:     cfg.Search.MaxPages,
		MaxSites:     cfg.Search.MaxSites,
		ContactPaths: cfg.Fetch.ContactPaths,
		Phones:       phones,
	}, deps); err != nil {
		return nil, err
	}

	var enricher sources.Enricher
	if cfg.AI.Enabled {
		app.gemini = enrich.NewGemini(cfg.AI.Model)
		enricher = enrich.New(app.gemini, cfg.AI.BatchSize, app.logger.Named("enrich"))
		app.logger.Info("AI enrichment enabled", zap.String("model", cfg.AI.Model))
	}
	base, maxBackoff := cfg.Backoff()
	return sources.New(registry, sources.Options{
		TrialLimit: cfg.Jobs.TrialResultLimit,
		Deduper:    dedupe.New(phones),
		Enricher:   enricher,
		Rotator: rotator.Options{
			Backoff:  rotator.Backoff{Base: base, Max: maxBackoff},
			Logger:   app.logger.Named("rotator"),
			OnRotate: metrics.ObserveRotation,
		},
		Logger: app.logger.Named("sources"),
	}), nil
}

func setupHistory(ctx context.Context, app *App) (harvest.JobStore, error) {
	if app.cfg.Postgres.DSN == "" {
		return memorystorage.NewJobStore(app.cfg.Jobs.HistorySize), nil
	}
	var err error
	app.history, err = pgstore.NewJobStore(ctx, app.cfg.Postgres.DSN, app.cfg.Postgres.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("job history init failed: %w", err)
	}
	app.logger.Info("job history stored in postgres")
	return app.history, nil
}

func setupProgress(app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	app.progressHub = progress.NewHub(progress.Config{
		Logger: app.logger.Named("progress_hub"),
	}, progresssinks.NewLogSink(app.logger.Named("progress_log")), promSink)
	app.logger.Info("progress hub initialized")
	return app.progressHub, nil
}
