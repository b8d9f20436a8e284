// Package app assembles the integrator services from configuration. Every
// binary builds one App and picks the parts it serves.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/Integrator/internal/adapters"
	"github.com/dharsanguruparan/Integrator/internal/alert"
	"github.com/dharsanguruparan/Integrator/internal/artifact"
	"github.com/dharsanguruparan/Integrator/internal/checkrun"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/config"
	"github.com/dharsanguruparan/Integrator/internal/database"
	"github.com/dharsanguruparan/Integrator/internal/engine"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/ingest"
	"github.com/dharsanguruparan/Integrator/internal/maintenance"
	"github.com/dharsanguruparan/Integrator/internal/repository"
	"github.com/dharsanguruparan/Integrator/internal/retry"
	"github.com/dharsanguruparan/Integrator/internal/runs"
	"github.com/dharsanguruparan/Integrator/internal/s3storage"
	"github.com/dharsanguruparan/Integrator/internal/signing"
	"github.com/dharsanguruparan/Integrator/internal/storage"
	"github.com/dharsanguruparan/Integrator/internal/store"
	"github.com/dharsanguruparan/Integrator/internal/trigger"
)

const ingestTimeout = time.Minute

// Options select the backing stores.
type Options struct {
	// Memory keeps rows and artifact bytes in process instead of Postgres
	// and S3.
	Memory bool
}

// App holds the wired services.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Clock    clock.TimeProvider
	Store    store.Store
	Objects  store.ObjectStore
	Alerts   alert.Sink
	Machine  *runs.Machine
	Registry *engine.Registry

	Artifacts *artifact.Store
	CheckRuns *checkrun.Controller
	Ingester  engine.Ingester
	Engine    *engine.Engine
	Signer    *signing.Signer

	pool *pgxpool.Pool
}

// Build connects the stores, loads the connector catalog and wires the run
// engine.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    clock.Real{},
		Alerts:   alert.LogSink{Logger: logger},
		Registry: engine.NewRegistry(),
		Signer:   signing.NewSigner([]byte(cfg.SigningSecret), cfg.SignatureTTL),
	}
	if err := a.openStores(ctx, opts); err != nil {
		return nil, err
	}
	if err := adapters.Register(a.Registry); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.loadCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Machine = runs.NewMachine(a.Store, a.Clock, logger, runs.LogHook{Logger: logger})
	a.Artifacts = artifact.NewStore(a.Store, a.Store, a.Objects, a.Alerts, a.Clock, logger)
	a.CheckRuns = checkrun.NewController(a.Store, a.Store, a.Clock, logger)

	httpClient := &http.Client{Timeout: ingestTimeout}
	if cfg.IngestBaseURL != "" {
		limiter := rate.NewLimiter(rate.Limit(cfg.IngestRatePerSecond), cfg.IngestBurst)
		client := ingest.NewClient(cfg.IngestBaseURL, cfg.IngestToken, httpClient, limiter, retry.HTTPPolicy(), logger)
		a.Ingester = ingest.NewBridge(client, a.Store, a.Store, a.Artifacts, ingest.Options{
			UploadEnabled:     cfg.IngestUploadEnabled,
			CreateEnabled:     cfg.IngestCreateEnabled,
			UnknownLocationID: cfg.UnknownLocationID,
		}, a.Clock, logger)
	} else {
		logger.Warn("ingestion is not configured; saved files wait for post-processing")
	}

	a.Engine = engine.New(engine.Deps{
		Runs:      a.Store,
		Jobs:      a.Store,
		Objects:   a.Objects,
		Machine:   a.Machine,
		Registry:  a.Registry,
		Artifacts: a.Artifacts,
		CheckRuns: a.CheckRuns,
		Ingester:  a.Ingester,
		Services: &engine.CoreServices{
			Clock:      a.Clock,
			HTTPClient: httpClient,
			Alerts:     a.Alerts,
			Logger:     logger,
		},
		TempDir:              cfg.TempDownloadDir,
		ConnectorConcurrency: cfg.ConnectorConcurrency,
		Logger:               logger,
	})
	return a, nil
}

func (a *App) openStores(ctx context.Context, opts Options) error {
	if opts.Memory {
		a.Store = storage.NewMemoryStore()
		a.Objects = storage.NewMemoryObjects()
		return nil
	}
	if a.Config.DatabaseURL == "" {
		return errors.WithHint(errors.New("database_url is not set"),
			"set "+config.EnvPrefix+"_DATABASE_URL or run in local mode")
	}
	pool, err := database.Connect(ctx, a.Config.DatabaseURL, retry.ConnectPolicy(), a.Logger)
	if err != nil {
		return err
	}
	if err := database.Migrate(pool); err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.Store = repository.New(pool)

	objects, err := s3storage.New(a.Config)
	if err != nil {
		pool.Close()
		return errors.Wrap(err, "init object storage")
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, "ensure bucket")
	}
	a.Objects = objects
	return nil
}

// loadCatalog upserts the catalog connectors and jobs and warns about enabled
// connectors without an adapter.
func (a *App) loadCatalog(ctx context.Context) error {
	if a.Config.ConnectorCatalog != "" {
		cat, err := config.LoadCatalog(a.Config.ConnectorCatalog)
		if err != nil {
			return err
		}
		for _, c := range cat.Connectors {
			if err := a.Store.UpsertConnector(ctx, c); err != nil {
				return errors.Wrapf(err, "load connector %s", c.ID)
			}
		}
		for _, j := range cat.Jobs {
			if j.CreatedAt.IsZero() {
				j.CreatedAt = a.Clock.Now().UTC()
			}
			if err := a.Store.UpsertJob(ctx, j); err != nil {
				return errors.Wrapf(err, "load job %s", j.ID)
			}
		}
		a.Logger.Info("connector catalog loaded", "path", a.Config.ConnectorCatalog,
			"connectors", len(cat.Connectors), "jobs", len(cat.Jobs))
	}
	connectors, err := a.Store.ListConnectors(ctx)
	if err != nil {
		return err
	}
	a.Registry.Validate(ctx, connectors, a.Logger)
	return nil
}

// Triggers builds the trigger scheduler sending runs to q.
func (a *App) Triggers(q runs.Enqueuer) *trigger.Scheduler {
	factory := trigger.NewFactory(a.Store, a.Clock, time.UTC)
	return trigger.NewScheduler(a.Store, a.Store, factory, a.Machine, q, a.Logger)
}

// Maintenance builds the maintenance loop requeueing runs on q.
func (a *App) Maintenance(q runs.Enqueuer) *maintenance.Loop {
	d := maintenance.Deps{
		Runs:                   a.Store,
		Files:                  a.Store,
		Machine:                a.Machine,
		Queue:                  q,
		CheckRuns:              a.CheckRuns,
		TempDir:                a.Config.TempDownloadDir,
		TempFileTTL:            a.Config.TempFileTTL,
		PostProcessConcurrency: a.Config.PostProcessConcurrency,
		Clock:                  a.Clock,
		Logger:                 a.Logger,
	}
	if a.Ingester != nil {
		d.Ingester = a.Ingester
	}
	return maintenance.New(d)
}

// RedisOpt is the asynq connection for the configured Redis.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// Pool returns the Postgres pool, nil in memory mode.
func (a *App) Pool() *pgxpool.Pool { return a.pool }

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
