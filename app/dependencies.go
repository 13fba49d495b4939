package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/sdp-ingestion/config"
	"github.com/upb/sdp-ingestion/handlers"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/middleware"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/repositories/memory"
	"github.com/upb/sdp-ingestion/repositories/postgres"
	"github.com/upb/sdp-ingestion/services/audit"
	"github.com/upb/sdp-ingestion/services/ingest"
	"github.com/upb/sdp-ingestion/services/processing"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/results"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock

	// Storage: RepoFactory is set for postgres, MemoryStore for memory
	RepoFactory *postgres.RepositoryFactory
	MemoryStore *memory.Store
	Repos       *repositories.Repositories

	// Services
	Limiter    *ratelimit.Limiter
	Audit      *audit.AuditService
	Authorizer *tenant.Authorizer
	Ingest     *ingest.Service
	Processing *processing.Service
	Results    *results.Service

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	BatchHandler   *handlers.BatchHandler
	HealthHandler  *handlers.HealthHandler

	closeOnce sync.Once
	closeErr  error
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	return newDependencies(ctx, cfg, logger, clock.Real{})
}

func newDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, clk clock.Clock) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Clock:  clk,
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("rate_limit", cfg.RateLimit.Limit),
		zap.Duration("rate_window", cfg.RateLimit.Window))
	return deps, nil
}

// initStorage opens the configured store and makes sure its schema exists
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		d.MemoryStore = memory.NewStore(d.Logger)
		d.Repos = d.MemoryStore.Repositories()
		d.Logger.Warn("using in-memory storage, data is lost on restart")
		return nil

	case config.StorageDriverPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		d.RepoFactory = factory
		d.Repos = factory.NewRepositories()
		d.Logger.Info("repositories initialized", zap.String("connection", cfg.Database.LogString()))
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// initServices builds the limiter, audit trail, authorizer and batch services
func (d *Dependencies) initServices(cfg *config.Config) error {
	limiter, err := ratelimit.NewLimiter(ratelimit.OptionsFromConfig(cfg.RateLimit), d.Clock, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	d.Limiter = limiter

	d.Audit = audit.NewAuditService(d.Repos.AuditEvents, d.Clock, d.Logger, audit.ConfigFrom(cfg.Audit))
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.Authorizer = tenant.NewAuthorizerFromConfig(cfg.Auth, d.Clock, d.Logger)

	d.Ingest = ingest.NewService(d.Repos, d.Limiter, d.Audit, d.Clock, cfg.Processing.MaxRecords, d.Logger).
		WithRawValueCheck(cfg.Processing.RejectRawValues)
	d.Processing = processing.NewService(d.Repos, d.Limiter, d.Audit,
		processing.ScorerFromConfig(cfg.Processing), d.Clock, cfg.Processing.MaxRecords, d.Logger)
	d.Results = results.NewService(d.Repos, d.Limiter, d.Audit, d.Logger)
	return nil
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Authorizer, d.Logger)
	d.BatchHandler = handlers.NewBatchHandler(d.Ingest, d.Processing, d.Results,
		cfg.Server.MaxUploadBytes, cfg.Processing.MaxRecords, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(map[string]handlers.HealthChecker{
		"storage": handlers.HealthCheckFunc(d.storageHealth),
		"audit":   d.Audit,
	}, d.Logger)
}

func (d *Dependencies) storageHealth(ctx context.Context) error {
	if d.RepoFactory != nil {
		return d.RepoFactory.HealthCheck(ctx)
	}
	return d.MemoryStore.HealthCheck(ctx)
}

// Close gracefully shuts down all dependencies. Queued audit events are
// flushed before the database is closed. Calling Close again is a no-op.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close(ctx)
	})
	return d.closeErr
}

func (d *Dependencies) close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			timeout = time.Second
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

// Migrate creates the postgres schema without starting any service
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.Driver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate requires the %s storage driver, got %q", config.StorageDriverPostgres, cfg.Storage.Driver)
	}

	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	defer factory.Close()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("schema is up to date", zap.String("connection", cfg.Database.LogString()))
	return nil
}
