// Package app wires configuration into running covar services and
// manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	httpapi "github.com/covarlab/covar/internal/api/http"
	"github.com/covarlab/covar/internal/archive"
	"github.com/covarlab/covar/internal/config"
	"github.com/covarlab/covar/internal/identity"
	"github.com/covarlab/covar/internal/ingest"
	"github.com/covarlab/covar/internal/maintain"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/query"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/server"
	"github.com/covarlab/covar/internal/store"
)

// selectivityWindow is how long an unobserved variable's selectivity
// estimate stays live for planning. The maintenance refresh re-seeds
// pruned variables with coverage priors, so the window only bounds
// staleness, not availability.
const selectivityWindow = 24 * time.Hour

// App manages the covar service lifecycles.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	store    *store.Store
	registry *schema.Registry
	resolver *identity.Resolver
	tracker  *observability.SelectivityTracker
	engine   *query.Engine
	pipeline *ingest.Pipeline
	uploads  *archive.Uploads // nil when upload archiving is disabled
	shutdown *server.ShutdownManager

	// Service components
	apiServer *http.Server
	maintSvc  *maintain.Service

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration. The configuration is
// resolved and validated here so a bad config fails before anything
// opens.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes shared resources and starts the services the
// configured mode asks for.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.teardown(ctx)
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunMaintain() {
		if err := a.startMaintenance(ctx); err != nil {
			a.teardown(ctx)
			return fmt.Errorf("failed to start maintenance service: %w", err)
		}
	}

	if a.cfg.ShouldRunAPI() {
		a.startAPIServer()
	}

	a.logger.Info("covar started", zap.String("mode", string(a.cfg.Mode)))
	return nil
}

// initSharedResources opens the store and builds the registry,
// resolver, pipeline, and query engine every service shares. Resources
// register with the shutdown manager as they come up, so teardown
// closes exactly what exists, in reverse order.
func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)

	st, err := store.Open(store.Options{
		Dialect:      store.Dialect(a.cfg.DB.Dialect),
		Path:         a.cfg.DB.Path,
		DSN:          a.cfg.DB.DSN,
		MaxReadConns: a.cfg.DB.MaxReadConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.shutdown.RegisterCloser(st)
	a.logger.Info("store opened",
		zap.String("dialect", a.cfg.DB.Dialect),
		zap.String("path", a.cfg.DB.Path))

	a.registry = schema.NewRegistry(st, a.logger)

	a.resolver = identity.NewResolver(st, identity.Config{
		Threshold:     a.cfg.Identity.Threshold,
		BlockingAttrs: a.cfg.Identity.BlockingAttrs,
		CompareAttrs:  a.cfg.Identity.CompareAttrs,
		Aliases:       a.cfg.Identity.Aliases,
	}, a.logger)
	// An unwarmed filter fails open, so a failed warm degrades lookup
	// speed, not correctness.
	if err := a.resolver.WarmFilter(ctx); err != nil {
		a.logger.Warn("could not warm the identity blocking filter", zap.Error(err))
	}

	if a.cfg.Ingest.ArchiveUploads {
		var backend archive.ObjectStore
		switch a.cfg.Archive.Type {
		case "local":
			backend, err = archive.NewLocalStore(a.cfg.Archive.Path)
		case "s3":
			backend, err = archive.NewS3Store(ctx, a.cfg.Archive.S3.Bucket, archive.S3Config{
				Region:   a.cfg.Archive.S3.Region,
				Endpoint: a.cfg.Archive.S3.Endpoint,
			})
		default:
			err = fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
		}
		if err != nil {
			return fmt.Errorf("failed to initialize upload archive: %w", err)
		}
		a.uploads = archive.NewUploads(backend)
		a.logger.Info("upload archive initialized", zap.String("type", a.cfg.Archive.Type))
	}

	a.pipeline = ingest.NewPipeline(st, a.registry, a.resolver, a.uploads, a.cfg.Identity.Aliases, ingest.Options{
		LockWait:     a.cfg.Ingest.LockWait,
		LockRetries:  a.cfg.Ingest.LockRetries,
		RetryBackoff: a.cfg.Ingest.RetryBackoff,
	}, a.logger)

	a.tracker = observability.NewSelectivityTracker(selectivityWindow)
	a.engine = query.NewEngine(st, a.registry, a.tracker, query.Options{
		MaxPredicates: a.cfg.Query.MaxPredicates,
		Timeout:       a.cfg.Query.Timeout,
	}, a.logger)

	return nil
}

// startMaintenance starts the scheduled upkeep service.
func (a *App) startMaintenance(ctx context.Context) error {
	a.maintSvc = maintain.NewService(maintain.Config{
		StatsSchedule:     a.cfg.Maintain.StatsSchedule,
		RetentionSchedule: a.cfg.Maintain.RetentionSchedule,
		RetentionDays:     a.cfg.Maintain.RetentionDays,
	}, a.store, a.registry, a.resolver, a.tracker, a.uploads, a.logger)

	if err := a.maintSvc.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.maintSvc.Stop()
		return nil
	}))
	return nil
}

// startAPIServer starts the HTTP API. Listen errors after startup are
// logged, not returned; the shutdown path owns process exit.
func (a *App) startAPIServer() {
	api := httpapi.New(a.pipeline, a.registry, a.engine, a.resolver, a.store,
		a.cfg.HTTP.MaxUploadBytes, a.logger)
	handler := server.ShutdownMiddleware(a.shutdown)(api.Router())

	a.apiServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.apiServer.Shutdown(closeCtx)
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("api server listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal arrives or the context
// is cancelled, then runs the shutdown sequence.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Stop gracefully stops all services and releases resources. Safe to
// call after a signal-triggered shutdown has already run.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.teardown(ctx)

	// Wait for server goroutines to finish
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	select {
	case <-done:
	case <-waitCtx.Done():
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}

	a.logger.Info("covar stopped")
	return err
}

// teardown cancels the run context and runs the shutdown sequence over
// whatever resources came up.
func (a *App) teardown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown.Shutdown(ctx, "stop requested")
}
