package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"botfleet/app/handler"
	"botfleet/internal/bus"
	"botfleet/internal/jobs"
	"botfleet/internal/service"
	"botfleet/internal/service/recovery"
	"botfleet/pkg/config"
	"botfleet/pkg/lock"
	"botfleet/pkg/logger"
	queue "botfleet/pkg/queue/asynq"
	"botfleet/pkg/storage"
	mysqlstore "botfleet/pkg/store/mysql"
	redisstore "botfleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the control plane
type Application struct {
	// Infrastructure components
	config      *config.Config
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient
	presence    *redisstore.PresenceRepository
	objectStore storage.ObjectStore
	queueMgr    *queue.Manager
	jobLocker   lock.Locker

	// Agent channel
	bus *bus.Bus

	// Service layer
	healthService  *service.HealthService
	nodeService    *service.NodeService
	backupService  *service.BackupService
	backupVerifier *service.BackupVerifier
	orchestrator   *recovery.Orchestrator

	// Handler layer
	nodeHandler     *handler.NodeHandler
	backupHandler   *handler.BackupHandler
	recoveryHandler *handler.RecoveryHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"MySQL", app.initMySQL},
		{"Redis", app.initRedis},
		{"Object Storage", app.initStorage},
		{"Queue", app.initQueue},
		{"Command Bus", app.initBus},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Resume recovery left open by a previous process before anything new arrives
	if err := app.orchestrator.ResumeOpen(app.ctx); err != nil {
		logger.WarnCtx(app.ctx, "Failed to resume open recovery events: %v", err)
	}

	// 2. Start queue workers
	if err := app.queueMgr.Start(); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}

	// 3. Start background tasks
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager")
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 4. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Cancel all background tasks
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 2. Stop HTTP server (stop accepting new requests); hijacked agent channels are closed by the bus
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}
	app.bus.Close()

	// 3. Stop queue workers
	app.queueMgr.Stop()

	// 4. Wait for all background tasks to complete
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	logger.Sync()
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
