package main

import (
	"fmt"
	"net/http"
	"time"

	"botfleet/app/handler"
	"botfleet/app/router"
	"botfleet/internal/bus"
	"botfleet/internal/service"
	"botfleet/internal/service/recovery"
	"botfleet/pkg/config"
	"botfleet/pkg/lock"
	"botfleet/pkg/logger"
	"botfleet/pkg/notification"
	queue "botfleet/pkg/queue/asynq"
	"botfleet/pkg/storage"
	mysqlstore "botfleet/pkg/store/mysql"
	redisstore "botfleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

const (
	// restores and recovery imports can run as long as the slowest transfer
	restoreLockMaxHold = time.Hour
	jobLockMaxHold     = 30 * time.Minute
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(app.config.Logger); err != nil {
		return err
	}
	gin.SetMode(app.config.Server.Mode)
	app.registerCleanup(func() {
		logger.Sync()
	})
	return nil
}

// initMySQL initializes MySQL
func (app *Application) initMySQL() error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		app.config.MySQL.User,
		app.config.MySQL.Password,
		app.config.MySQL.Host,
		app.config.MySQL.Port,
		app.config.MySQL.Database,
	)

	repo, err := mysqlstore.NewRepository(dsn)
	if err != nil {
		return err
	}

	if app.config.MySQL.AutoMigrate {
		if err := repo.AutoMigrate(app.ctx); err != nil {
			repo.Close()
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initRedis initializes Redis
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.presence = redisstore.NewPresenceRepository(client, 4*app.config.Nodes.HeartbeatInterval)
	app.jobLocker = lock.NewLocker(client.GetClient(), jobLockMaxHold)
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initStorage initializes the backup object store
func (app *Application) initStorage() error {
	store, err := storage.New(app.ctx, app.config.Storage)
	if err != nil {
		return err
	}
	app.objectStore = store
	return nil
}

// initQueue initializes the asynq queue used for recovery drives
func (app *Application) initQueue() error {
	mgr, err := queue.NewManager(app.config)
	if err != nil {
		return err
	}
	app.queueMgr = mgr
	app.registerCleanup(func() {
		mgr.Close()
	})
	return nil
}

// initBus initializes the agent command bus
func (app *Application) initBus() error {
	app.bus = bus.New(app.config.Bus)
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	notifier := notification.NewFeishuNotifier(app.config.Notification.FeishuWebhookURL)

	app.healthService = service.NewHealthService(app.mysqlRepo)
	app.nodeService = service.NewNodeService(app.mysqlRepo, app.presence, app.healthService, app.config)

	// agent messages flow into the node service
	app.bus.SetHandler(app.nodeService)

	restoreLocker := lock.NewLocker(app.redisClient.GetClient(), restoreLockMaxHold)
	app.backupService = service.NewBackupService(app.bus, app.objectStore, app.mysqlRepo, restoreLocker, app.config.Backup)
	app.backupService.SetAlerter(notifier)
	app.backupVerifier = service.NewBackupVerifier(app.objectStore, app.config.Backup)
	app.backupService.SetSnapshotFilter(app.backupVerifier)

	app.orchestrator = recovery.NewOrchestrator(app.mysqlRepo, app.backupService, app.bus, app.queueMgr, app.config.Recovery)
	app.orchestrator.SetAlerter(notifier)
	app.queueMgr.RegisterHandler(queue.TypeRecoveryDrive, asynq.HandlerFunc(app.orchestrator.ProcessDriveTask))

	// nodes failed by the heartbeat-timeout job get their tenants recovered
	app.nodeService.SetFailureHandler(app.orchestrator.HandleNodeFailure)

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.nodeHandler = handler.NewNodeHandler(app.nodeService, app.healthService, app.bus)
	app.backupHandler = handler.NewBackupHandler(app.backupService, app.backupVerifier, app.config.Backup)
	app.recoveryHandler = handler.NewRecoveryHandler(app.orchestrator)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	app.ginEngine = gin.New()

	r := router.NewRouter(app.nodeHandler, app.backupHandler, app.recoveryHandler, app.config.Server.APIKey, app.nodeService)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
		// no write timeout: restores hold the request open for the whole workflow
	}
	return nil
}
