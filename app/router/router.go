package router

import (
	"net/http"

	"botfleet/app/handler"
	"botfleet/app/middleware"
	"botfleet/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	nodeHandler     *handler.NodeHandler
	backupHandler   *handler.BackupHandler
	recoveryHandler *handler.RecoveryHandler

	apiKey string
	nodes  middleware.NodeAuthenticator
}

// NewRouter creates a new Router
func NewRouter(nodeHandler *handler.NodeHandler, backupHandler *handler.BackupHandler, recoveryHandler *handler.RecoveryHandler, apiKey string, nodes middleware.NodeAuthenticator) *Router {
	return &Router{
		nodeHandler:     nodeHandler,
		backupHandler:   backupHandler,
		recoveryHandler: recoveryHandler,
		apiKey:          apiKey,
		nodes:           nodes,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// Agent-facing interface
	internal := engine.Group("/internal/nodes")
	{
		internal.POST("/register", r.nodeHandler.Register)
		internal.GET("/:node_id/ws", middleware.NodeAuthMiddleware(r.nodes), r.nodeHandler.Channel)
	}

	// Admin API
	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		nodes := api.Group("/nodes")
		{
			nodes.GET("", r.nodeHandler.ListNodes)
			nodes.GET("/connected", r.nodeHandler.ConnectedNodes)
			nodes.GET("/:node_id", r.nodeHandler.GetNode)
			nodes.PUT("/:node_id/status", r.nodeHandler.SetStatus)
			nodes.GET("/:node_id/transitions", r.nodeHandler.GetTransitions)
			nodes.POST("/:node_id/commands", r.nodeHandler.SendCommand)
		}

		api.GET("/health-events", r.nodeHandler.HealthEvents)

		tenants := api.Group("/tenants/:tenant")
		{
			tenants.GET("/snapshots", r.backupHandler.ListSnapshots)
			tenants.POST("/restore", r.backupHandler.Restore)
			tenants.POST("/backup", r.backupHandler.HotBackup)
			tenants.GET("/restores", r.backupHandler.RestoreHistory)
		}

		backups := api.Group("/backups")
		{
			backups.GET("/status", r.backupHandler.Statuses)
			backups.GET("/restores", r.backupHandler.RestoreHistory)
			backups.POST("/nightly", r.backupHandler.RunNightly)
			backups.POST("/verify", r.backupHandler.Verify)
		}

		recoveries := api.Group("/recovery/events")
		{
			recoveries.POST("", r.recoveryHandler.Trigger)
			recoveries.GET("", r.recoveryHandler.ListEvents)
			recoveries.GET("/:id", r.recoveryHandler.GetEvent)
			recoveries.POST("/:id/drive", r.recoveryHandler.Drive)
		}
	}

	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
