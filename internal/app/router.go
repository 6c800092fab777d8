package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orgforge/backend/internal/auth"
	"github.com/orgforge/backend/internal/middleware"
	"github.com/orgforge/backend/internal/organizations"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/internal/realtime"
	"github.com/orgforge/backend/internal/streams"
	"github.com/orgforge/backend/pkg/response"
)

// Router builds the HTTP surface. hub streams saga status to websocket
// clients.
func (a *App) Router(jwtService *auth.JWTService, hub *realtime.Hub) *gin.Engine {
	logger := a.Logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(a.Metrics.PrometheusCollectors()...)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	provHandler := provisioning.NewHandler(a.Provisioning, logger)
	orgHandler := organizations.NewHandler(a.Backend, a.Commands, logger)
	var archive streams.ArchiveEnqueuer
	if a.Archive != nil {
		archive = a.Queue
	}
	streamHandler := streams.NewHandler(a.Events, archive, logger)
	if a.Archive != nil {
		streamHandler.WithDownloads(a.Archive)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(a.Config.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Public: the invitation token is the credential.
	router.POST("/invitations/:id/accept", middleware.EventMetadata(), orgHandler.AcceptInvitation)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.EventMetadata())
	{
		// Provisioning
		api.POST("/provisioning", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), provHandler.Trigger)
		api.GET("/provisioning/:id", provHandler.Get)
		api.POST("/provisioning/:id/cancel", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), provHandler.Cancel)

		// Event log (admin only)
		admin := api.Group("", middleware.RequireRole(auth.RoleAdmin))
		admin.POST("/events", streamHandler.Append)
		admin.GET("/streams/:type/:id", streamHandler.Get)
		admin.GET("/streams/:type/:id/version", streamHandler.Version)
		admin.POST("/streams/:type/:id/rebuild", streamHandler.Rebuild)
		admin.POST("/streams/:type/:id/archive", streamHandler.Archive)
		admin.GET("/streams/:type/:id/archive/:stamp", streamHandler.ArchiveDownload)

		// Organizations read model
		api.GET("/organizations", orgHandler.List)
		api.GET("/organizations/:id", orgHandler.Get)
		api.GET("/organizations/:id/units", orgHandler.ListUnits)
		api.GET("/organizations/:id/roles", orgHandler.ListRoles)
		api.GET("/organizations/:id/invitations", orgHandler.ListInvitations)
		api.GET("/public-names/:fqdn", orgHandler.GetPublicName)

		// Commands
		api.PATCH("/organizations/:id", middleware.RequireRole(auth.RoleAdmin), orgHandler.Update)
		api.POST("/organizations/:id/deactivate", middleware.RequireRole(auth.RoleAdmin), orgHandler.Deactivate)
		api.POST("/organizations/:id/units", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), orgHandler.CreateUnit)
		api.POST("/invitations/:id/revoke", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), orgHandler.RevokeInvitation)
		api.GET("/users/:id", orgHandler.GetUser)
		api.GET("/users/:id/roles", orgHandler.ListUserRoles)
		api.POST("/users/:id/roles", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), orgHandler.AssignRole)
		api.DELETE("/users/:id/roles/:roleId", middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator), orgHandler.RevokeRole)

		// WebSocket (token in query; browsers cannot set headers on upgrade)
		api.GET("/ws/provisioning/:id", realtime.ServeWs(hub, a.Provisioning, realtime.NewUpgrader(a.AllowedOrigins()), logger))
	}

	return router
}
