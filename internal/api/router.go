package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/api/handlers"
	"github.com/orrn/printhook/internal/api/middleware"
	"github.com/orrn/printhook/internal/archive"
	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/logger"
	"github.com/orrn/printhook/internal/spool"
	"github.com/orrn/printhook/internal/webhook"
)

type RouterDeps struct {
	Service  *spool.Service
	Archiver *archive.Archiver
	Webhooks *webhook.WebhookSender
	// Config enables GET /settings when set.
	Config   *config.Config
	Server   config.ServerConfig
	Auth     config.AuthConfig
	Logger   *zap.Logger
}

// NewRouter mounts everything under /api/print. Health is public; the rest
// goes through the auth middleware when auth is enabled.
func NewRouter(deps RouterDeps) *gin.Engine {
	log := logger.OrNop(deps.Logger)

	r := gin.New()
	r.Use(logger.Recovery(log))
	r.Use(logger.GinMiddleware(log.Named("http")))
	r.Use(middleware.CORS(deps.Server.AllowedOrigins))

	auth := middleware.NewAuthMiddleware(deps.Auth, log)
	jobs := handlers.NewJobHandler(deps.Service, log)
	printers := handlers.NewPrinterHandler(deps.Service, log)

	group := r.Group("/api/print")
	group.GET("/health", printers.Health)

	protected := group.Group("", auth.RequireAuth())
	jobs.RegisterRoutes(protected)
	printers.RegisterRoutes(protected)
	handlers.NewWebhookHandler(deps.Webhooks, log).RegisterRoutes(protected)
	if deps.Config != nil {
		handlers.NewSettingsHandler(deps.Config).RegisterRoutes(protected)
	}
	if deps.Archiver != nil {
		handlers.NewArchiveHandler(deps.Archiver).RegisterRoutes(protected)
	}

	r.GET("/health", printers.Health)

	return r
}
