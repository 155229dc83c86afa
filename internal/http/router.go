package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/scribehub-backend/internal/http/handlers"
	httpMW "github.com/yungbote/scribehub-backend/internal/http/middleware"
	"github.com/yungbote/scribehub-backend/internal/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthMiddleware *httpMW.AuthMiddleware

	JobHandler     *httpH.JobHandler
	SessionHandler *httpH.SessionHandler
	WebhookHandler *httpH.WebhookHandler
	AdminHandler   *httpH.AdminHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("scribehub-api"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Middleware
		if cfg.AuthMiddleware != nil {
			api.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Batch jobs
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.SubmitJob)
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/jobs/:id/events", cfg.JobHandler.StreamJobEvents)
			api.GET("/jobs/:id/audit", cfg.JobHandler.JobAudit)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		}

		// Realtime sessions
		if cfg.SessionHandler != nil {
			api.POST("/realtime/sessions", cfg.SessionHandler.AcquireSession)
			api.GET("/realtime/sessions", cfg.SessionHandler.ListSessions)
			api.GET("/realtime/sessions/:id", cfg.SessionHandler.GetSession)
			api.POST("/realtime/sessions/:id/release", cfg.SessionHandler.ReleaseSession)
		}

		// Webhook endpoints
		if cfg.WebhookHandler != nil {
			api.POST("/webhooks", cfg.WebhookHandler.CreateEndpoint)
			api.GET("/webhooks", cfg.WebhookHandler.ListEndpoints)
			api.PATCH("/webhooks/:id", cfg.WebhookHandler.UpdateEndpoint)
			api.DELETE("/webhooks/:id", cfg.WebhookHandler.DeleteEndpoint)
		}
	}

	// Operator surface
	if cfg.AdminHandler != nil {
		admin := api.Group("/admin")
		if cfg.AuthMiddleware != nil {
			admin.Use(cfg.AuthMiddleware.RequireScope(httpMW.ScopeAdmin))
		}
		admin.GET("/engines", cfg.AdminHandler.ListEngines)
		admin.POST("/engines/:id/drain", cfg.AdminHandler.DrainEngine)
		admin.POST("/tasks/:id/retry", cfg.AdminHandler.RetryTask)
		admin.GET("/webhook-deliveries", cfg.AdminHandler.ListDeliveries)
		admin.POST("/sessions/:id/terminate", cfg.AdminHandler.TerminateSession)
	}

	return r
}
