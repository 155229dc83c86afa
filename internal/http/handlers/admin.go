package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/http/response"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/services"
	"github.com/yungbote/scribehub-backend/internal/sessions"
)

// AdminHandler is the operator surface: engine fleet, stuck tasks, webhook
// deliveries, misbehaving sessions. Every route sits behind the admin scope.
type AdminHandler struct {
	log        *logger.Logger
	reg        registry.Registry
	jobs       *services.JobService
	router     *sessions.Router
	deliveries repos.WebhookDeliveryRepo
}

func NewAdminHandler(log *logger.Logger, reg registry.Registry, jobs *services.JobService, router *sessions.Router, deliveries repos.WebhookDeliveryRepo) *AdminHandler {
	return &AdminHandler{
		log:        log.With("handler", "AdminHandler"),
		reg:        reg,
		jobs:       jobs,
		router:     router,
		deliveries: deliveries,
	}
}

// GET /api/admin/engines
func (h *AdminHandler) ListEngines(c *gin.Context) {
	engines, err := h.reg.ListAll(c.Request.Context())
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"engines": engines})
}

// POST /api/admin/engines/:id/drain
func (h *AdminHandler) DrainEngine(c *gin.Context) {
	engineID := c.Param("id")
	if err := h.reg.Drain(c.Request.Context(), engineID); err != nil {
		response.RespondError(c, http.StatusNotFound, "engine_not_found", err)
		return
	}
	c.Status(http.StatusAccepted)
}

// POST /api/admin/tasks/:id/retry
func (h *AdminHandler) RetryTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	if err := h.jobs.RetryTask(c.Request.Context(), taskID); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	c.Status(http.StatusAccepted)
}

// GET /api/admin/webhook-deliveries
func (h *AdminHandler) ListDeliveries(c *gin.Context) {
	deliveries, err := h.deliveries.ListRecent(c.Request.Context(), nil, intQuery(c, "limit", 50))
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"deliveries": deliveries})
}

// POST /api/admin/sessions/:id/terminate
func (h *AdminHandler) TerminateSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.router.Terminate(c.Request.Context(), sessionID, "terminated by operator"); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	c.Status(http.StatusAccepted)
}
