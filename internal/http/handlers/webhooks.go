package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/ctxutil"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/http/response"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/types"
	"github.com/yungbote/scribehub-backend/internal/webhooks"
)

type WebhookHandler struct {
	log       *logger.Logger
	endpoints repos.WebhookEndpointRepo
}

func NewWebhookHandler(log *logger.Logger, endpoints repos.WebhookEndpointRepo) *WebhookHandler {
	return &WebhookHandler{
		log:       log.With("handler", "WebhookHandler"),
		endpoints: endpoints,
	}
}

type createEndpointBody struct {
	URL string `json:"url" binding:"required,url"`
}

// POST /api/webhooks
//
// The signing secret appears in this response and nowhere else.
func (h *WebhookHandler) CreateEndpoint(c *gin.Context) {
	var body createEndpointBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	p := ctxutil.GetPrincipal(c.Request.Context())
	secret := webhooks.EndpointSecret()
	endpoint, err := h.endpoints.Create(c.Request.Context(), nil, &types.WebhookEndpoint{
		TenantID: p.TenantID,
		URL:      body.URL,
		Secret:   secret,
	})
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondCreated(c, gin.H{"endpoint": endpoint, "secret": secret})
}

// GET /api/webhooks
func (h *WebhookHandler) ListEndpoints(c *gin.Context) {
	p := ctxutil.GetPrincipal(c.Request.Context())
	endpoints, err := h.endpoints.ListByTenant(c.Request.Context(), nil, p.TenantID)
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"endpoints": endpoints})
}

type updateEndpointBody struct {
	Disabled *bool   `json:"disabled,omitempty"`
	URL      *string `json:"url,omitempty"`
}

// PATCH /api/webhooks/:id
func (h *WebhookHandler) UpdateEndpoint(c *gin.Context) {
	endpoint, ok := h.tenantEndpoint(c)
	if !ok {
		return
	}
	var body updateEndpointBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	updates := map[string]interface{}{}
	if body.Disabled != nil {
		updates["disabled"] = *body.Disabled
	}
	if body.URL != nil {
		updates["url"] = *body.URL
	}
	if len(updates) == 0 {
		response.RespondOK(c, gin.H{"endpoint": endpoint})
		return
	}
	if err := h.endpoints.UpdateFields(c.Request.Context(), nil, endpoint.ID, updates); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	updated, err := h.endpoints.GetByID(c.Request.Context(), nil, endpoint.ID)
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"endpoint": updated})
}

// DELETE /api/webhooks/:id
func (h *WebhookHandler) DeleteEndpoint(c *gin.Context) {
	endpoint, ok := h.tenantEndpoint(c)
	if !ok {
		return
	}
	if err := h.endpoints.Delete(c.Request.Context(), nil, endpoint.ID); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) tenantEndpoint(c *gin.Context) (*types.WebhookEndpoint, bool) {
	endpointID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_endpoint_id", err)
		return nil, false
	}
	endpoint, err := h.endpoints.GetByID(c.Request.Context(), nil, endpointID)
	if err != nil {
		response.RespondFault(c, err, 0)
		return nil, false
	}
	p := ctxutil.GetPrincipal(c.Request.Context())
	if endpoint == nil || endpoint.TenantID != p.TenantID {
		response.RespondFault(c, faults.New(faults.KindNotFound, "webhooks", "endpoint %s not found", endpointID), 0)
		return nil, false
	}
	return endpoint, true
}
