package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/ctxutil"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/http/middleware"
	"github.com/yungbote/scribehub-backend/internal/http/response"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/services"
	"github.com/yungbote/scribehub-backend/internal/sse"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type JobHandler struct {
	log       *logger.Logger
	jobs      *services.JobService
	hub       *sse.Hub
	forwarder *sse.Forwarder
}

func NewJobHandler(log *logger.Logger, jobs *services.JobService, hub *sse.Hub, forwarder *sse.Forwarder) *JobHandler {
	return &JobHandler{
		log:       log.With("handler", "JobHandler"),
		jobs:      jobs,
		hub:       hub,
		forwarder: forwarder,
	}
}

type retentionBody struct {
	KeepAudio       bool `json:"keep_audio"`
	KeepTranscripts bool `json:"keep_transcripts"`
	TTLHours        int  `json:"ttl_hours"`
}

type submitJobBody struct {
	AudioURI        string          `json:"audio_uri" binding:"required"`
	AudioDurationMS int64           `json:"audio_duration_ms"`
	Params          types.JobParams `json:"params"`
	Retention       retentionBody   `json:"retention"`
}

// POST /api/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var body submitJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	p := ctxutil.GetPrincipal(c.Request.Context())
	requestID, traceID := middleware.RequestCorrelation(c)

	job, err := h.jobs.Submit(c.Request.Context(), services.SubmitRequest{
		TenantID:        p.TenantID,
		SubmitterID:     p.UserID,
		AudioURI:        body.AudioURI,
		AudioDurationMS: body.AudioDurationMS,
		Params:          body.Params,
		Retention: types.RetentionPolicy{
			KeepAudio:       body.Retention.KeepAudio,
			KeepTranscripts: body.Retention.KeepTranscripts,
			TTL:             time.Duration(body.Retention.TTLHours) * time.Hour,
		},
		RequestID: requestID,
		TraceID:   traceID,
	})
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	view, ok := h.tenantView(c)
	if !ok {
		return
	}
	response.RespondOK(c, view)
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	p := ctxutil.GetPrincipal(c.Request.Context())
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_before", err)
			return
		}
		before = parsed
	}
	jobs, err := h.jobs.List(c.Request.Context(), p.TenantID, before, intQuery(c, "limit", 50))
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	view, ok := h.tenantView(c)
	if !ok {
		return
	}
	requestID, traceID := middleware.RequestCorrelation(c)
	if err := h.jobs.Cancel(c.Request.Context(), view.Job.ID, requestID, traceID); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	c.Status(http.StatusAccepted)
}

// GET /api/jobs/:id/audit
func (h *JobHandler) JobAudit(c *gin.Context) {
	view, ok := h.tenantView(c)
	if !ok {
		return
	}
	trail, err := h.jobs.AuditTrail(c.Request.Context(), view.Job.ID, intQuery(c, "limit", 100))
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"audit": trail})
}

// GET /api/jobs/:id/events
//
// SSE stream: a snapshot of the current state on connect, then live task and
// job status events until the client disconnects.
func (h *JobHandler) StreamJobEvents(c *gin.Context) {
	view, ok := h.tenantView(c)
	if !ok {
		return
	}
	jobID := view.Job.ID
	p := ctxutil.GetPrincipal(c.Request.Context())

	if err := h.forwarder.Attach(c.Request.Context(), jobID); err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	defer h.forwarder.Detach(jobID)

	channel := types.JobEventsChannel(jobID)
	client := h.hub.NewClient(p.TenantID)
	h.hub.AddChannel(client, channel)
	defer h.hub.RemoveClient(client)

	h.hub.Send(client, sse.Message{Channel: channel, Event: sse.EventSnapshot, Data: view})
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// tenantView loads the status view and hides jobs of other tenants behind a
// 404 so job ids do not leak across tenants.
func (h *JobHandler) tenantView(c *gin.Context) (*services.JobView, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return nil, false
	}
	view, err := h.jobs.Status(c.Request.Context(), jobID)
	if err != nil {
		response.RespondFault(c, err, 0)
		return nil, false
	}
	p := ctxutil.GetPrincipal(c.Request.Context())
	if view.Job.TenantID != p.TenantID {
		response.RespondFault(c, faults.New(faults.KindNotFound, "jobs", "job %s not found", jobID), 0)
		return nil, false
	}
	return view, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
