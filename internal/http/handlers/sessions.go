package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/ctxutil"
	"github.com/yungbote/scribehub-backend/internal/faults"
	"github.com/yungbote/scribehub-backend/internal/http/response"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/sessions"
	"github.com/yungbote/scribehub-backend/internal/types"
)

type SessionHandler struct {
	log      *logger.Logger
	router   *sessions.Router
	sessions repos.SessionRepo
}

func NewSessionHandler(log *logger.Logger, router *sessions.Router, sessionRepo repos.SessionRepo) *SessionHandler {
	return &SessionHandler{
		log:      log.With("handler", "SessionHandler"),
		router:   router,
		sessions: sessionRepo,
	}
}

type acquireSessionBody struct {
	Language          string     `json:"language" binding:"required"`
	ModelTier         string     `json:"model_tier" binding:"required"`
	Encoding          string     `json:"encoding"`
	SampleRate        int        `json:"sample_rate"`
	PreviousSessionID *uuid.UUID `json:"previous_session_id,omitempty"`
}

// POST /api/realtime/sessions
func (h *SessionHandler) AcquireSession(c *gin.Context) {
	var body acquireSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	p := ctxutil.GetPrincipal(c.Request.Context())

	alloc, err := h.router.AcquireWorker(c.Request.Context(), sessions.AcquireRequest{
		TenantID:          p.TenantID,
		Language:          body.Language,
		ModelTier:         body.ModelTier,
		Encoding:          body.Encoding,
		SampleRate:        body.SampleRate,
		PreviousSessionID: body.PreviousSessionID,
	})
	if err != nil {
		response.RespondFault(c, err, h.router.RetryAfter())
		return
	}
	response.RespondCreated(c, gin.H{"allocation": alloc})
}

type releaseSessionBody struct {
	Status          string `json:"status"`
	AudioDurationMS int64  `json:"audio_duration_ms"`
	UtteranceCount  int    `json:"utterance_count"`
	WordCount       int    `json:"word_count"`
	AudioURI        string `json:"audio_uri,omitempty"`
	TranscriptURI   string `json:"transcript_uri,omitempty"`
}

// POST /api/realtime/sessions/:id/release
func (h *SessionHandler) ReleaseSession(c *gin.Context) {
	session, ok := h.tenantSession(c)
	if !ok {
		return
	}
	var body releaseSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.router.Release(c.Request.Context(), session.ID, sessions.ReleaseStats{
		Status:          body.Status,
		AudioDurationMS: body.AudioDurationMS,
		UtteranceCount:  body.UtteranceCount,
		WordCount:       body.WordCount,
		AudioURI:        body.AudioURI,
		TranscriptURI:   body.TranscriptURI,
	})
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/realtime/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
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
	list, err := h.sessions.ListByTenant(c.Request.Context(), nil, p.TenantID, before, intQuery(c, "limit", 50))
	if err != nil {
		response.RespondFault(c, err, 0)
		return
	}
	response.RespondOK(c, gin.H{"sessions": list})
}

// GET /api/realtime/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	session, ok := h.tenantSession(c)
	if !ok {
		return
	}
	response.RespondOK(c, gin.H{"session": session})
}

func (h *SessionHandler) tenantSession(c *gin.Context) (*types.RealtimeSession, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return nil, false
	}
	session, err := h.sessions.GetByID(c.Request.Context(), nil, sessionID)
	if err != nil {
		response.RespondFault(c, err, 0)
		return nil, false
	}
	p := ctxutil.GetPrincipal(c.Request.Context())
	if session == nil || session.TenantID != p.TenantID {
		response.RespondFault(c, faults.New(faults.KindNotFound, "sessions", "session %s not found", sessionID), 0)
		return nil, false
	}
	return session, true
}
