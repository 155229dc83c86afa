package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/http/response"
)

type HealthHandler struct {
	db *gorm.DB
	kv redisclient.KV
}

func NewHealthHandler(db *gorm.DB, kv redisclient.KV) *HealthHandler {
	return &HealthHandler{db: db, kv: kv}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			response.RespondError(c, http.StatusServiceUnavailable, "db_unreachable", err)
			return
		}
	}
	if h.kv != nil {
		if _, _, err := h.kv.Get(ctx, "healthcheck"); err != nil {
			response.RespondError(c, http.StatusServiceUnavailable, "kv_unreachable", err)
			return
		}
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}
