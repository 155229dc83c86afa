package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scribehub-backend/internal/faults"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// RespondFault maps a classified error onto the HTTP surface. retryAfterSecs
// only matters for capacity errors; pass 0 elsewhere.
func RespondFault(c *gin.Context, err error, retryAfterSecs int) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case faults.KindConfiguration:
		status = http.StatusBadRequest
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindCancelled:
		status = http.StatusConflict
	case faults.KindCapacityExhausted, faults.KindEngineUnavailable:
		status = http.StatusServiceUnavailable
		if retryAfterSecs > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfterSecs))
		}
	case faults.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	RespondError(c, status, string(kind), err)
}
