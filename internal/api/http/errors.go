package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/id"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// Error kinds reported in types.ErrorResponse.
const (
	KindInvalidRequest  = "invalid_request"
	KindNotFound        = "not_found"
	KindTooManySessions = "too_many_sessions"
	KindExecutionFailed = "execution_failed"
	KindTimeout         = "timeout"
	KindMemoryLimit     = "memory_limit"
	KindCancelled       = "cancelled"
	KindSnapshot        = "snapshot_error"
	KindNetworkDisabled = "network_disabled"
	KindInternal        = "internal_error"
)

// classify maps domain errors onto an HTTP status and error body.
func classify(err error) (int, types.ErrorResponse) {
	resp := types.ErrorResponse{Message: err.Error()}
	var execErr *sandbox.ExecutionError
	switch {
	case errors.As(err, &execErr):
		resp.Kind, resp.Message, resp.Line = KindExecutionFailed, execErr.Message, execErr.Line
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, id.ErrInvalid),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrNotFound):
		resp.Kind = KindNotFound
		return http.StatusNotFound, resp
	case errors.Is(err, session.ErrInvalidName):
		resp.Kind = KindInvalidRequest
		return http.StatusBadRequest, resp
	case errors.Is(err, session.ErrTooManySessions):
		resp.Kind = KindTooManySessions
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, sandbox.ErrTimeout):
		resp.Kind = KindTimeout
		return http.StatusRequestTimeout, resp
	case errors.Is(err, sandbox.ErrMemoryLimit):
		resp.Kind = KindMemoryLimit
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, sandbox.ErrSnapshot), errors.Is(err, session.ErrCorrupt):
		resp.Kind = KindSnapshot
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, sandbox.ErrNetworkDisabled):
		resp.Kind = KindNetworkDisabled
		return http.StatusConflict, resp
	case errors.Is(err, context.Canceled):
		resp.Kind = KindCancelled
		return 499, resp
	default:
		resp.Kind = KindInternal
		return http.StatusInternalServerError, resp
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, types.ErrorResponse{
		Kind:    KindInvalidRequest,
		Message: msg,
	})
}
