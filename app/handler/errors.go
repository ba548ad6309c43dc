package handler

import (
	"errors"
	"net/http"
	"strconv"

	"botfleet/internal/bus"
	"botfleet/internal/service"
	"botfleet/pkg/logger"
	"botfleet/pkg/store/mysql"

	"github.com/gin-gonic/gin"
)

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case mysql.IsNotFound(err), errors.Is(err, service.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRestoreInProgress):
		return http.StatusConflict
	case errors.Is(err, bus.ErrNodeUnreachable), errors.Is(err, bus.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bus.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), "%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// queryLimit parses ?limit=, falling back to def
func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
