package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"botfleet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	maxLoggedBody   = 1000
)

// Logger logs every request with its latency and, for writes, the compacted request body.
// The request context carries a trace id taken from X-Request-ID or generated.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		traceID := c.GetHeader(requestIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))
		c.Header(requestIDHeader, traceID)

		var bodyStr string
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Skip logging for 404 requests and metric scrapes
		if c.Writer.Status() == http.StatusNotFound || strings.HasPrefix(c.Request.URL.Path, "/metrics") {
			return
		}

		fields := []zap.Field{
			zap.String("trace_id", traceID),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(startTime)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("uri", c.Request.RequestURI),
		}
		if bodyStr != "" {
			fields = append(fields, zap.String("body", bodyStr))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("[GIN]", fields...)
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		// Reset request body since reading it clears it
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody compresses JSON using pretty package
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	// ugly=true means remove all whitespace
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
