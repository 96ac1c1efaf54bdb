// Package httpmw provides the gin middleware shared by the hub's HTTP
// surface: request logging, panic recovery, CORS and OTel spans.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
)

// RequestLogger tags each request with an id and logs it after the handler
// completes. Successful requests log at debug, 5xx at error.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
			zap.String("request_id", requestID),
		}
		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}
