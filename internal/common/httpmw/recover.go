package httpmw

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/logger"
)

// Recovery turns handler panics into a 500 response with the hub's error
// shape instead of a dropped connection.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				e := apperr.Internal("internal server error")
				c.AbortWithStatusJSON(e.Status, e)
			}
		}()

		c.Next()
	}
}
