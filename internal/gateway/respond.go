package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/common/apperr"
)

// respondErr maps a service error onto the wire. The body is the error's
// {kind, message} pair; the status code is the transport.
func respondErr(c *gin.Context, err error) {
	e := apperr.From(err)
	c.AbortWithStatusJSON(e.Status, e)
}
