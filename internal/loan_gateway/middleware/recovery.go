package middleware

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery logs a handler panic with its stack and answers with a 500 envelope.
// If the handler already started writing, the response is only aborted.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("Panic recovered",
			"error", fmt.Sprint(recovered),
			"stack", string(debug.Stack()),
			"route", c.FullPath(),
			"method", c.Request.Method,
			"correlation_id", GetCorrelationID(c),
		)

		if c.Writer.Written() {
			c.Abort()
			return
		}
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "An internal server error occurred")
	})
}
