package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trophymint/pkg/errutil"
)

// Error renders the last error a handler attached once the chain has run.
// BaseError maps to its own HTTP status; anything untyped becomes a 500
// without leaking the cause.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var be errutil.BaseError
		if errors.As(err, &be) {
			c.JSON(be.Code.HTTPStatus(), be)
			return
		}

		zap.L().Error("❌ [HTTP] unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		})
	}
}
