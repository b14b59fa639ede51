package middleware

import (
	"errors"

	"clickbloom-license/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error as the
// shared {ok:false, error, message} envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var be errutil.BaseError
		if !errors.As(err, &be) {
			be = errutil.Internal("internal error", err).(errutil.BaseError)
		}

		if be.Code.HTTPStatus() >= 500 {
			zap.L().Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}

		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}

// Abort attaches err for Error to render and stops the handler chain.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
