package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error as
// {"error": {"code", "message", "request_id"}}. Errors that are not
// *errors.AppError are hidden behind a generic internal error.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		reqLog := log.WithContext(c.Request.Context())

		appErr, ok := errors.As(err)
		if !ok {
			reqLog.Error("unhandled handler error", zap.String("route", routeOf(c)), zap.Error(err))
			appErr = errors.InternalError("internal server error", err)
		} else if appErr.HTTPStatus >= http.StatusInternalServerError {
			reqLog.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
		} else {
			reqLog.Debug("request rejected",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message))
		}
		writeError(c, appErr.HTTPStatus, appErr.Code, publicMessage(appErr))
	}
}

// Recovery turns a handler panic into a 500 so one bad request cannot take
// the coordinator down with every agent connection on it.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.WithContext(c.Request.Context()).Error("panic in handler",
				zap.Any("panic", r),
				zap.String("method", c.Request.Method),
				zap.String("route", routeOf(c)),
				zap.Stack("stack"))
			c.Abort()
			writeError(c, http.StatusInternalServerError, errors.ErrCodeInternalError, "internal server error")
		}()
		c.Next()
	}
}

func publicMessage(e *errors.AppError) string {
	if e.HTTPStatus >= http.StatusInternalServerError {
		return "internal server error"
	}
	return e.Message
}

func writeError(c *gin.Context, status int, code, message string) {
	body := gin.H{"code": code, "message": message}
	if id := c.GetString(string(logger.RequestIDKey)); id != "" {
		body["request_id"] = id
	}
	c.JSON(status, gin.H{"error": body})
}
