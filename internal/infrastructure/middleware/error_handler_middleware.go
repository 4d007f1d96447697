package middleware

import (
	"net/http"

	"liveclass/pkg/errors"
	"liveclass/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every HTTP error response.
type errorBody struct {
	Error   errors.ErrorCode       `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody{
		Error:   appErr.Code,
		Message: appErr.Message,
		Details: appErr.Context,
	})
}

// ErrorHandlerMiddleware renders the last error attached with c.Error.
// Domain errors are mapped to their application codes.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := errors.FromDomain(err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			tracing.RecordError(c.Request.Context(), err)
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, errorBody{
			Error:   appErr.Code,
			Message: appErr.Message,
			Details: appErr.Context,
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWithError(c, errors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
