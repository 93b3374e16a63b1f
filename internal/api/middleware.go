package api

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
)

// recovery turns panics into a 500 and logs the stack
func recovery(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"error":  recovered,
			"stack":  string(debug.Stack()),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Panic recovered")

		writeError(c, logger, apperrors.NewAppError(apperrors.ErrCodeInternal, "Internal server error", nil))
	})
}

// handleErrors renders the last error a handler attached with c.Error
func handleErrors(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		writeError(c, logger, c.Errors.Last().Err)
	}
}

func writeError(c *gin.Context, logger *logging.Logger, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error")
	}

	entry := logger.WithFields(logrus.Fields{
		"error_code": appErr.Code,
		"severity":   appErr.Severity,
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	}).WithError(err)
	switch appErr.Severity {
	case apperrors.SeverityCritical, apperrors.SeverityHigh:
		entry.Error("Request failed")
	case apperrors.SeverityMedium:
		entry.Warn("Request failed")
	default:
		entry.Info("Request failed")
	}

	c.AbortWithStatusJSON(httpStatus(appErr.Code), gin.H{
		"code":    appErr.Code,
		"error":   appErr.Message,
		"details": appErr.Details,
	})
}

func httpStatus(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeLockHeld:
		return http.StatusConflict
	case apperrors.ErrCodeDBConnection, apperrors.ErrCodeCacheConnection, apperrors.ErrCodeNotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
