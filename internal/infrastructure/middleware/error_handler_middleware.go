package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	perrors "peerlink/pkg/errors"
)

// ErrorHandlerMiddleware renders the last handler error as JSON. Coded
// errors keep their code; domain sentinels map onto their natural status.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var linkErr *perrors.LinkError
		if errors.As(err, &linkErr) {
			status := perrors.HTTPStatus(err)
			logger.Warnw("application error",
				"code", linkErr.Code,
				"peer_id", linkErr.PeerID,
				"message", linkErr.Message,
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(status, gin.H{
				"error":   string(linkErr.Code),
				"message": linkErr.Error(),
				"details": linkErr.Context,
			})
			return
		}

		if status, code, ok := sentinelStatus(err); ok {
			c.JSON(status, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "Internal server error",
		})
	}
}

func sentinelStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND", true
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict, "NOT_CONNECTED", true
	case errors.Is(err, domain.ErrReleased):
		return http.StatusServiceUnavailable, "RELEASED", true
	default:
		return 0, "", false
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

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "INTERNAL",
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
