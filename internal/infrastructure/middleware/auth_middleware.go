package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"peerlink/internal/core/domain"
)

// Authorizer resolves the device behind a request's bearer token
type Authorizer interface {
	Authorize(r *http.Request) (domain.PeerID, error)
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's device id under "device_id".
func AuthMiddleware(auth Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID, err := auth.Authorize(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("device_id", deviceID)
		c.Next()
	}
}
