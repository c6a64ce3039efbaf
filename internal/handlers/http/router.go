package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peerlink/internal/infrastructure/middleware"
	"peerlink/pkg/config"
)

// NewRouter builds the control API engine. auth may be nil, in which case
// the api group is unauthenticated.
func NewRouter(cfg *config.Config, handler *PeerHandler, auth middleware.Authorizer, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(logger),
	)

	var apiMiddleware []gin.HandlerFunc
	if auth != nil {
		apiMiddleware = append(apiMiddleware, middleware.AuthMiddleware(auth))
	}
	handler.SetupRoutes(router, middleware.NewMessageRateLimitMiddleware(cfg), apiMiddleware...)

	if cfg.Monitoring.PrometheusEnabled {
		path := cfg.Monitoring.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.Handler()))
	}
	return router
}
