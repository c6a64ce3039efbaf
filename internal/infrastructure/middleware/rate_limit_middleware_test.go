package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"peerlink/internal/core/domain"
	"peerlink/pkg/config"
	perrors "peerlink/pkg/errors"
)

func do(router *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.API.RequestsPerSecond = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/test", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/test", nil).Code)
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.API.RequestsPerSecond = 1
	cfg.API.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/test", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodGet, "/test", nil).Code)
}

func TestMessageRateLimitMiddleware_PerPeerBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.API.RequestsPerSecond = 100
	cfg.API.Burst = 100
	cfg.API.MessagesPerSecond = 0.5
	cfg.API.MessageBurst = 2

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.POST("/peers/:id/messages", NewMessageRateLimitMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	router.GET("/peers/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/peers/phone/messages", nil).Code)
	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/peers/phone/messages", nil).Code)

	w := do(router, http.MethodPost, "/peers/phone/messages", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	// other peers and other routes keep their own budget
	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/peers/tablet/messages", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/peers/phone", nil).Code)
}

func TestMessageRateLimitMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.API.MessagesPerSecond = 0

	router := gin.New()
	router.POST("/peers/:id/messages", NewMessageRateLimitMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/peers/phone/messages", nil).Code)
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", domain.ErrPeerNotFound, http.StatusNotFound},
		{"wrapped not connected", errors.Join(errors.New("send"), domain.ErrNotConnected), http.StatusConflict},
		{"released", domain.ErrReleased, http.StatusServiceUnavailable},
		{"config", perrors.NewConfigError("", "bad address"), http.StatusBadRequest},
		{"timeout", perrors.NewTimeoutError("phone", "negotiation timed out"), http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
			router.GET("/test", func(c *gin.Context) {
				_ = c.Error(tt.err)
			})
			assert.Equal(t, tt.status, do(router, http.MethodGet, "/test", nil).Code)
		})
	}
}

type staticAuth struct {
	token string
}

func (a staticAuth) Authorize(r *http.Request) (domain.PeerID, error) {
	if r.Header.Get("Authorization") != "Bearer "+a.token {
		return "", errors.New("invalid token")
	}
	return "laptop", nil
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AuthMiddleware(staticAuth{token: "secret"}))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, string(c.MustGet("device_id").(domain.PeerID)))
	})

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/test", nil).Code)

	w := do(router, http.MethodGet, "/test", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "laptop", w.Body.String())
}
