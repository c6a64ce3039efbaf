package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"peerlink/pkg/config"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitBy rejects the request with 429 once the bucket for key(c) is empty
func limitBy(store *rateLimiterStore, key func(*gin.Context) string) gin.HandlerFunc {
	retryAfter := int(math.Ceil(1 / float64(store.rate)))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return func(c *gin.Context) {
		if !store.getLimiter(key(c)).Allow() {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": (time.Duration(retryAfter) * time.Second).String(),
			})
			return
		}
		c.Next()
	}
}

func passThrough(c *gin.Context) {
	c.Next()
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple
// IP-based rate limiting. A non-positive api.requests_per_second disables it.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if cfg.API.RequestsPerSecond <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.API.RequestsPerSecond), cfg.API.Burst)
	return limitBy(store, func(c *gin.Context) string {
		return clientIP(c.Request)
	})
}

// NewMessageRateLimitMiddleware bounds data channel sends through the API.
// Buckets are kept per client IP and target peer so one chatty peer does not
// starve sends to the others. A non-positive api.messages_per_second
// disables it.
func NewMessageRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if cfg.API.MessagesPerSecond <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.API.MessagesPerSecond), cfg.API.MessageBurst)
	return limitBy(store, func(c *gin.Context) string {
		return clientIP(c.Request) + "/" + c.Param("id")
	})
}
