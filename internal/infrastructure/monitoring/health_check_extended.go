package monitoring

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"peerlink/internal/core/ports"
)

var errNotListening = errors.New("signaling listener not bound")

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSignalCheck reports unhealthy until the signaling listener is bound
func (h *HealthChecker) AddSignalCheck(addr func() net.Addr) {
	h.AddCheck("signal", func(ctx context.Context) (bool, error) {
		if addr() == nil {
			return false, errNotListening
		}
		return true, nil
	}, 0)
}

// AddCoordinatorCheck verifies the coordinator loop still answers
func (h *HealthChecker) AddCoordinatorCheck(svc ports.ConnectionService, timeout time.Duration) {
	h.AddCheck("coordinator", func(ctx context.Context) (bool, error) {
		if _, err := svc.States(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}
