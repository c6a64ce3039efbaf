package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
)

// EventType represents the type of event
type EventType string

const EventStateChanged EventType = "peer.state_changed"

const DefaultChannel = "peerlink:transitions"

// Event is what observers on the channel receive
type Event struct {
	Type       EventType               `json:"type"`
	InstanceID string                  `json:"instance_id"`
	Timestamp  time.Time               `json:"timestamp"`
	PeerID     domain.PeerID           `json:"peer_id,omitempty"`
	Transition *domain.StateTransition `json:"transition,omitempty"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventBus publishes connection state transitions to a Redis channel so
// other processes on the device can follow them. While Redis is unreachable
// the breaker fails publishes fast.
type EventBus struct {
	client     redisPublisher
	breaker    *circuitbreaker.Breaker
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	return newEventBus(client, circuitbreaker.New(circuitbreaker.DefaultConfig(), nil), instanceID, channel, logger)
}

func newEventBus(client redisPublisher, breaker *circuitbreaker.Breaker, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	eb := &EventBus{
		client:     client,
		breaker:    breaker,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		switch to {
		case circuitbreaker.StateOpen:
			eb.logger.Warnw("transition publishing suspended", "channel", eb.channel, "from", from.String())
		case circuitbreaker.StateClosed:
			eb.logger.Infow("transition publishing resumed", "channel", eb.channel)
		}
	})
	return eb
}

var _ ports.TransitionPublisher = (*EventBus)(nil)

// Publish publishes one transition
func (eb *EventBus) Publish(ctx context.Context, transition domain.StateTransition) error {
	event := Event{
		Type:       EventStateChanged,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		PeerID:     transition.PeerID,
		Transition: &transition,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"peer_id", transition.PeerID,
		"to", transition.To.Kind.String(),
	)
	return nil
}

// Forward publishes every transition read from transitions until the
// channel closes or ctx is done. Publish failures are logged and skipped;
// rejections by an open breaker are dropped silently.
func Forward(ctx context.Context, transitions <-chan domain.StateTransition, pub ports.TransitionPublisher, logger *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if err := pub.Publish(ctx, tr); err != nil {
				if errors.Is(err, circuitbreaker.ErrOpen) {
					continue
				}
				logger.Warnw("failed to publish state transition",
					"peer_id", tr.PeerID,
					"error", err,
				)
			}
		}
	}
}
