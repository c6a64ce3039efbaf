package ports

import (
	"context"
	"time"

	"peerlink/internal/core/domain"
)

// ConnectionService is the coordinator surface used by handlers and cmd
type ConnectionService interface {
	Connect(ctx context.Context, desc domain.PeerDescriptor) error
	Disconnect(ctx context.Context, peerID domain.PeerID) error
	Reconnect(ctx context.Context, peerID domain.PeerID) error
	State(ctx context.Context, peerID domain.PeerID) (domain.ConnectionState, error)
	States(ctx context.Context) (map[domain.PeerID]domain.ConnectionState, error)
	PendingReconnects(ctx context.Context) ([]domain.ReconnectTask, error)
	SetNetworkAvailable(ctx context.Context, available bool) error
	Send(ctx context.Context, peerID domain.PeerID, data []byte) error
}

// Discovery delivers descriptors of devices that became reachable
type Discovery interface {
	Peers(ctx context.Context) <-chan domain.PeerDescriptor
}

type TransitionPublisher interface {
	Publish(ctx context.Context, transition domain.StateTransition) error
}

type MetricsRecorder interface {
	StateChanged(from, to domain.StateKind)
	ReconnectEvent(ev domain.ReconnectEvent)
	LivenessEvent(ev domain.LivenessEvent)
	ICERestart(peerID domain.PeerID)
	RelayFallback(peerID domain.PeerID)
	NegotiationFinished(outcome string, d time.Duration)
	HeartbeatRTT(d time.Duration)
	EnvelopeDropped(reason string)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) StateChanged(domain.StateKind, domain.StateKind) {}
func (NopMetrics) ReconnectEvent(domain.ReconnectEvent)            {}
func (NopMetrics) LivenessEvent(domain.LivenessEvent)              {}
func (NopMetrics) ICERestart(domain.PeerID)                        {}
func (NopMetrics) RelayFallback(domain.PeerID)                     {}
func (NopMetrics) NegotiationFinished(string, time.Duration)       {}
func (NopMetrics) HeartbeatRTT(time.Duration)                      {}
func (NopMetrics) EnvelopeDropped(string)                          {}
