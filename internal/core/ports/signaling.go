package ports

import "peerlink/internal/core/domain"

type SignalEventKind int

const (
	SignalEnvelope SignalEventKind = iota
	SignalChannelClosed
)

type SignalEvent struct {
	Kind     SignalEventKind
	PeerID   domain.PeerID
	Envelope domain.Envelope
	Err      error
}

// Signaling moves envelopes between this device and its peers. Send never
// blocks on network I/O; failures surface in logs and, for broken channels,
// as SignalChannelClosed events.
type Signaling interface {
	Send(peer domain.PeerDescriptor, env domain.Envelope) error
	Disconnect(peerID domain.PeerID, reason string)
	Events() <-chan SignalEvent
	Close() error
}
