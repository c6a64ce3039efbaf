package ports

import "peerlink/internal/core/domain"

type SessionEventKind int

const (
	SessionLocalCandidate SessionEventKind = iota
	SessionGatheringState
	SessionICEState
	SessionChannelOpen
	SessionChannelClosed
	SessionMessage
)

// SessionEvent is emitted by a PeerSession from its own goroutines. Only the
// field matching Kind is meaningful.
type SessionEvent struct {
	Kind      SessionEventKind
	Candidate domain.ICECandidate
	Gathering domain.GatheringState
	ICEState  domain.ICEConnectionState
	Data      []byte
}

type SessionEventSink func(SessionEvent)

type SessionOptions struct {
	SessionID string
	PeerID    domain.PeerID
	Role      domain.Role
	RelayOnly bool
}

// PeerSession is one negotiated transport (a WebRTC peer connection with a
// single data channel used as an opaque byte conduit).
type PeerSession interface {
	CreateOffer(iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	Send(data []byte) error
	Close() error
}

type SessionFactory interface {
	NewSession(opts SessionOptions, sink SessionEventSink) (PeerSession, error)
}
