package domain

import (
	"fmt"
	"time"
)

type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case GatheringInProgress:
		return "gathering"
	case GatheringComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type ICEConnectionState int

const (
	ICENew ICEConnectionState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEConnectionState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is the side of the offer/answer exchange a session plays
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleAnswerer {
		return "answerer"
	}
	return "offerer"
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an opaque SDP blob with its type
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NegotiationSession is the per-attempt negotiation state. A full
// renegotiation replaces the session; ICE restarts mutate it in place.
type NegotiationSession struct {
	ID                     string
	PeerID                 PeerID
	Role                   Role
	LocalDescription       *SessionDescription
	RemoteDescription      *SessionDescription
	PendingCandidates      []ICECandidate
	RemoteDescriptionSet   bool
	Gathering              GatheringState
	ICEState               ICEConnectionState
	RestartAttempts        int
	RelayFallbackAttempted bool
	RelayOnly              bool
	CreatedAt              time.Time
}

// QueueCandidate buffers c while the remote description is unset and
// reports whether it did. A false result means c must be applied now.
func (s *NegotiationSession) QueueCandidate(c ICECandidate) bool {
	if s.RemoteDescriptionSet {
		return false
	}
	s.PendingCandidates = append(s.PendingCandidates, c)
	return true
}

// AcceptRemoteDescription records desc. The first call per session flips
// RemoteDescriptionSet and hands back the buffered candidates in arrival
// order, clearing the buffer; later calls (ICE restarts) return nil.
func (s *NegotiationSession) AcceptRemoteDescription(desc SessionDescription) ([]ICECandidate, error) {
	switch {
	case s.Role == RoleOfferer && desc.Type != SDPTypeAnswer:
		return nil, fmt.Errorf("%w: offerer expects answer, got %s", ErrStaleDescription, desc.Type)
	case s.Role == RoleAnswerer && desc.Type != SDPTypeOffer:
		return nil, fmt.Errorf("%w: answerer expects offer, got %s", ErrStaleDescription, desc.Type)
	}

	d := desc
	s.RemoteDescription = &d
	if s.RemoteDescriptionSet {
		return nil, nil
	}
	s.RemoteDescriptionSet = true
	flushed := s.PendingCandidates
	s.PendingCandidates = nil
	return flushed, nil
}

// Snapshot returns a copy safe to hand outside the owning loop
func (s *NegotiationSession) Snapshot() NegotiationSession {
	cp := *s
	cp.PendingCandidates = append([]ICECandidate(nil), s.PendingCandidates...)
	return cp
}

type NegotiationEventKind int

const (
	// NegotiationStarted: a remote offer opened a session on this side
	NegotiationStarted NegotiationEventKind = iota
	NegotiationConnected
	NegotiationFailed
	// NegotiationLost: an established session dropped without a local close
	NegotiationLost
)

func (k NegotiationEventKind) String() string {
	switch k {
	case NegotiationStarted:
		return "started"
	case NegotiationConnected:
		return "connected"
	case NegotiationFailed:
		return "failed"
	case NegotiationLost:
		return "lost"
	default:
		return "unknown"
	}
}

type NegotiationEvent struct {
	Kind      NegotiationEventKind
	PeerID    PeerID
	SessionID string
	Err       error
}
