package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type StateKind int

const (
	StateIdle StateKind = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is a tagged union: Peer is set for Connected, Reason for
// Disconnected and Err for Failed.
type ConnectionState struct {
	Kind   StateKind
	Peer   PeerDescriptor
	Reason string
	Err    error
}

func Idle() ConnectionState        { return ConnectionState{Kind: StateIdle} }
func Negotiating() ConnectionState { return ConnectionState{Kind: StateNegotiating} }

func Connected(peer PeerDescriptor) ConnectionState {
	return ConnectionState{Kind: StateConnected, Peer: peer}
}

func Disconnected(reason string) ConnectionState {
	return ConnectionState{Kind: StateDisconnected, Reason: reason}
}

func Failed(err error) ConnectionState {
	return ConnectionState{Kind: StateFailed, Err: err}
}

// Active reports whether the peer has a live or in-flight connection
func (s ConnectionState) Active() bool {
	return s.Kind == StateNegotiating || s.Kind == StateConnected
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnected:
		return fmt.Sprintf("connected(%s)", s.Peer.ID)
	case StateDisconnected:
		return fmt.Sprintf("disconnected(%s)", s.Reason)
	case StateFailed:
		return fmt.Sprintf("failed(%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	out := struct {
		State  string          `json:"state"`
		Peer   *PeerDescriptor `json:"peer,omitempty"`
		Reason string          `json:"reason,omitempty"`
		Error  string          `json:"error,omitempty"`
	}{State: s.Kind.String(), Reason: s.Reason}
	if s.Kind == StateConnected {
		p := s.Peer
		out.Peer = &p
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

// StateTransition is published to application subscribers on every change
type StateTransition struct {
	PeerID PeerID          `json:"peer_id"`
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	At     time.Time       `json:"at"`
}
