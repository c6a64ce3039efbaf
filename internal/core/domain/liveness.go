package domain

import "time"

// LivenessRecord tracks when a peer was last heard from
type LivenessRecord struct {
	PeerID   PeerID
	LastSeen time.Time
	Timeouts int // consecutive timeout windows without activity
}

type LivenessEventKind int

const (
	LivenessTimeout LivenessEventKind = iota
	LivenessExhausted
)

func (k LivenessEventKind) String() string {
	if k == LivenessExhausted {
		return "exhausted"
	}
	return "timeout"
}

type LivenessEvent struct {
	Kind     LivenessEventKind
	PeerID   PeerID
	Attempts int
}
