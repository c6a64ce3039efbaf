package domain

import "time"

type ReconnectReason int

const (
	ReasonHeartbeatTimeout ReconnectReason = iota
	ReasonConnectionLost
	ReasonNegotiationFailed
	ReasonNetworkChange
	ReasonUserRequest
)

func (r ReconnectReason) String() string {
	switch r {
	case ReasonHeartbeatTimeout:
		return "HeartbeatTimeout"
	case ReasonConnectionLost:
		return "ConnectionLost"
	case ReasonNegotiationFailed:
		return "NegotiationFailed"
	case ReasonNetworkChange:
		return "NetworkChange"
	case ReasonUserRequest:
		return "UserRequest"
	default:
		return "Unknown"
	}
}

func (r ReconnectReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ReconnectTask is a pending reconnect attempt; at most one exists per peer
type ReconnectTask struct {
	PeerID     PeerID          `json:"peer_id"`
	Descriptor PeerDescriptor  `json:"descriptor"`
	NotBefore  time.Time       `json:"not_before"`
	Attempt    int             `json:"attempt"`
	Reason     ReconnectReason `json:"reason"`
}

type ReconnectStatus int

const (
	ReconnectScheduled ReconnectStatus = iota
	ReconnectInProgress
	ReconnectSuccess
	ReconnectFailed
	ReconnectCancelled
	ReconnectExhausted
)

func (s ReconnectStatus) String() string {
	switch s {
	case ReconnectScheduled:
		return "Scheduled"
	case ReconnectInProgress:
		return "InProgress"
	case ReconnectSuccess:
		return "Success"
	case ReconnectFailed:
		return "Failed"
	case ReconnectCancelled:
		return "Cancelled"
	case ReconnectExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

type ReconnectEvent struct {
	PeerID  PeerID
	Status  ReconnectStatus
	Reason  ReconnectReason
	Attempt int
	Delay   time.Duration
}
