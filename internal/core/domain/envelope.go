package domain

import "time"

type EnvelopeType string

const (
	EnvelopeOffer        EnvelopeType = "offer"
	EnvelopeAnswer       EnvelopeType = "answer"
	EnvelopeCandidate    EnvelopeType = "candidate"
	EnvelopeHeartbeat    EnvelopeType = "heartbeat"
	EnvelopeHeartbeatAck EnvelopeType = "heartbeat_ack"
	EnvelopeClose        EnvelopeType = "close"
)

// Envelope is one signaling message. The concrete variants below are the
// only implementations.
type Envelope interface {
	Type() EnvelopeType
	Sender() PeerID
}

type OfferEnvelope struct {
	From        PeerID
	Description SessionDescription
}

type AnswerEnvelope struct {
	From        PeerID
	Description SessionDescription
}

type CandidateEnvelope struct {
	From      PeerID
	Candidate ICECandidate
}

type HeartbeatEnvelope struct {
	From      PeerID
	Timestamp time.Time
}

type HeartbeatAckEnvelope struct {
	From      PeerID
	Timestamp time.Time
}

type CloseEnvelope struct {
	From   PeerID
	Reason string
}

func (OfferEnvelope) Type() EnvelopeType        { return EnvelopeOffer }
func (AnswerEnvelope) Type() EnvelopeType       { return EnvelopeAnswer }
func (CandidateEnvelope) Type() EnvelopeType    { return EnvelopeCandidate }
func (HeartbeatEnvelope) Type() EnvelopeType    { return EnvelopeHeartbeat }
func (HeartbeatAckEnvelope) Type() EnvelopeType { return EnvelopeHeartbeatAck }
func (CloseEnvelope) Type() EnvelopeType        { return EnvelopeClose }

func (e OfferEnvelope) Sender() PeerID        { return e.From }
func (e AnswerEnvelope) Sender() PeerID       { return e.From }
func (e CandidateEnvelope) Sender() PeerID    { return e.From }
func (e HeartbeatEnvelope) Sender() PeerID    { return e.From }
func (e HeartbeatAckEnvelope) Sender() PeerID { return e.From }
func (e CloseEnvelope) Sender() PeerID        { return e.From }
