package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
)

// wireEnvelope is the line format: one JSON object per line whose data field
// holds the type-specific payload serialized as a JSON string.
type wireEnvelope struct {
	Type         domain.EnvelopeType `json:"type"`
	FromDeviceID domain.PeerID       `json:"fromDeviceId"`
	Data         string              `json:"data,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

type heartbeatPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Encode renders env as a single newline-terminated line
func Encode(env domain.Envelope) ([]byte, error) {
	w := wireEnvelope{Type: env.Type(), FromDeviceID: env.Sender()}

	var payload interface{}
	switch e := env.(type) {
	case domain.OfferEnvelope:
		payload = e.Description
	case domain.AnswerEnvelope:
		payload = e.Description
	case domain.CandidateEnvelope:
		payload = e.Candidate
	case domain.HeartbeatEnvelope:
		payload = heartbeatPayload{ID: string(e.From), Timestamp: e.Timestamp.UnixMilli()}
	case domain.HeartbeatAckEnvelope:
		payload = heartbeatPayload{ID: string(e.From), Timestamp: e.Timestamp.UnixMilli()}
	case domain.CloseEnvelope:
		w.Reason = e.Reason
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnknownEnvelope, env)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", w.Type, err)
		}
		w.Data = string(data)
	}
	line, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", w.Type, err)
	}
	return append(line, '\n'), nil
}

// Decode parses one line back into its envelope variant. Errors wrap
// domain.ErrMalformedEnvelope or domain.ErrUnknownEnvelope.
func Decode(line []byte) (domain.Envelope, error) {
	line = bytes.TrimSpace(line)
	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if w.FromDeviceID == "" {
		return nil, fmt.Errorf("%w: missing fromDeviceId", domain.ErrMalformedEnvelope)
	}

	switch w.Type {
	case domain.EnvelopeOffer, domain.EnvelopeAnswer:
		var desc domain.SessionDescription
		if err := decodeData(w, &desc); err != nil {
			return nil, err
		}
		if desc.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", domain.ErrMalformedEnvelope, w.Type)
		}
		if w.Type == domain.EnvelopeOffer {
			desc.Type = domain.SDPTypeOffer
			return domain.OfferEnvelope{From: w.FromDeviceID, Description: desc}, nil
		}
		desc.Type = domain.SDPTypeAnswer
		return domain.AnswerEnvelope{From: w.FromDeviceID, Description: desc}, nil

	case domain.EnvelopeCandidate:
		var c domain.ICECandidate
		if err := decodeData(w, &c); err != nil {
			return nil, err
		}
		return domain.CandidateEnvelope{From: w.FromDeviceID, Candidate: c}, nil

	case domain.EnvelopeHeartbeat, domain.EnvelopeHeartbeatAck:
		var hb heartbeatPayload
		if err := decodeData(w, &hb); err != nil {
			return nil, err
		}
		ts := time.UnixMilli(hb.Timestamp)
		if w.Type == domain.EnvelopeHeartbeat {
			return domain.HeartbeatEnvelope{From: w.FromDeviceID, Timestamp: ts}, nil
		}
		return domain.HeartbeatAckEnvelope{From: w.FromDeviceID, Timestamp: ts}, nil

	case domain.EnvelopeClose:
		return domain.CloseEnvelope{From: w.FromDeviceID, Reason: w.Reason}, nil

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEnvelope, w.Type)
	}
}

func decodeData(w wireEnvelope, v interface{}) error {
	if w.Data == "" {
		return fmt.Errorf("%w: %s without data", domain.ErrMalformedEnvelope, w.Type)
	}
	if err := json.Unmarshal([]byte(w.Data), v); err != nil {
		return fmt.Errorf("%w: %s data: %v", domain.ErrMalformedEnvelope, w.Type, err)
	}
	return nil
}
