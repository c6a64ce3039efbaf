package services

import (
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

func sdp(origin string) string {
	return fmt.Sprintf("v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", origin)
}

type fakeSession struct {
	opts   ports.SessionOptions
	sink   ports.SessionEventSink
	origin string

	calls   []string
	sent    [][]byte
	closed  bool
	sendErr error
}

func (s *fakeSession) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	if iceRestart {
		s.calls = append(s.calls, "offer:restart")
	} else {
		s.calls = append(s.calls, "offer")
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: sdp(s.origin)}, nil
}

func (s *fakeSession) CreateAnswer() (domain.SessionDescription, error) {
	s.calls = append(s.calls, "answer")
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: sdp(s.origin)}, nil
}

func (s *fakeSession) SetLocalDescription(desc domain.SessionDescription) error {
	s.calls = append(s.calls, "local:"+string(desc.Type))
	return nil
}

func (s *fakeSession) SetRemoteDescription(desc domain.SessionDescription) error {
	s.calls = append(s.calls, "remote:"+string(desc.Type))
	return nil
}

func (s *fakeSession) AddICECandidate(c domain.ICECandidate) error {
	s.calls = append(s.calls, "candidate:"+c.Candidate)
	return nil
}

func (s *fakeSession) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) ice(st domain.ICEConnectionState) {
	s.sink(ports.SessionEvent{Kind: ports.SessionICEState, ICEState: st})
}

func (s *fakeSession) connect() {
	s.ice(domain.ICEChecking)
	s.ice(domain.ICEConnected)
}

type fakeFactory struct {
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) NewSession(opts ports.SessionOptions, sink ports.SessionEventSink) (ports.PeerSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{opts: opts, sink: sink, origin: fmt.Sprintf("%d", 1000+len(f.sessions))}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) last() *fakeSession {
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type sentEnvelope struct {
	to  domain.PeerID
	env domain.Envelope
}

// fakeSignaling records outbound envelopes; tests inject inbound ones
// straight into the coordinator.
type fakeSignaling struct {
	mu           sync.Mutex
	sent         []sentEnvelope
	disconnected []domain.PeerID
	events       chan ports.SignalEvent
	closed       bool
	sendErr      error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{events: make(chan ports.SignalEvent)}
}

func (s *fakeSignaling) Send(peer domain.PeerDescriptor, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrChannelClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentEnvelope{to: peer.ID, env: env})
	return nil
}

func (s *fakeSignaling) Disconnect(peerID domain.PeerID, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, peerID)
}

func (s *fakeSignaling) Events() <-chan ports.SignalEvent {
	return s.events
}

func (s *fakeSignaling) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *fakeSignaling) ofType(t domain.EnvelopeType) []sentEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEnvelope
	for _, e := range s.sent {
		if e.env.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSignaling) disconnectedPeers() []domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PeerID(nil), s.disconnected...)
}
