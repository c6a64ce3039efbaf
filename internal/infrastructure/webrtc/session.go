package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
)

const DefaultChannelLabel = "peerlink"

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ChannelLabel string
}

func ConfigFromConfig(cfg *config.Config) WebRTCConfig {
	var out WebRTCConfig
	for _, s := range cfg.ICE.Servers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.ICE.PortRange.Min
	out.PortRange.Max = cfg.ICE.PortRange.Max
	out.ChannelLabel = DefaultChannelLabel
	return out
}

// SessionFactory builds pion peer connections that carry a single ordered
// data channel.
type SessionFactory struct {
	config WebRTCConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewSessionFactory(cfg WebRTCConfig, logger *zap.SugaredLogger) (*SessionFactory, error) {
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = DefaultChannelLabel
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid ice port range: %w", err)
		}
	}

	return &SessionFactory{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger.With("component", "webrtc"),
	}, nil
}

var _ ports.SessionFactory = (*SessionFactory)(nil)

// NewSession opens a peer connection. The offerer creates the data channel;
// the answerer adopts the one announced in the remote offer.
func (f *SessionFactory) NewSession(opts ports.SessionOptions, sink ports.SessionEventSink) (ports.PeerSession, error) {
	pcConfig := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if opts.RelayOnly {
		pcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := f.api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &PeerSession{
		pc:     pc,
		sink:   sink,
		logger: f.logger.With("peer_id", opts.PeerID, "session_id", opts.SessionID),
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnICEGatheringStateChange(s.handleGatheringState)
	pc.OnICEConnectionStateChange(s.handleICEConnectionState)

	if opts.Role == domain.RoleOfferer {
		ordered := true
		dc, err := pc.CreateDataChannel(f.config.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		s.attachChannel(dc)
	} else {
		pc.OnDataChannel(s.attachChannel)
	}

	s.logger.Debugw("peer connection created",
		"role", opts.Role.String(),
		"relay_only", opts.RelayOnly,
	)
	return s, nil
}

// PeerSession wraps one pion peer connection. Callbacks arrive on pion's
// goroutines and are forwarded to the sink as they come.
type PeerSession struct {
	pc     *webrtc.PeerConnection
	sink   ports.SessionEventSink
	logger *zap.SugaredLogger

	mu sync.Mutex
	dc *webrtc.DataChannel

	closeOnce sync.Once
	closeErr  error
}

func (s *PeerSession) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (s *PeerSession) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (s *PeerSession) SetLocalDescription(desc domain.SessionDescription) error {
	return s.pc.SetLocalDescription(toPionDescription(desc))
}

func (s *PeerSession) SetRemoteDescription(desc domain.SessionDescription) error {
	return s.pc.SetRemoteDescription(toPionDescription(desc))
}

func (s *PeerSession) AddICECandidate(c domain.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Send writes data to the data channel. It fails with domain.ErrNotConnected
// until the channel is open.
func (s *PeerSession) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrNotConnected
	}
	return dc.Send(data)
}

func (s *PeerSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}

func (s *PeerSession) attachChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		s.logger.Warnw("ignoring extra data channel", "label", dc.Label())
		return
	}
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.logger.Infow("data channel open", "label", dc.Label())
		s.sink(ports.SessionEvent{Kind: ports.SessionChannelOpen})
	})
	dc.OnClose(func() {
		s.logger.Infow("data channel closed", "label", dc.Label())
		s.sink(ports.SessionEvent{Kind: ports.SessionChannelClosed})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.sink(ports.SessionEvent{Kind: ports.SessionMessage, Data: msg.Data})
	})
}

// handleICECandidate forwards local candidates. The nil end-of-candidates
// marker is ignored; gathering completion arrives as a state change.
func (s *PeerSession) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	s.sink(ports.SessionEvent{
		Kind: ports.SessionLocalCandidate,
		Candidate: domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

func (s *PeerSession) handleGatheringState(state webrtc.ICEGathererState) {
	gathering, ok := gatheringState(state)
	if !ok {
		return
	}
	s.sink(ports.SessionEvent{Kind: ports.SessionGatheringState, Gathering: gathering})
}

// handleICEConnectionState handles ICE connection state changes
func (s *PeerSession) handleICEConnectionState(state webrtc.ICEConnectionState) {
	s.logger.Infow("peer ICE connection state changed", "ice_state", state.String())
	mapped, ok := iceConnectionState(state)
	if !ok {
		return
	}
	s.sink(ports.SessionEvent{Kind: ports.SessionICEState, ICEState: mapped})
}

func gatheringState(state webrtc.ICEGathererState) (domain.GatheringState, bool) {
	switch state {
	case webrtc.ICEGathererStateNew:
		return domain.GatheringNew, true
	case webrtc.ICEGathererStateGathering:
		return domain.GatheringInProgress, true
	case webrtc.ICEGathererStateComplete:
		return domain.GatheringComplete, true
	default:
		return 0, false
	}
}

func iceConnectionState(state webrtc.ICEConnectionState) (domain.ICEConnectionState, bool) {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return domain.ICENew, true
	case webrtc.ICEConnectionStateChecking:
		return domain.ICEChecking, true
	case webrtc.ICEConnectionStateConnected:
		return domain.ICEConnected, true
	case webrtc.ICEConnectionStateCompleted:
		return domain.ICECompleted, true
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ICEDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return domain.ICEFailed, true
	case webrtc.ICEConnectionStateClosed:
		return domain.ICEClosed, true
	default:
		return 0, false
	}
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	out := domain.SessionDescription{SDP: desc.SDP}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		out.Type = domain.SDPTypeOffer
	case webrtc.SDPTypeAnswer:
		out.Type = domain.SDPTypeAnswer
	}
	return out
}

func toPionDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	out := webrtc.SessionDescription{SDP: desc.SDP}
	switch desc.Type {
	case domain.SDPTypeOffer:
		out.Type = webrtc.SDPTypeOffer
	case domain.SDPTypeAnswer:
		out.Type = webrtc.SDPTypeAnswer
	}
	return out
}
