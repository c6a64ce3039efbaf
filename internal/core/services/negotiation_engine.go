package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/errors"
	"peerlink/pkg/eventloop"
	plog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"
)

type NegotiationConfig struct {
	GatheringTimeout  time.Duration
	ConnectionTimeout time.Duration
	RecoveryTimeout   time.Duration
	MaxRestarts       int
	// RelayFallback is set only when a relay server is configured
	RelayFallback bool
	FallbackDelay time.Duration
}

func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		GatheringTimeout:  10 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		RecoveryTimeout:   15 * time.Second,
		MaxRestarts:       3,
		FallbackDelay:     5 * time.Second,
	}
}

// negotiation is the engine-private wrapper around one live session
type negotiation struct {
	state *domain.NegotiationSession
	conn  ports.PeerSession

	gatherTimer   eventloop.Timer
	connectTimer  eventloop.Timer
	recoveryTimer eventloop.Timer

	connected bool
	closing   bool

	ctx  context.Context
	span trace.Span
}

// NegotiationEngine drives the offer/answer exchange and ICE recovery for
// every peer. All methods run on the coordinator loop; session callbacks are
// posted back onto it tagged with their session id so late events from a
// replaced session are dropped.
type NegotiationEngine struct {
	localID domain.PeerID
	cfg     NegotiationConfig
	rt      eventloop.Runtime
	factory ports.SessionFactory
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	// clog decorates entries with the session's peer and session ids
	clog *plog.ContextLogger

	send      func(domain.PeerID, domain.Envelope)
	emit      func(domain.NegotiationEvent)
	onMessage func(domain.PeerMessage)

	sessions  map[domain.PeerID]*negotiation
	fallbacks map[domain.PeerID]eventloop.Timer
}

func NewNegotiationEngine(
	localID domain.PeerID,
	cfg NegotiationConfig,
	rt eventloop.Runtime,
	factory ports.SessionFactory,
	send func(domain.PeerID, domain.Envelope),
	emit func(domain.NegotiationEvent),
	onMessage func(domain.PeerMessage),
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *NegotiationEngine {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &NegotiationEngine{
		localID:   localID,
		cfg:       cfg,
		rt:        rt,
		factory:   factory,
		metrics:   metrics,
		logger:    logger,
		clog:      plog.NewContextLogger(logger.Desugar()),
		send:      send,
		emit:      emit,
		onMessage: onMessage,
		sessions:  make(map[domain.PeerID]*negotiation),
		fallbacks: make(map[domain.PeerID]eventloop.Timer),
	}
}

// Open starts a fresh offerer session for peer, replacing any existing one.
func (e *NegotiationEngine) Open(peer domain.PeerID) error {
	e.cancelFallback(peer)
	n, err := e.newSession(peer, domain.RoleOfferer, false, false)
	if err != nil {
		return err
	}
	if err := e.offer(n, false); err != nil {
		e.teardown(n)
		e.finishSpan(n, "failed", err)
		return err
	}
	return nil
}

// Close tears down the peer's session without emitting an event
func (e *NegotiationEngine) Close(peer domain.PeerID) {
	e.cancelFallback(peer)
	if n, ok := e.sessions[peer]; ok {
		e.teardown(n)
		e.finishSpan(n, "closed", nil)
	}
}

func (e *NegotiationEngine) CloseAll() {
	for peer := range e.fallbacks {
		e.cancelFallback(peer)
	}
	for peer := range e.sessions {
		e.Close(peer)
	}
}

// Session returns a snapshot of the peer's live session
func (e *NegotiationEngine) Session(peer domain.PeerID) (domain.NegotiationSession, bool) {
	n, ok := e.sessions[peer]
	if !ok {
		return domain.NegotiationSession{}, false
	}
	return n.state.Snapshot(), true
}

// Pending reports whether a relay rebuild is waiting for peer
func (e *NegotiationEngine) Pending(peer domain.PeerID) bool {
	_, ok := e.fallbacks[peer]
	return ok
}

// Send writes data over the peer's connected session
func (e *NegotiationEngine) Send(peer domain.PeerID, data []byte) error {
	n, ok := e.sessions[peer]
	if !ok || !n.connected {
		return domain.ErrNotConnected
	}
	if err := n.conn.Send(data); err != nil {
		return errors.NewTransportError(string(peer), err, "send over data channel")
	}
	return nil
}

// HandleEnvelope applies an inbound offer, answer or candidate
func (e *NegotiationEngine) HandleEnvelope(env domain.Envelope) {
	switch env := env.(type) {
	case domain.OfferEnvelope:
		e.handleOffer(env)
	case domain.AnswerEnvelope:
		e.handleAnswer(env)
	case domain.CandidateEnvelope:
		e.handleCandidate(env)
	default:
		e.logger.Debugw("envelope not for negotiation engine", "type", env.Type(), "peer_id", env.Sender())
	}
}

// HandleSessionEvent applies a callback from the session identified by
// sessionID. Events from sessions that were replaced are ignored.
func (e *NegotiationEngine) HandleSessionEvent(peer domain.PeerID, sessionID string, ev ports.SessionEvent) {
	n, ok := e.sessions[peer]
	if !ok || n.state.ID != sessionID {
		e.logger.Debugw("dropping event from stale session", "peer_id", peer, "session_id", sessionID)
		return
	}

	switch ev.Kind {
	case ports.SessionLocalCandidate:
		e.send(peer, domain.CandidateEnvelope{From: e.localID, Candidate: ev.Candidate})
	case ports.SessionGatheringState:
		e.onGathering(n, ev.Gathering)
	case ports.SessionICEState:
		e.onICEState(n, ev.ICEState)
	case ports.SessionChannelOpen:
		e.logger.Debugw("data channel open", "peer_id", peer, "session_id", sessionID)
	case ports.SessionChannelClosed:
		if n.connected && !n.closing {
			e.lost(n, "data channel closed")
		}
	case ports.SessionMessage:
		e.onMessage(domain.PeerMessage{PeerID: peer, Data: ev.Data})
	}
}

func (e *NegotiationEngine) newSession(peer domain.PeerID, role domain.Role, relayOnly, relayAttempted bool) (*negotiation, error) {
	if old, ok := e.sessions[peer]; ok {
		e.teardown(old)
		e.finishSpan(old, "replaced", nil)
	}

	id := uuid.NewString()
	sink := func(ev ports.SessionEvent) {
		e.rt.Post(func() { e.HandleSessionEvent(peer, id, ev) })
	}
	conn, err := e.factory.NewSession(ports.SessionOptions{
		SessionID: id,
		PeerID:    peer,
		Role:      role,
		RelayOnly: relayOnly,
	}, sink)
	if err != nil {
		return nil, errors.NewNegotiationError(string(peer), err, "create peer session")
	}

	ctx := plog.WithSessionID(plog.WithPeerID(context.Background(), string(peer)), id)
	ctx, span := tracing.TraceNegotiation(ctx, string(peer), id, role.String(), relayOnly)
	n := &negotiation{
		state: &domain.NegotiationSession{
			ID:                     id,
			PeerID:                 peer,
			Role:                   role,
			RelayOnly:              relayOnly,
			RelayFallbackAttempted: relayAttempted,
			CreatedAt:              e.rt.Now(),
		},
		conn: conn,
		ctx:  ctx,
		span: span,
	}
	e.sessions[peer] = n
	e.clog.LogInfo(ctx, "negotiation session opened",
		zap.String("role", role.String()),
		zap.Bool("relay_only", relayOnly),
	)
	return n, nil
}

// offer creates and sends an offer. Gathering starts once the local
// description is applied.
func (e *NegotiationEngine) offer(n *negotiation, iceRestart bool) error {
	peer := n.state.PeerID
	desc, err := n.conn.CreateOffer(iceRestart)
	if err != nil {
		return errors.NewNegotiationError(string(peer), err, "create offer")
	}
	if err := n.conn.SetLocalDescription(desc); err != nil {
		return errors.NewNegotiationError(string(peer), err, "set local offer")
	}
	n.state.LocalDescription = &desc
	e.onGathering(n, domain.GatheringInProgress)
	e.send(peer, domain.OfferEnvelope{From: e.localID, Description: desc})
	return nil
}

func (e *NegotiationEngine) handleOffer(env domain.OfferEnvelope) {
	peer := env.From
	n, ok := e.sessions[peer]

	switch {
	case !ok:
		e.cancelFallback(peer)
		if n = e.openAnswerer(peer); n == nil {
			return
		}
	case n.state.Role == domain.RoleAnswerer:
		if !freshOffer(n.state.RemoteDescription, env.Description) {
			break
		}
		e.logger.Infow("remote rebuilt its session, answering from scratch", "peer_id", peer)
		if n = e.openAnswerer(peer); n == nil {
			return
		}
	case !n.state.RemoteDescriptionSet:
		// both sides offered at once; the smaller id yields and answers
		if e.localID > peer {
			e.logger.Infow("offer collision, keeping local offer", "peer_id", peer)
			return
		}
		e.logger.Infow("offer collision, yielding to remote offer", "peer_id", peer)
		if n = e.openAnswerer(peer); n == nil {
			return
		}
	default:
		// the remote started over while we held an established offerer session
		if n = e.openAnswerer(peer); n == nil {
			return
		}
	}

	if err := e.applyRemote(n, env.Description); err != nil {
		e.fail(n, err)
		return
	}

	answer, err := n.conn.CreateAnswer()
	if err != nil {
		e.fail(n, errors.NewNegotiationError(string(peer), err, "create answer"))
		return
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		e.fail(n, errors.NewNegotiationError(string(peer), err, "set local answer"))
		return
	}
	n.state.LocalDescription = &answer
	e.onGathering(n, domain.GatheringInProgress)
	e.armConnectTimer(n)
	e.send(peer, domain.AnswerEnvelope{From: e.localID, Description: answer})
}

func (e *NegotiationEngine) openAnswerer(peer domain.PeerID) *negotiation {
	n, err := e.newSession(peer, domain.RoleAnswerer, false, false)
	if err != nil {
		e.logger.Warnw("cannot answer remote offer", "peer_id", peer, "error", err)
		e.emit(domain.NegotiationEvent{Kind: domain.NegotiationFailed, PeerID: peer, Err: err})
		return nil
	}
	e.emit(domain.NegotiationEvent{Kind: domain.NegotiationStarted, PeerID: peer, SessionID: n.state.ID})
	return n
}

func (e *NegotiationEngine) handleAnswer(env domain.AnswerEnvelope) {
	peer := env.From
	n, ok := e.sessions[peer]
	if !ok {
		e.logger.Warnw("answer without a session", "peer_id", peer)
		e.metrics.EnvelopeDropped("no_session")
		return
	}
	if n.state.Role != domain.RoleOfferer || n.state.LocalDescription == nil {
		e.logger.Warnw("unexpected answer", "peer_id", peer, "role", n.state.Role.String())
		e.metrics.EnvelopeDropped("unexpected_answer")
		return
	}
	if err := e.applyRemote(n, env.Description); err != nil {
		e.logger.Warnw("remote answer rejected", "peer_id", peer, "error", err)
		e.handleFailure(n, "remote answer rejected")
		return
	}
	e.armConnectTimer(n)
}

// applyRemote sets the remote description and flushes the candidates that
// arrived ahead of it, in arrival order.
func (e *NegotiationEngine) applyRemote(n *negotiation, desc domain.SessionDescription) error {
	peer := n.state.PeerID
	if err := n.conn.SetRemoteDescription(desc); err != nil {
		return errors.NewNegotiationError(string(peer), err, fmt.Sprintf("set remote %s", desc.Type))
	}
	flushed, err := n.state.AcceptRemoteDescription(desc)
	if err != nil {
		return errors.NewNegotiationError(string(peer), err, "accept remote description")
	}
	for _, c := range flushed {
		e.addCandidate(n, c)
	}
	if len(flushed) > 0 {
		e.logger.Debugw("applied buffered candidates", "peer_id", peer, "count", len(flushed))
	}
	return nil
}

func (e *NegotiationEngine) handleCandidate(env domain.CandidateEnvelope) {
	n, ok := e.sessions[env.From]
	if !ok {
		e.logger.Debugw("candidate without a session", "peer_id", env.From)
		e.metrics.EnvelopeDropped("no_session")
		return
	}
	if n.state.QueueCandidate(env.Candidate) {
		return
	}
	e.addCandidate(n, env.Candidate)
}

func (e *NegotiationEngine) addCandidate(n *negotiation, c domain.ICECandidate) {
	if err := n.conn.AddICECandidate(c); err != nil {
		e.logger.Warnw("failed to add remote candidate", "peer_id", n.state.PeerID, "error", err)
	}
}

func (e *NegotiationEngine) onGathering(n *negotiation, st domain.GatheringState) {
	switch st {
	case domain.GatheringInProgress:
		if n.state.Gathering == domain.GatheringInProgress {
			return
		}
		n.state.Gathering = st
		eventloop.Stop(n.gatherTimer)
		n.gatherTimer = e.rt.AfterFunc(e.cfg.GatheringTimeout, func() { e.onGatheringTimeout(n) })
	case domain.GatheringComplete:
		eventloop.Stop(n.gatherTimer)
		n.gatherTimer = nil
		n.state.Gathering = st
	default:
		n.state.Gathering = st
	}
}

func (e *NegotiationEngine) onGatheringTimeout(n *negotiation) {
	n.gatherTimer = nil
	if !e.live(n) || n.state.Gathering != domain.GatheringInProgress {
		return
	}
	n.state.Gathering = domain.GatheringComplete
	e.logger.Infow("candidate gathering timed out, continuing with partial candidates",
		"peer_id", n.state.PeerID,
		"session_id", n.state.ID,
	)
}

func (e *NegotiationEngine) onICEState(n *negotiation, st domain.ICEConnectionState) {
	prev := n.state.ICEState
	n.state.ICEState = st
	tracing.AddSpanAttributes(n.ctx, tracing.ICEStateKey.String(st.String()))
	e.clog.LogDebug(n.ctx, "ice state changed", zap.String("from", prev.String()), zap.String("to", st.String()))

	switch st {
	case domain.ICENew:
	case domain.ICEChecking:
		if n.connectTimer == nil {
			e.armConnectTimer(n)
		}
	case domain.ICEConnected, domain.ICECompleted:
		eventloop.Stop(n.connectTimer)
		eventloop.Stop(n.recoveryTimer)
		n.connectTimer, n.recoveryTimer = nil, nil
		n.state.RestartAttempts = 0
		n.state.RelayFallbackAttempted = false
		if !n.connected {
			n.connected = true
			e.finishSpan(n, "connected", nil)
			e.clog.LogInfo(n.ctx, "peer connected", zap.Bool("relay_only", n.state.RelayOnly))
			e.emit(domain.NegotiationEvent{Kind: domain.NegotiationConnected, PeerID: n.state.PeerID, SessionID: n.state.ID})
		}
	case domain.ICEDisconnected:
		if n.recoveryTimer == nil {
			n.recoveryTimer = e.rt.AfterFunc(e.cfg.RecoveryTimeout, func() { e.onRecoveryTimeout(n) })
		}
	case domain.ICEFailed:
		eventloop.Stop(n.recoveryTimer)
		n.recoveryTimer = nil
		e.handleFailure(n, "ice failed")
	case domain.ICEClosed:
		if n.connected && !n.closing {
			e.lost(n, "ice closed")
		}
	}
}

func (e *NegotiationEngine) armConnectTimer(n *negotiation) {
	eventloop.Stop(n.connectTimer)
	n.connectTimer = e.rt.AfterFunc(e.cfg.ConnectionTimeout, func() { e.onConnectionTimeout(n) })
}

func (e *NegotiationEngine) onConnectionTimeout(n *negotiation) {
	n.connectTimer = nil
	if !e.live(n) {
		return
	}
	if st := n.state.ICEState; st == domain.ICEConnected || st == domain.ICECompleted {
		return
	}
	e.handleFailure(n, "connection timeout")
}

func (e *NegotiationEngine) onRecoveryTimeout(n *negotiation) {
	n.recoveryTimer = nil
	if !e.live(n) || n.state.ICEState != domain.ICEDisconnected {
		return
	}
	e.handleFailure(n, "did not recover from disconnect")
}

// handleFailure walks the recovery ladder: ICE restart while the budget
// lasts, then one relay-only rebuild if a relay is configured, then Failed.
func (e *NegotiationEngine) handleFailure(n *negotiation, reason string) {
	peer := n.state.PeerID
	if n.state.RestartAttempts < e.cfg.MaxRestarts {
		n.state.RestartAttempts++
		e.restart(n, reason)
		return
	}
	if e.cfg.RelayFallback && n.state.Role == domain.RoleOfferer && !n.state.RelayFallbackAttempted {
		e.scheduleRelayFallback(n, reason)
		return
	}
	e.fail(n, errors.NewNegotiationError(string(peer), nil, reason).
		WithContext("restarts", n.state.RestartAttempts).
		WithContext("relay_only", n.state.RelayOnly))
}

func (e *NegotiationEngine) restart(n *negotiation, reason string) {
	peer := n.state.PeerID
	e.metrics.ICERestart(peer)
	tracing.AddSpanAttributes(n.ctx, tracing.RestartsKey.Int(n.state.RestartAttempts))
	e.logger.Infow("restarting ice",
		"peer_id", peer,
		"attempt", n.state.RestartAttempts,
		"max", e.cfg.MaxRestarts,
		"reason", reason,
	)
	e.armConnectTimer(n)

	// the answerer waits for the offerer's restart offer
	if n.state.Role != domain.RoleOfferer {
		return
	}
	if err := e.offer(n, true); err != nil {
		e.fail(n, err)
	}
}

func (e *NegotiationEngine) scheduleRelayFallback(n *negotiation, reason string) {
	peer := n.state.PeerID
	e.metrics.RelayFallback(peer)
	e.logger.Warnw("direct connection failed, falling back to relay",
		"peer_id", peer,
		"reason", reason,
		"delay", e.cfg.FallbackDelay,
	)
	e.teardown(n)
	e.finishSpan(n, "relay_fallback", nil)

	e.fallbacks[peer] = e.rt.AfterFunc(e.cfg.FallbackDelay, func() {
		if _, ok := e.fallbacks[peer]; !ok {
			return
		}
		delete(e.fallbacks, peer)

		relay, err := e.newSession(peer, domain.RoleOfferer, true, true)
		if err != nil {
			e.emit(domain.NegotiationEvent{Kind: domain.NegotiationFailed, PeerID: peer, Err: err})
			return
		}
		if err := e.offer(relay, false); err != nil {
			e.fail(relay, err)
		}
	})
}

func (e *NegotiationEngine) cancelFallback(peer domain.PeerID) {
	if t, ok := e.fallbacks[peer]; ok {
		t.Stop()
		delete(e.fallbacks, peer)
	}
}

func (e *NegotiationEngine) fail(n *negotiation, err error) {
	if !e.live(n) {
		return
	}
	e.clog.LogError(n.ctx, err, "negotiation failed")
	e.teardown(n)
	e.finishSpan(n, "failed", err)
	e.emit(domain.NegotiationEvent{Kind: domain.NegotiationFailed, PeerID: n.state.PeerID, SessionID: n.state.ID, Err: err})
}

func (e *NegotiationEngine) lost(n *negotiation, reason string) {
	e.clog.WithFields(n.ctx, zap.String("reason", reason)).Info("connection lost")
	e.teardown(n)
	e.emit(domain.NegotiationEvent{
		Kind:      domain.NegotiationLost,
		PeerID:    n.state.PeerID,
		SessionID: n.state.ID,
		Err:       errors.NewTransportError(string(n.state.PeerID), nil, reason),
	})
}

// teardown stops the session's timers, closes it and drops it from the table
func (e *NegotiationEngine) teardown(n *negotiation) {
	n.closing = true
	eventloop.Stop(n.gatherTimer)
	eventloop.Stop(n.connectTimer)
	eventloop.Stop(n.recoveryTimer)
	n.gatherTimer, n.connectTimer, n.recoveryTimer = nil, nil, nil

	if cur, ok := e.sessions[n.state.PeerID]; ok && cur == n {
		delete(e.sessions, n.state.PeerID)
	}
	if err := n.conn.Close(); err != nil {
		e.clog.LogWarn(n.ctx, "closing peer session", zap.Error(err))
	}
}

func (e *NegotiationEngine) finishSpan(n *negotiation, outcome string, err error) {
	if n.span == nil {
		return
	}
	elapsed := e.rt.Now().Sub(n.state.CreatedAt)
	tracing.MeasureDuration(n.ctx, elapsed, "negotiation."+outcome)
	if err != nil {
		tracing.RecordError(n.ctx, err)
	} else {
		tracing.SetSpanStatus(n.ctx, codes.Ok, outcome)
	}
	n.span.End()
	n.span = nil
	e.metrics.NegotiationFinished(outcome, elapsed)
}

func (e *NegotiationEngine) live(n *negotiation) bool {
	cur, ok := e.sessions[n.state.PeerID]
	return ok && cur == n
}

// freshOffer reports whether next comes from a new remote peer connection
// rather than an ICE restart of the current one. Restarts keep the SDP
// origin session id and only bump its version.
func freshOffer(prev *domain.SessionDescription, next domain.SessionDescription) bool {
	if prev == nil {
		return false
	}
	a, b := originSessionID(prev.SDP), originSessionID(next.SDP)
	return a != "" && b != "" && a != b
}

func originSessionID(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "o=") {
			continue
		}
		if fields := strings.Fields(line[2:]); len(fields) >= 2 {
			return fields[1]
		}
		return ""
	}
	return ""
}
