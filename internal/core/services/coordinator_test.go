package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	"peerlink/pkg/errors"
	"peerlink/pkg/eventloop"
)

type recordingMetrics struct {
	ports.NopMetrics
	rtts []time.Duration
}

func (m *recordingMetrics) HeartbeatRTT(d time.Duration) { m.rtts = append(m.rtts, d) }

type coordHarness struct {
	t       *testing.T
	ctx     context.Context
	rt      *eventloop.Manual
	factory *fakeFactory
	signal  *fakeSignaling
	metrics *recordingMetrics
	coord   *Coordinator
}

func newCoordHarness(t *testing.T, mutate func(*CoordinatorConfig)) *coordHarness {
	cfg := DefaultCoordinatorConfig("laptop")
	if mutate != nil {
		mutate(&cfg)
	}
	h := &coordHarness{
		t:       t,
		ctx:     context.Background(),
		rt:      eventloop.NewManual(time.Unix(0, 0)),
		factory: &fakeFactory{},
		signal:  newFakeSignaling(),
		metrics: &recordingMetrics{},
	}
	h.coord = NewCoordinator(cfg, h.rt, h.factory, h.signal, h.metrics, zaptest.NewLogger(t).Sugar())
	h.coord.Start()
	t.Cleanup(func() { _ = h.coord.Release(context.Background()) })
	return h
}

func (h *coordHarness) deliver(env domain.Envelope) {
	h.rt.Post(func() {
		h.coord.handleSignal(ports.SignalEvent{Kind: ports.SignalEnvelope, PeerID: env.Sender(), Envelope: env})
	})
}

func (h *coordHarness) state(id domain.PeerID) domain.ConnectionState {
	st, err := h.coord.State(h.ctx, id)
	require.NoError(h.t, err)
	return st
}

func (h *coordHarness) pending() []domain.ReconnectTask {
	tasks, err := h.coord.PendingReconnects(h.ctx)
	require.NoError(h.t, err)
	return tasks
}

// connectPhone runs a full offer/answer exchange and brings ICE up
func (h *coordHarness) connectPhone() *fakeSession {
	require.NoError(h.t, h.coord.Connect(h.ctx, phone))
	h.deliver(remoteAnswer(phone.ID))
	session := h.factory.last()
	session.connect()
	require.Equal(h.t, domain.StateConnected, h.state(phone.ID).Kind)
	return session
}

func TestCoordinator_ConnectLifecycle(t *testing.T) {
	h := newCoordHarness(t, nil)
	sub, cancel := h.coord.Subscribe(16)
	defer cancel()

	require.NoError(t, h.coord.Connect(h.ctx, phone))
	assert.Equal(t, domain.StateNegotiating, h.state(phone.ID).Kind)

	offers := h.signal.ofType(domain.EnvelopeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, phone.ID, offers[0].to)

	// never double-connect
	require.NoError(t, h.coord.Connect(h.ctx, phone))
	assert.Len(t, h.factory.sessions, 1)

	h.deliver(remoteAnswer(phone.ID))
	h.factory.last().connect()

	st := h.state(phone.ID)
	assert.Equal(t, domain.StateConnected, st.Kind)
	assert.Equal(t, phone, st.Peer)

	first := <-sub
	assert.Equal(t, domain.StateIdle, first.From.Kind)
	assert.Equal(t, domain.StateNegotiating, first.To.Kind)
	second := <-sub
	assert.Equal(t, domain.StateNegotiating, second.From.Kind)
	assert.Equal(t, domain.StateConnected, second.To.Kind)
}

func TestCoordinator_RejectsBadDescriptors(t *testing.T) {
	h := newCoordHarness(t, nil)

	err := h.coord.Connect(h.ctx, domain.PeerDescriptor{ID: "phone"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))

	err = h.coord.Connect(h.ctx, domain.PeerDescriptor{ID: "laptop", Address: "127.0.0.1:7946"})
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))

	_, err = h.coord.State(h.ctx, "phone")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}

func TestCoordinator_HeartbeatTimeoutSchedulesReconnect(t *testing.T) {
	h := newCoordHarness(t, nil)
	h.connectPhone()

	h.rt.Advance(37500 * time.Millisecond)
	assert.Len(t, h.signal.ofType(domain.EnvelopeHeartbeat), 2)

	st := h.state(phone.ID)
	assert.Equal(t, domain.StateDisconnected, st.Kind)
	assert.Equal(t, "heartbeat timeout", st.Reason)

	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ReasonHeartbeatTimeout, pending[0].Reason)
	assert.Equal(t, 4*time.Second, pending[0].NotBefore.Sub(h.rt.Now()))

	h.rt.Advance(4500 * time.Millisecond)
	assert.Len(t, h.factory.sessions, 2, "reconnect opened a new session")
	assert.Equal(t, domain.StateNegotiating, h.state(phone.ID).Kind)
	assert.Empty(t, h.pending())
}

func TestCoordinator_ReconnectExhaustionIsTerminal(t *testing.T) {
	h := newCoordHarness(t, func(cfg *CoordinatorConfig) { cfg.Negotiation.MaxRestarts = 0 })
	require.NoError(t, h.coord.Connect(h.ctx, phone))

	for attempt := 1; attempt <= 5; attempt++ {
		h.factory.last().ice(domain.ICEFailed)
		st := h.state(phone.ID)
		require.Equal(t, domain.StateFailed, st.Kind)
		assert.True(t, errors.Is(st.Err, errors.ErrCodeNegotiation))

		h.rt.Advance(h.coord.cfg.Reconnect.Delay(attempt) + time.Second)
		require.Len(t, h.factory.sessions, attempt+1, "attempt %d", attempt)
	}

	h.factory.last().ice(domain.ICEFailed)
	st := h.state(phone.ID)
	assert.Equal(t, domain.StateFailed, st.Kind)
	assert.True(t, errors.Is(st.Err, errors.ErrCodeExhausted))
	assert.Empty(t, h.pending())

	h.rt.Advance(10 * time.Minute)
	assert.Len(t, h.factory.sessions, 6, "no attempts after exhaustion")

	err := h.coord.Reconnect(h.ctx, phone.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))

	require.NoError(t, h.coord.Connect(h.ctx, phone))
	assert.Len(t, h.factory.sessions, 7, "a fresh descriptor starts over")
}

func TestCoordinator_RemoteCloseDoesNotReconnect(t *testing.T) {
	h := newCoordHarness(t, nil)
	session := h.connectPhone()

	h.deliver(domain.CloseEnvelope{From: phone.ID, Reason: "bye"})

	st := h.state(phone.ID)
	assert.Equal(t, domain.StateDisconnected, st.Kind)
	assert.Equal(t, "remote closed: bye", st.Reason)
	assert.True(t, session.closed)
	assert.Empty(t, h.pending())
	assert.Contains(t, h.signal.disconnectedPeers(), phone.ID, "signaling channel closed")

	h.rt.Advance(5 * time.Minute)
	assert.Len(t, h.factory.sessions, 1)
}

func TestCoordinator_FailedUserReconnectCountsOnce(t *testing.T) {
	h := newCoordHarness(t, func(cfg *CoordinatorConfig) { cfg.Negotiation.MaxRestarts = 0 })
	require.NoError(t, h.coord.Connect(h.ctx, phone))

	h.factory.last().ice(domain.ICEFailed)
	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)

	require.NoError(t, h.coord.Reconnect(h.ctx, phone.ID))
	require.Len(t, h.factory.sessions, 2, "user reconnect opened a session")
	assert.Empty(t, h.pending())

	h.factory.last().ice(domain.ICEFailed)
	pending = h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt, "same count as a scheduled retry")
	assert.Equal(t, 8*time.Second, pending[0].NotBefore.Sub(h.rt.Now()))
}

func TestCoordinator_LostConnectionReconnects(t *testing.T) {
	h := newCoordHarness(t, nil)
	session := h.connectPhone()

	session.sink(ports.SessionEvent{Kind: ports.SessionChannelClosed})

	st := h.state(phone.ID)
	assert.Equal(t, domain.StateDisconnected, st.Kind)
	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ReasonConnectionLost, pending[0].Reason)
}

func TestCoordinator_NetworkAvailability(t *testing.T) {
	h := newCoordHarness(t, nil)
	session := h.connectPhone()

	require.NoError(t, h.coord.SetNetworkAvailable(h.ctx, false))
	session.sink(ports.SessionEvent{Kind: ports.SessionChannelClosed})
	assert.Equal(t, domain.StateDisconnected, h.state(phone.ID).Kind)
	assert.Empty(t, h.pending(), "nothing scheduled while offline")

	h.rt.Advance(time.Minute)
	assert.Len(t, h.factory.sessions, 1)

	require.NoError(t, h.coord.SetNetworkAvailable(h.ctx, true))
	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ReasonNetworkChange, pending[0].Reason)
	assert.Equal(t, 2*time.Second, pending[0].NotBefore.Sub(h.rt.Now()))

	h.rt.Advance(3 * time.Second)
	assert.Len(t, h.factory.sessions, 2)
}

func TestCoordinator_DisconnectIsIdempotent(t *testing.T) {
	h := newCoordHarness(t, nil)
	session := h.connectPhone()

	require.NoError(t, h.coord.Disconnect(h.ctx, phone.ID))
	require.NoError(t, h.coord.Disconnect(h.ctx, phone.ID))

	assert.True(t, session.closed)
	assert.Len(t, h.signal.ofType(domain.EnvelopeClose), 1)
	assert.Contains(t, h.signal.disconnected, phone.ID)
	assert.Equal(t, domain.Disconnected("user request"), h.state(phone.ID))

	assert.ErrorIs(t, h.coord.Disconnect(h.ctx, "stranger"), domain.ErrPeerNotFound)
}

func TestCoordinator_AnswersInboundOffer(t *testing.T) {
	h := newCoordHarness(t, nil)

	h.deliver(remoteOffer("tablet", "42"))
	assert.Equal(t, domain.StateNegotiating, h.state("tablet").Kind)

	answers := h.signal.ofType(domain.EnvelopeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.PeerID("tablet"), answers[0].to)

	snap, err := h.coord.Negotiation(h.ctx, "tablet")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAnswerer, snap.Role)

	// no address was ever supplied for the tablet
	err = h.coord.Reconnect(h.ctx, "tablet")
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
}

func TestCoordinator_HeartbeatsAndAcks(t *testing.T) {
	h := newCoordHarness(t, nil)
	h.connectPhone()

	ts := h.rt.Now().Add(-time.Second)
	h.deliver(domain.HeartbeatEnvelope{From: phone.ID, Timestamp: ts})
	acks := h.signal.ofType(domain.EnvelopeHeartbeatAck)
	require.Len(t, acks, 1)
	assert.Equal(t, ts, acks[0].env.(domain.HeartbeatAckEnvelope).Timestamp)

	h.rt.Advance(15 * time.Second)
	beats := h.signal.ofType(domain.EnvelopeHeartbeat)
	require.Len(t, beats, 1)
	sentAt := beats[0].env.(domain.HeartbeatEnvelope).Timestamp

	h.rt.Advance(200 * time.Millisecond)
	h.deliver(domain.HeartbeatAckEnvelope{From: phone.ID, Timestamp: sentAt})
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, h.metrics.rtts)
}

func TestCoordinator_PayloadConduit(t *testing.T) {
	h := newCoordHarness(t, nil)
	assert.ErrorIs(t, h.coord.Send(h.ctx, phone.ID, []byte("early")), domain.ErrNotConnected)

	session := h.connectPhone()
	require.NoError(t, h.coord.Send(h.ctx, phone.ID, []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, session.sent)

	session.sink(ports.SessionEvent{Kind: ports.SessionMessage, Data: []byte("hi")})
	select {
	case msg := <-h.coord.Messages():
		assert.Equal(t, phone.ID, msg.PeerID)
		assert.Equal(t, []byte("hi"), msg.Data)
	default:
		t.Fatal("message not delivered")
	}
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	h := newCoordHarness(t, nil)
	sub, _ := h.coord.Subscribe(16)
	session := h.connectPhone()

	require.NoError(t, h.coord.Release(h.ctx))
	require.NoError(t, h.coord.Release(h.ctx))

	assert.True(t, session.closed)
	assert.True(t, h.signal.closed)
	assert.Len(t, h.signal.ofType(domain.EnvelopeClose), 1, "peers are told about the shutdown")
	assert.Equal(t, 0, h.rt.Pending(), "no timer survives release")

	assert.ErrorIs(t, h.coord.Connect(h.ctx, phone), domain.ErrReleased)

	_, ok := <-h.coord.Messages()
	assert.False(t, ok)

	for range sub {
	}
	late, _ := h.coord.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestCoordinatorConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.ID = "laptop"
	cfg.Reconnect.MaxAttempts = 9
	cfg.ICE.MaxRestarts = 4
	cfg.ICE.TURNFallback = true
	cfg.ICE.Servers = []config.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}

	c := CoordinatorConfigFromConfig(cfg)
	assert.Equal(t, domain.PeerID("laptop"), c.LocalID)
	assert.Equal(t, 9, c.Reconnect.MaxAttempts)
	assert.Equal(t, cfg.Reconnect.Tick, c.ReconnectTick)
	assert.Equal(t, cfg.Liveness.HeartbeatInterval, c.Liveness.HeartbeatInterval)
	assert.Equal(t, 4, c.Negotiation.MaxRestarts)
	assert.False(t, c.Negotiation.RelayFallback, "no turn server configured")

	cfg.ICE.Servers = append(cfg.ICE.Servers, config.ICEServer{URLs: []string{"turn:relay.example.org:3478"}})
	assert.True(t, CoordinatorConfigFromConfig(cfg).Negotiation.RelayFallback)
}
