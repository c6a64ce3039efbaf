package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	"peerlink/pkg/errors"
	"peerlink/pkg/eventloop"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"
)

const (
	reasonUser         = "user request"
	reasonRemotePrefix = "remote closed: "
)

type CoordinatorConfig struct {
	LocalID       domain.PeerID
	Liveness      LivenessConfig
	Reconnect     retry.Config
	ReconnectTick time.Duration
	Negotiation   NegotiationConfig
	MessageBuffer int
}

func DefaultCoordinatorConfig(localID domain.PeerID) CoordinatorConfig {
	return CoordinatorConfig{
		LocalID:       localID,
		Liveness:      DefaultLivenessConfig(),
		Reconnect:     retry.DefaultConfig(),
		ReconnectTick: time.Second,
		Negotiation:   DefaultNegotiationConfig(),
		MessageBuffer: 256,
	}
}

// CoordinatorConfigFromConfig maps the liveness, reconnect and ice sections
func CoordinatorConfigFromConfig(cfg *config.Config) CoordinatorConfig {
	c := DefaultCoordinatorConfig(domain.PeerID(cfg.Node.ID))
	c.Liveness = LivenessConfig{
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
		ConnectionTimeout: cfg.Liveness.ConnectionTimeout,
		MaxTimeouts:       cfg.Liveness.MaxTimeouts,
	}
	c.Reconnect = retry.Config{
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		ExponentCap: cfg.Reconnect.ExponentCap,
	}
	c.ReconnectTick = cfg.Reconnect.Tick
	c.Negotiation = NegotiationConfig{
		GatheringTimeout:  cfg.ICE.GatheringTimeout,
		ConnectionTimeout: cfg.ICE.ConnectionTimeout,
		RecoveryTimeout:   cfg.ICE.RecoveryTimeout,
		MaxRestarts:       cfg.ICE.MaxRestarts,
		RelayFallback:     cfg.RelayFallbackEnabled(),
		FallbackDelay:     cfg.ICE.TURNFallbackDelay,
	}
	return c
}

// Coordinator owns every peer's connection state. Its maps and components
// are touched only from the runtime loop; the public methods post onto it
// and wait for the result.
type Coordinator struct {
	cfg       CoordinatorConfig
	localID   domain.PeerID
	rt        eventloop.Runtime
	signaling ports.Signaling
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	liveness  *LivenessMonitor
	scheduler *ReconnectScheduler
	engine    *NegotiationEngine

	states           map[domain.PeerID]domain.ConnectionState
	descriptors      map[domain.PeerID]domain.PeerDescriptor
	networkAvailable bool
	released         bool
	messages         chan domain.PeerMessage

	subMu       sync.Mutex
	subscribers map[int]chan domain.StateTransition
	nextSub     int
	subsClosed  bool

	stop        chan struct{}
	releaseOnce sync.Once
}

var _ ports.ConnectionService = (*Coordinator)(nil)

func NewCoordinator(
	cfg CoordinatorConfig,
	rt eventloop.Runtime,
	factory ports.SessionFactory,
	signaling ports.Signaling,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Coordinator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 256
	}
	c := &Coordinator{
		cfg:              cfg,
		localID:          cfg.LocalID,
		rt:               rt,
		signaling:        signaling,
		metrics:          metrics,
		logger:           logger.With("local_id", cfg.LocalID),
		states:           make(map[domain.PeerID]domain.ConnectionState),
		descriptors:      make(map[domain.PeerID]domain.PeerDescriptor),
		networkAvailable: true,
		messages:         make(chan domain.PeerMessage, cfg.MessageBuffer),
		subscribers:      make(map[int]chan domain.StateTransition),
		stop:             make(chan struct{}),
	}

	c.liveness = NewLivenessMonitor(cfg.Liveness, rt,
		c.sendHeartbeat,
		func(ev domain.LivenessEvent) {
			c.metrics.LivenessEvent(ev)
			c.rt.Defer(func() { c.handleLiveness(ev) })
		},
		c.logger,
	)
	c.scheduler = NewReconnectScheduler(cfg.Reconnect, cfg.ReconnectTick, rt,
		c.reconnectAttempt,
		func(ev domain.ReconnectEvent) {
			c.metrics.ReconnectEvent(ev)
			c.rt.Defer(func() { c.handleReconnect(ev) })
		},
		c.logger,
	)
	c.engine = NewNegotiationEngine(cfg.LocalID, cfg.Negotiation, rt, factory,
		func(to domain.PeerID, env domain.Envelope) {
			if err := c.sendEnvelope(to, env); err != nil {
				c.logger.Warnw("failed to send signaling envelope", "peer_id", to, "type", env.Type(), "error", err)
			}
		},
		func(ev domain.NegotiationEvent) {
			c.rt.Defer(func() { c.handleNegotiation(ev) })
		},
		c.deliver,
		metrics,
		c.logger,
	)
	return c
}

// Start arms the component timers and begins consuming signaling events
func (c *Coordinator) Start() {
	c.rt.Post(func() {
		c.liveness.Start()
		c.scheduler.Start()
	})
	go c.pump()
}

func (c *Coordinator) pump() {
	events := c.signaling.Events()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.rt.Post(func() { c.handleSignal(ev) })
		}
	}
}

// Release stops every timer, closes every session and the signaling layer.
// It is safe to call more than once; later calls return nil.
func (c *Coordinator) Release(ctx context.Context) error {
	var err error
	c.releaseOnce.Do(func() {
		close(c.stop)
		done := make(chan struct{})
		if c.rt.Post(func() {
			c.shutdown()
			close(done)
		}) {
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		err = multierr.Append(err, c.signaling.Close())
	})
	return err
}

func (c *Coordinator) shutdown() {
	if c.released {
		return
	}
	c.liveness.Stop()
	c.scheduler.Stop()
	c.engine.CloseAll()
	for _, id := range c.peerIDs() {
		if c.states[id].Active() {
			if err := c.sendEnvelope(id, domain.CloseEnvelope{From: c.localID, Reason: "shutdown"}); err != nil {
				c.logger.Debugw("close notice not sent", "peer_id", id, "error", err)
			}
			c.signaling.Disconnect(id, "shutdown")
		}
	}
	c.released = true
	c.states = make(map[domain.PeerID]domain.ConnectionState)
	c.descriptors = make(map[domain.PeerID]domain.PeerDescriptor)
	close(c.messages)

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.subsClosed = true
	c.subMu.Unlock()

	c.logger.Infow("coordinator released")
}

// Subscribe returns a bounded stream of state transitions. A subscriber
// that falls behind loses transitions rather than stalling the loop.
func (c *Coordinator) Subscribe(buffer int) (<-chan domain.StateTransition, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.StateTransition, buffer)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(ch)
			}
		})
	}
}

// Messages delivers payloads received from connected peers. The channel is
// closed on release.
func (c *Coordinator) Messages() <-chan domain.PeerMessage {
	return c.messages
}

func (c *Coordinator) Connect(ctx context.Context, desc domain.PeerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return errors.NewConfigError(string(desc.ID), err.Error())
	}
	return c.call(ctx, func() error {
		if desc.ID == c.localID {
			return errors.NewConfigError(string(desc.ID), "cannot connect to self")
		}
		c.descriptors[desc.ID] = desc
		c.scheduler.Remember(desc)

		if st := c.states[desc.ID]; st.Active() {
			c.logger.Warnw("connect ignored, peer already active", "peer_id", desc.ID, "state", st.String())
			return nil
		}
		c.scheduler.Cancel(desc.ID)
		return c.open(desc.ID)
	})
}

func (c *Coordinator) Disconnect(ctx context.Context, id domain.PeerID) error {
	return c.call(ctx, func() error {
		st, ok := c.states[id]
		if !ok {
			return domain.ErrPeerNotFound
		}
		if st.Kind == domain.StateDisconnected && st.Reason == reasonUser {
			return nil
		}
		c.engine.Close(id)
		c.liveness.UnregisterPeer(id)
		c.scheduler.Cancel(id)
		if st.Active() {
			if err := c.sendEnvelope(id, domain.CloseEnvelope{From: c.localID, Reason: reasonUser}); err != nil {
				c.logger.Debugw("close notice not sent", "peer_id", id, "error", err)
			}
		}
		c.signaling.Disconnect(id, reasonUser)
		c.setState(id, domain.Disconnected(reasonUser))
		return nil
	})
}

func (c *Coordinator) Reconnect(ctx context.Context, id domain.PeerID) error {
	return c.call(ctx, func() error {
		if !c.scheduler.Known(id) {
			return errors.NewConfigError(string(id), "no cached descriptor; peer must be rediscovered")
		}
		if c.states[id].Active() {
			c.engine.Close(id)
			c.setState(id, domain.Disconnected("reconnect requested"))
		}
		return c.scheduler.ImmediateReconnect(id, domain.ReasonUserRequest)
	})
}

func (c *Coordinator) State(ctx context.Context, id domain.PeerID) (domain.ConnectionState, error) {
	var st domain.ConnectionState
	err := c.call(ctx, func() error {
		var ok bool
		if st, ok = c.states[id]; !ok {
			st = domain.Idle()
			return domain.ErrPeerNotFound
		}
		return nil
	})
	return st, err
}

func (c *Coordinator) States(ctx context.Context) (map[domain.PeerID]domain.ConnectionState, error) {
	out := make(map[domain.PeerID]domain.ConnectionState)
	err := c.call(ctx, func() error {
		for id, st := range c.states {
			out[id] = st
		}
		return nil
	})
	return out, err
}

func (c *Coordinator) PendingReconnects(ctx context.Context) ([]domain.ReconnectTask, error) {
	var tasks []domain.ReconnectTask
	err := c.call(ctx, func() error {
		tasks = c.scheduler.Pending()
		return nil
	})
	return tasks, err
}

// Negotiation returns a snapshot of the peer's live negotiation session
func (c *Coordinator) Negotiation(ctx context.Context, id domain.PeerID) (domain.NegotiationSession, error) {
	var snap domain.NegotiationSession
	err := c.call(ctx, func() error {
		var ok bool
		if snap, ok = c.engine.Session(id); !ok {
			return domain.ErrSessionNotFound
		}
		return nil
	})
	return snap, err
}

// SetNetworkAvailable pauses reconnects while the host is offline. When the
// network comes back every known, inactive peer is rescheduled with a fresh
// attempt counter.
func (c *Coordinator) SetNetworkAvailable(ctx context.Context, available bool) error {
	return c.call(ctx, func() error {
		if available == c.networkAvailable {
			return nil
		}
		c.networkAvailable = available
		c.logger.Infow("network availability changed", "available", available)
		if !available {
			c.scheduler.Pause()
			return nil
		}

		c.scheduler.Resume()
		for _, id := range c.peerIDs() {
			if c.states[id].Active() || !c.scheduler.Known(id) {
				continue
			}
			if st := c.states[id]; st.Kind == domain.StateDisconnected && (st.Reason == reasonUser || strings.HasPrefix(st.Reason, reasonRemotePrefix)) {
				continue
			}
			c.scheduler.Cancel(id)
			if err := c.scheduler.Schedule(id, c.cfg.Reconnect.BaseDelay, domain.ReasonNetworkChange); err != nil {
				c.logger.Warnw("cannot reschedule after network change", "peer_id", id, "error", err)
			}
		}
		return nil
	})
}

func (c *Coordinator) Send(ctx context.Context, id domain.PeerID, data []byte) error {
	return c.call(ctx, func() error {
		return c.engine.Send(id, data)
	})
}

// call runs fn on the loop and waits for its result
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	posted := c.rt.Post(func() {
		if c.released {
			done <- domain.ErrReleased
			return
		}
		done <- fn()
	})
	if !posted {
		return domain.ErrReleased
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) open(id domain.PeerID) error {
	if err := c.engine.Open(id); err != nil {
		c.setState(id, domain.Failed(err))
		c.retry(id, domain.ReasonNegotiationFailed)
		return err
	}
	c.setState(id, domain.Negotiating())
	return nil
}

func (c *Coordinator) reconnectAttempt(task domain.ReconnectTask) {
	if c.released {
		return
	}
	id := task.PeerID
	if st := c.states[id]; st.Active() {
		c.logger.Debugw("reconnect skipped, peer already active", "peer_id", id, "state", st.String())
		return
	}
	_, span := tracing.TraceReconnect(context.Background(), string(id), task.Reason.String(), task.Attempt)
	defer span.End()

	c.descriptors[id] = task.Descriptor
	if err := c.open(id); err != nil {
		span.RecordError(err)
	}
}

// retry reports a failed attempt; the scheduler decides between another
// attempt and giving up.
func (c *Coordinator) retry(id domain.PeerID, reason domain.ReconnectReason) {
	if _, err := c.scheduler.ReportFailure(id, reason); err != nil {
		c.logger.Warnw("peer cannot be reconnected", "peer_id", id, "reason", reason, "error", err)
	}
}

func (c *Coordinator) giveUp(id domain.PeerID, err error) {
	c.engine.Close(id)
	c.liveness.UnregisterPeer(id)
	c.scheduler.Forget(id)
	delete(c.descriptors, id)
	c.signaling.Disconnect(id, "gave up")
	c.logger.Warnw("giving up on peer", "peer_id", id, "error", err)
	c.setState(id, domain.Failed(err))
}

func (c *Coordinator) handleNegotiation(ev domain.NegotiationEvent) {
	if c.released {
		return
	}
	id := ev.PeerID
	switch ev.Kind {
	case domain.NegotiationStarted:
		if _, ok := c.descriptors[id]; !ok {
			c.descriptors[id] = domain.PeerDescriptor{ID: id}
		}
		c.setState(id, domain.Negotiating())
	case domain.NegotiationConnected:
		desc, ok := c.descriptors[id]
		if !ok {
			desc = domain.PeerDescriptor{ID: id}
		}
		c.liveness.RegisterPeer(id)
		c.scheduler.ReportSuccess(id)
		c.setState(id, domain.Connected(desc))
	case domain.NegotiationFailed:
		c.setState(id, domain.Failed(ev.Err))
		c.retry(id, domain.ReasonNegotiationFailed)
	case domain.NegotiationLost:
		c.setState(id, domain.Disconnected("connection lost"))
		c.retry(id, domain.ReasonConnectionLost)
	}
}

func (c *Coordinator) handleLiveness(ev domain.LivenessEvent) {
	if c.released {
		return
	}
	id := ev.PeerID
	switch ev.Kind {
	case domain.LivenessTimeout:
		if c.states[id].Kind != domain.StateConnected {
			c.logger.Debugw("peer still silent", "peer_id", id, "timeouts", ev.Attempts)
			return
		}
		c.engine.Close(id)
		c.setState(id, domain.Disconnected("heartbeat timeout"))
		c.retry(id, domain.ReasonHeartbeatTimeout)
	case domain.LivenessExhausted:
		c.giveUp(id, errors.NewTimeoutError(string(id),
			fmt.Sprintf("no heartbeat for %d connection timeouts", ev.Attempts)))
	}
}

func (c *Coordinator) handleReconnect(ev domain.ReconnectEvent) {
	if c.released {
		return
	}
	if ev.Status == domain.ReconnectExhausted {
		c.giveUp(ev.PeerID, errors.NewExhaustedError(string(ev.PeerID), ev.Attempt))
	}
}

func (c *Coordinator) handleSignal(ev ports.SignalEvent) {
	if c.released {
		return
	}
	if ev.Kind == ports.SignalChannelClosed {
		c.logger.Debugw("signaling channel closed", "peer_id", ev.PeerID, "error", ev.Err)
		return
	}

	env := ev.Envelope
	from := env.Sender()
	_, span := tracing.TraceSignal(context.Background(), string(env.Type()), string(from))
	defer span.End()

	switch env := env.(type) {
	case domain.OfferEnvelope, domain.AnswerEnvelope, domain.CandidateEnvelope:
		c.engine.HandleEnvelope(env)
	case domain.HeartbeatEnvelope:
		c.liveness.RecordActivity(from)
		ack := domain.HeartbeatAckEnvelope{From: c.localID, Timestamp: env.Timestamp}
		if err := c.sendEnvelope(from, ack); err != nil {
			c.logger.Debugw("heartbeat ack not sent", "peer_id", from, "error", err)
		}
	case domain.HeartbeatAckEnvelope:
		if c.liveness.RecordActivity(from) {
			if rtt := c.rt.Now().Sub(env.Timestamp); rtt >= 0 {
				c.metrics.HeartbeatRTT(rtt)
			}
		}
	case domain.CloseEnvelope:
		c.remoteClosed(from, env.Reason)
	}
}

// remoteClosed handles a deliberate close by the peer; no reconnect follows
func (c *Coordinator) remoteClosed(id domain.PeerID, reason string) {
	if _, ok := c.states[id]; !ok {
		return
	}
	c.engine.Close(id)
	c.liveness.UnregisterPeer(id)
	c.scheduler.Cancel(id)
	c.signaling.Disconnect(id, reasonRemotePrefix+reason)
	c.setState(id, domain.Disconnected(reasonRemotePrefix+reason))
}

func (c *Coordinator) deliver(msg domain.PeerMessage) {
	if c.released {
		return
	}
	c.liveness.RecordActivity(msg.PeerID)
	select {
	case c.messages <- msg:
	default:
		c.logger.Warnw("message buffer full, dropping payload", "peer_id", msg.PeerID, "bytes", len(msg.Data))
	}
}

func (c *Coordinator) sendHeartbeat(id domain.PeerID) error {
	return c.sendEnvelope(id, domain.HeartbeatEnvelope{From: c.localID, Timestamp: c.rt.Now()})
}

func (c *Coordinator) sendEnvelope(id domain.PeerID, env domain.Envelope) error {
	desc, ok := c.descriptors[id]
	if !ok {
		desc = domain.PeerDescriptor{ID: id}
	}
	return c.signaling.Send(desc, env)
}

func (c *Coordinator) setState(id domain.PeerID, next domain.ConnectionState) {
	prev, ok := c.states[id]
	if !ok {
		prev = domain.Idle()
	}
	if prev.Kind == next.Kind && next.Kind == domain.StateNegotiating {
		return
	}
	c.states[id] = next
	c.metrics.StateChanged(prev.Kind, next.Kind)
	c.logger.Infow("connection state changed", "peer_id", id, "from", prev.String(), "to", next.String())
	c.publish(domain.StateTransition{PeerID: id, From: prev, To: next, At: c.rt.Now()})
}

func (c *Coordinator) publish(t domain.StateTransition) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- t:
		default:
			c.logger.Warnw("state subscriber lagging, transition dropped", "subscriber", id, "peer_id", t.PeerID)
		}
	}
}

func (c *Coordinator) peerIDs() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
