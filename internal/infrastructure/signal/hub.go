package signal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	perrors "peerlink/pkg/errors"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

type HubConfig struct {
	LocalID   domain.PeerID
	Listen    string // empty for dial-only hubs
	Transport string
	Path      string

	WriteTimeout      time.Duration
	PingInterval      time.Duration
	DialTimeout       time.Duration
	DialAttempts      int
	DialRetryInterval time.Duration

	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	SendQueueSize     int
	EventBuffer       int
}

func HubConfigFromConfig(cfg *config.Config) HubConfig {
	return HubConfig{
		LocalID:           domain.PeerID(cfg.Node.ID),
		Listen:            cfg.Signal.Address,
		Transport:         cfg.Signal.Transport,
		Path:              cfg.Signal.Path,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		PingInterval:      cfg.Signal.PingInterval,
		DialTimeout:       cfg.Signal.DialTimeout,
		DialAttempts:      cfg.Signal.DialAttempts,
		DialRetryInterval: 500 * time.Millisecond,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
		SendQueueSize:     cfg.Signal.SendQueueSize,
		EventBuffer:       256,
	}
}

// Hub owns every signaling channel of this device. Inbound channels are
// accepted on the listen address; outbound ones are dialed lazily by Send.
// When a peer is reachable over more than one channel the newest
// token-verified inbound one carries outgoing envelopes and the rest keep
// delivering.
type Hub struct {
	cfg      HubConfig
	auth     *TokenAuth
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	upgrader websocketUpgrader

	ctx    context.Context
	cancel context.CancelFunc

	events       chan ports.SignalEvent
	emitMu       sync.RWMutex
	eventsClosed bool

	mu       sync.Mutex
	routes   map[domain.PeerID]*Channel
	channels map[*Channel]struct{}
	closed   bool
	listener net.Listener
	server   *http.Server

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewHub builds a hub. auth may be nil, in which case WebSocket peers
// identify themselves with the device_id query parameter.
func NewHub(cfg HubConfig, auth *TokenAuth, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.DialRetryInterval <= 0 {
		cfg.DialRetryInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		auth:     auth,
		metrics:  metrics,
		logger:   logger.With("component", "signal", "local_id", cfg.LocalID),
		upgrader: newUpgrader(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan ports.SignalEvent, cfg.EventBuffer),
		routes:   make(map[domain.PeerID]*Channel),
		channels: make(map[*Channel]struct{}),
	}
}

var _ ports.Signaling = (*Hub)(nil)

// Listen binds the listen address and starts accepting channels
func (h *Hub) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrChannelClosed
	}
	if h.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return perrors.NewTransportError("", err, "signal listen failed")
	}
	h.listener = ln

	h.wg.Add(1)
	if h.cfg.Transport == TransportWebSocket {
		mux := http.NewServeMux()
		mux.Handle(h.cfg.Path, h)
		h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			defer h.wg.Done()
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Errorw("signal server stopped", "error", err)
			}
		}()
	} else {
		go h.acceptLoop(ln)
	}

	h.logger.Infow("signaling listening",
		"address", ln.Addr().String(),
		"transport", h.cfg.Transport,
	)
	return nil
}

// Addr is the bound listen address, nil before Listen
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *Hub) Events() <-chan ports.SignalEvent {
	return h.events
}

// Send queues env for peer, dialing peer.Address when no channel exists yet.
// Lines queued while the dial is in progress go out once it succeeds.
func (h *Hub) Send(peer domain.PeerDescriptor, env domain.Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return domain.ErrChannelClosed
	}
	ch := h.routes[peer.ID]
	if ch != nil && ch.closed() {
		ch = nil
	}
	if ch == nil {
		if peer.Address == "" {
			h.mu.Unlock()
			return perrors.NewTransportError(string(peer.ID), domain.ErrChannelClosed, "no signaling channel and no address to dial")
		}
		ch = newChannel(h, peer.ID, peer.Address, true)
		h.channels[ch] = struct{}{}
		h.routes[peer.ID] = ch
		h.wg.Add(1)
		go h.dial(ch, peer.ID, peer.Address)
	}
	h.mu.Unlock()

	if err := ch.Send(env); err != nil {
		if errors.Is(err, domain.ErrSendQueueFull) {
			h.metrics.EnvelopeDropped("queue_full")
		}
		return perrors.NewTransportError(string(peer.ID), err, "signaling send failed")
	}
	return nil
}

// Disconnect closes every channel to peerID. Queued envelopes are flushed
// first. Unknown peers are ignored.
func (h *Hub) Disconnect(peerID domain.PeerID, reason string) {
	h.mu.Lock()
	var chans []*Channel
	for ch := range h.channels {
		if ch.peerID == peerID {
			chans = append(chans, ch)
		}
	}
	delete(h.routes, peerID)
	h.mu.Unlock()

	if len(chans) == 0 {
		return
	}
	h.logger.Infow("closing signaling channel", "peer_id", peerID, "reason", reason, "channels", len(chans))
	for _, ch := range chans {
		ch.Close()
	}
}

// Connected lists peers with a routable channel
func (h *Hub) Connected() []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(h.routes))
	for id := range h.routes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close flushes and closes every channel, stops listening and waits for all
// goroutines. The events channel is closed last.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		chans := make([]*Channel, 0, len(h.channels))
		for ch := range h.channels {
			chans = append(chans, ch)
		}
		ln, srv := h.listener, h.server
		h.mu.Unlock()

		for _, ch := range chans {
			ch.Close()
		}

		var err error
		if srv != nil {
			err = multierr.Append(err, srv.Close())
		} else if ln != nil {
			err = multierr.Append(err, ln.Close())
		}
		h.cancel()
		h.wg.Wait()

		h.emitMu.Lock()
		h.eventsClosed = true
		close(h.events)
		h.emitMu.Unlock()

		h.closeErr = err
		h.logger.Infow("signaling hub closed", "channels", len(chans))
	})
	return h.closeErr
}

func (h *Hub) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warnw("accept failed", "error", err)
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		ch := h.register(conn.RemoteAddr().String(), "", false)
		h.attach(ch, newTCPConn(conn, h.cfg.MaxMessageSize))
	}
}

// register tracks a new inbound channel. A known peerID binds it at once;
// otherwise the first envelope does. verified reports whether peerID came
// from a checked token rather than the remote's own claim.
func (h *Hub) register(remote string, peerID domain.PeerID, verified bool) *Channel {
	ch := newChannel(h, "", remote, false)
	h.mu.Lock()
	h.channels[ch] = struct{}{}
	if peerID != "" {
		h.bindLocked(ch, peerID, verified)
	}
	h.mu.Unlock()
	return ch
}

// bindLocked ties ch to peerID. Only a verified channel may take over a live
// route; an unverified one is routed when no live channel to peerID exists
// and otherwise just delivers, becoming the route if the current one closes.
func (h *Hub) bindLocked(ch *Channel, peerID domain.PeerID, verified bool) {
	ch.peerID = peerID
	prev, ok := h.routes[peerID]
	switch {
	case !ok || prev == ch || prev.closed():
	case verified:
		h.logger.Debugw("routing peer over newer channel", "peer_id", peerID, "remote", ch.remote)
	default:
		h.logger.Warnw("unverified channel claims a routed peer, keeping existing route",
			"peer_id", peerID,
			"remote", ch.remote,
			"routed_via", prev.remote,
		)
		return
	}
	h.routes[peerID] = ch
}

func (h *Hub) attach(ch *Channel, conn frameConn) {
	h.mu.Lock()
	if h.closed || ch.closed() {
		h.mu.Unlock()
		conn.Close()
		ch.fail(domain.ErrChannelClosed)
		ch.finished()
		return
	}
	h.wg.Add(2)
	h.mu.Unlock()

	ch.logger.Infow("signaling channel open", "peer_id", ch.peerIDSafe(), "outbound", ch.outbound)
	ch.run(conn)
}

func (h *Hub) dial(ch *Channel, peerID domain.PeerID, addr string) {
	defer h.wg.Done()

	var conn frameConn
	operation := func() error {
		if ch.closed() {
			return backoff.Permanent(domain.ErrChannelClosed)
		}
		c, err := h.dialTransport(addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		ch.logger.Infow("signaling dial failed, retrying",
			"peer_id", peerID,
			"error", err,
			"retry_in", next,
		)
	}

	if err := backoff.RetryNotify(operation, h.dialBackoff(), notify); err != nil {
		ch.logger.Warnw("giving up dialing peer", "peer_id", peerID, "error", err)
		ch.fail(err)
		ch.finished()
		return
	}
	h.attach(ch, conn)
}

func (h *Hub) dialBackoff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.cfg.DialRetryInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * h.cfg.DialRetryInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	retries := h.cfg.DialAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), h.ctx)
}

func (h *Hub) dialTransport(addr string) (frameConn, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.DialTimeout)
	defer cancel()

	if h.cfg.Transport == TransportWebSocket {
		return h.dialWebSocket(ctx, addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCPConn(conn, h.cfg.MaxMessageSize), nil
}

// inbound binds an unidentified channel to the first sender it hears from
// and forwards the envelope. Envelopes claiming another sender are dropped.
func (h *Hub) inbound(ch *Channel, env domain.Envelope) {
	from := env.Sender()
	if from == h.cfg.LocalID {
		h.dropped(ch, "loopback", nil)
		return
	}

	h.mu.Lock()
	bound := ch.peerID
	if bound == "" {
		// the sender id is only a claim here, so it cannot steal a live route
		h.bindLocked(ch, from, false)
		bound = from
	}
	h.mu.Unlock()

	if from != bound {
		h.dropped(ch, "sender_mismatch", nil)
		return
	}
	h.emit(ports.SignalEvent{Kind: ports.SignalEnvelope, PeerID: from, Envelope: env})
}

func (h *Hub) dropped(ch *Channel, reason string, err error) {
	h.metrics.EnvelopeDropped(reason)
	ch.logger.Warnw("dropping inbound envelope", "reason", reason, "error", err)
}

// channelClosed forgets ch and reports a broken channel unless another
// channel to the same peer takes over.
func (h *Hub) channelClosed(ch *Channel, err error) {
	h.mu.Lock()
	delete(h.channels, ch)
	peerID := ch.peerID
	if peerID != "" && h.routes[peerID] == ch {
		delete(h.routes, peerID)
		for other := range h.channels {
			if other.peerID == peerID && !other.closed() {
				h.routes[peerID] = other
				break
			}
		}
	}
	_, replaced := h.routes[peerID]
	h.mu.Unlock()

	ch.logger.Infow("signaling channel closed", "peer_id", peerID, "error", err)
	if err == nil || peerID == "" || replaced {
		return
	}
	h.emit(ports.SignalEvent{
		Kind:   ports.SignalChannelClosed,
		PeerID: peerID,
		Err:    perrors.NewTransportError(string(peerID), err, "signaling channel lost"),
	})
}

func (h *Hub) emit(ev ports.SignalEvent) {
	h.emitMu.RLock()
	defer h.emitMu.RUnlock()
	if h.eventsClosed {
		return
	}
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (c *Channel) peerIDSafe() domain.PeerID {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.peerID
}
