package services

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/eventloop"
)

type LivenessConfig struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	MaxTimeouts       int
}

func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		HeartbeatInterval: 15 * time.Second,
		ConnectionTimeout: 35 * time.Second,
		MaxTimeouts:       5,
	}
}

// LivenessMonitor decides when a connected peer has gone silent. It is
// owned by the coordinator loop and must only be called from it.
type LivenessMonitor struct {
	cfg    LivenessConfig
	sched  eventloop.Scheduler
	logger *zap.SugaredLogger

	sendHeartbeat func(domain.PeerID) error
	emit          func(domain.LivenessEvent)

	records   map[domain.PeerID]*domain.LivenessRecord
	sweeper   eventloop.Timer
	heartbeat eventloop.Timer
}

func NewLivenessMonitor(
	cfg LivenessConfig,
	sched eventloop.Scheduler,
	sendHeartbeat func(domain.PeerID) error,
	emit func(domain.LivenessEvent),
	logger *zap.SugaredLogger,
) *LivenessMonitor {
	return &LivenessMonitor{
		cfg:           cfg,
		sched:         sched,
		logger:        logger,
		sendHeartbeat: sendHeartbeat,
		emit:          emit,
		records:       make(map[domain.PeerID]*domain.LivenessRecord),
	}
}

// Start arms the sweep and heartbeat timers. Calling it twice is a no-op.
func (m *LivenessMonitor) Start() {
	if m.sweeper != nil {
		return
	}
	m.sweeper = eventloop.Every(m.sched, m.cfg.HeartbeatInterval/2, m.Sweep)
	m.heartbeat = eventloop.Every(m.sched, m.cfg.HeartbeatInterval, m.SendHeartbeats)
}

// Stop cancels both timers and forgets every tracked peer
func (m *LivenessMonitor) Stop() {
	eventloop.Stop(m.sweeper)
	eventloop.Stop(m.heartbeat)
	m.sweeper, m.heartbeat = nil, nil
	m.records = make(map[domain.PeerID]*domain.LivenessRecord)
}

// RegisterPeer starts tracking id with a fresh record
func (m *LivenessMonitor) RegisterPeer(id domain.PeerID) {
	m.records[id] = &domain.LivenessRecord{PeerID: id, LastSeen: m.sched.Now()}
}

func (m *LivenessMonitor) UnregisterPeer(id domain.PeerID) {
	delete(m.records, id)
}

// RecordActivity marks id as alive and clears its timeout counter. It
// reports whether the peer is tracked.
func (m *LivenessMonitor) RecordActivity(id domain.PeerID) bool {
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	rec.LastSeen = m.sched.Now()
	rec.Timeouts = 0
	return true
}

// Sweep checks every tracked peer against the connection timeout. A peer
// that stayed silent for a whole window gets one Timeout; once the counter
// passes MaxTimeouts it gets Exhausted instead and is no longer tracked.
// LastSeen restarts at each timeout so a silent peer is counted once per
// window, not once per sweep.
func (m *LivenessMonitor) Sweep() {
	now := m.sched.Now()
	for _, id := range m.Tracked() {
		rec := m.records[id]
		if now.Sub(rec.LastSeen) <= m.cfg.ConnectionTimeout {
			continue
		}
		rec.Timeouts++
		rec.LastSeen = now

		kind := domain.LivenessTimeout
		if rec.Timeouts > m.cfg.MaxTimeouts {
			kind = domain.LivenessExhausted
			delete(m.records, id)
		}
		m.logger.Infow("peer silent past connection timeout",
			"peer_id", id,
			"timeouts", rec.Timeouts,
			"event", kind.String(),
		)
		m.emit(domain.LivenessEvent{Kind: kind, PeerID: id, Attempts: rec.Timeouts})
	}
}

// SendHeartbeats sends one heartbeat to each tracked peer. Send failures are
// logged; the sweep is what notices a peer that never answers.
func (m *LivenessMonitor) SendHeartbeats() {
	for _, id := range m.Tracked() {
		if err := m.sendHeartbeat(id); err != nil {
			m.logger.Debugw("heartbeat send failed", "peer_id", id, "error", err)
		}
	}
}

// Tracked returns the tracked peer ids in a stable order
func (m *LivenessMonitor) Tracked() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *LivenessMonitor) Record(id domain.PeerID) (domain.LivenessRecord, bool) {
	rec, ok := m.records[id]
	if !ok {
		return domain.LivenessRecord{}, false
	}
	return *rec, true
}
