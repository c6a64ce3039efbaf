package services

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/pkg/errors"
	"peerlink/pkg/eventloop"
	"peerlink/pkg/retry"
)

// ReconnectScheduler keeps at most one pending reconnect task per peer and
// hands due tasks to the connect callback. It is loop-owned like the
// liveness monitor.
type ReconnectScheduler struct {
	policy retry.Config
	tick   time.Duration
	rt     eventloop.Runtime
	logger *zap.SugaredLogger

	connect func(domain.ReconnectTask)
	emit    func(domain.ReconnectEvent)

	descriptors map[domain.PeerID]domain.PeerDescriptor
	tasks       map[domain.PeerID]*domain.ReconnectTask
	attempts    map[domain.PeerID]int
	paused      bool
	ticker      eventloop.Timer
}

func NewReconnectScheduler(
	policy retry.Config,
	tick time.Duration,
	rt eventloop.Runtime,
	connect func(domain.ReconnectTask),
	emit func(domain.ReconnectEvent),
	logger *zap.SugaredLogger,
) *ReconnectScheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &ReconnectScheduler{
		policy:      policy,
		tick:        tick,
		rt:          rt,
		logger:      logger,
		connect:     connect,
		emit:        emit,
		descriptors: make(map[domain.PeerID]domain.PeerDescriptor),
		tasks:       make(map[domain.PeerID]*domain.ReconnectTask),
		attempts:    make(map[domain.PeerID]int),
	}
}

func (s *ReconnectScheduler) Start() {
	if s.ticker != nil {
		return
	}
	s.ticker = eventloop.Every(s.rt, s.tick, s.Dispatch)
}

// Stop cancels the dispatch tick and drops every task and cached descriptor
func (s *ReconnectScheduler) Stop() {
	eventloop.Stop(s.ticker)
	s.ticker = nil
	s.tasks = make(map[domain.PeerID]*domain.ReconnectTask)
	s.attempts = make(map[domain.PeerID]int)
	s.descriptors = make(map[domain.PeerID]domain.PeerDescriptor)
}

// Remember caches the descriptor used to redial the peer later
func (s *ReconnectScheduler) Remember(desc domain.PeerDescriptor) {
	s.descriptors[desc.ID] = desc
}

func (s *ReconnectScheduler) Known(id domain.PeerID) bool {
	_, ok := s.descriptors[id]
	return ok
}

// Forget drops every trace of the peer. A later reconnect needs a fresh
// descriptor from discovery or the application.
func (s *ReconnectScheduler) Forget(id domain.PeerID) {
	delete(s.tasks, id)
	delete(s.attempts, id)
	delete(s.descriptors, id)
}

// Schedule replaces any pending task for id with one due after delay.
func (s *ReconnectScheduler) Schedule(id domain.PeerID, delay time.Duration, reason domain.ReconnectReason) error {
	desc, ok := s.descriptors[id]
	if !ok {
		return errors.NewConfigError(string(id), "no cached descriptor; peer must be rediscovered").
			WithContext("reason", reason.String())
	}
	if s.paused {
		s.logger.Debugw("network unavailable, not scheduling reconnect", "peer_id", id, "reason", reason)
		return nil
	}

	task := &domain.ReconnectTask{
		PeerID:     id,
		Descriptor: desc,
		NotBefore:  s.rt.Now().Add(delay),
		Attempt:    s.attempts[id],
		Reason:     reason,
	}
	s.tasks[id] = task
	s.logger.Infow("reconnect scheduled",
		"peer_id", id,
		"reason", reason,
		"attempt", task.Attempt,
		"delay", delay,
	)
	s.emit(domain.ReconnectEvent{
		PeerID:  id,
		Status:  domain.ReconnectScheduled,
		Reason:  reason,
		Attempt: task.Attempt,
		Delay:   delay,
	})
	return nil
}

// ReportFailure counts one failed attempt and schedules the next one with
// backoff. It reports true when the peer is out of attempts; the peer is
// then forgotten and an Exhausted event is emitted.
func (s *ReconnectScheduler) ReportFailure(id domain.PeerID, reason domain.ReconnectReason) (bool, error) {
	if _, ok := s.descriptors[id]; !ok {
		return false, errors.NewConfigError(string(id), "no cached descriptor; peer must be rediscovered")
	}
	if s.paused {
		s.logger.Debugw("network unavailable, failure not counted", "peer_id", id, "reason", reason)
		return false, nil
	}

	s.attempts[id]++
	attempt := s.attempts[id]
	s.emit(domain.ReconnectEvent{PeerID: id, Status: domain.ReconnectFailed, Reason: reason, Attempt: attempt})

	if s.policy.Exhausted(attempt) {
		s.logger.Warnw("reconnect attempts exhausted", "peer_id", id, "attempts", attempt)
		s.Forget(id)
		s.emit(domain.ReconnectEvent{PeerID: id, Status: domain.ReconnectExhausted, Reason: reason, Attempt: attempt})
		return true, nil
	}
	return false, s.Schedule(id, s.policy.Delay(attempt), reason)
}

// ReportSuccess clears the pending task and the attempt counter
func (s *ReconnectScheduler) ReportSuccess(id domain.PeerID) {
	attempt := s.attempts[id]
	delete(s.tasks, id)
	delete(s.attempts, id)
	if attempt > 0 {
		s.emit(domain.ReconnectEvent{PeerID: id, Status: domain.ReconnectSuccess, Attempt: attempt})
	}
}

// Cancel removes the pending task and resets the attempt counter. The
// cached descriptor is kept.
func (s *ReconnectScheduler) Cancel(id domain.PeerID) {
	task, ok := s.tasks[id]
	delete(s.tasks, id)
	delete(s.attempts, id)
	if ok {
		s.emit(domain.ReconnectEvent{PeerID: id, Status: domain.ReconnectCancelled, Reason: task.Reason, Attempt: task.Attempt})
	}
}

// Pause stops dispatching and scheduling; pending tasks are held
func (s *ReconnectScheduler) Pause() {
	if !s.paused {
		s.logger.Infow("reconnects paused", "pending", len(s.tasks))
	}
	s.paused = true
}

func (s *ReconnectScheduler) Resume() {
	if s.paused {
		s.logger.Infow("reconnects resumed", "pending", len(s.tasks))
	}
	s.paused = false
}

func (s *ReconnectScheduler) Paused() bool {
	return s.paused
}

// Dispatch removes every due task and hands it to the connect callback
// after the current loop turn.
func (s *ReconnectScheduler) Dispatch() {
	if s.paused {
		return
	}
	now := s.rt.Now()
	for _, task := range s.Pending() {
		if task.NotBefore.After(now) {
			continue
		}
		delete(s.tasks, task.PeerID)
		s.start(task)
	}
}

// ImmediateReconnect dispatches now, replacing any pending task. Like a
// scheduled attempt it is counted once, by ReportFailure if it fails.
func (s *ReconnectScheduler) ImmediateReconnect(id domain.PeerID, reason domain.ReconnectReason) error {
	desc, ok := s.descriptors[id]
	if !ok {
		return errors.NewConfigError(string(id), "no cached descriptor; peer must be rediscovered")
	}
	delete(s.tasks, id)
	s.start(domain.ReconnectTask{
		PeerID:     id,
		Descriptor: desc,
		NotBefore:  s.rt.Now(),
		Attempt:    s.attempts[id],
		Reason:     reason,
	})
	return nil
}

func (s *ReconnectScheduler) start(task domain.ReconnectTask) {
	s.logger.Infow("reconnect attempt", "peer_id", task.PeerID, "attempt", task.Attempt, "reason", task.Reason)
	s.emit(domain.ReconnectEvent{
		PeerID:  task.PeerID,
		Status:  domain.ReconnectInProgress,
		Reason:  task.Reason,
		Attempt: task.Attempt,
	})
	s.rt.Defer(func() { s.connect(task) })
}

// Pending returns copies of the pending tasks, earliest first
func (s *ReconnectScheduler) Pending() []domain.ReconnectTask {
	out := make([]domain.ReconnectTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].NotBefore.Before(out[j].NotBefore)
	})
	return out
}

func (s *ReconnectScheduler) Attempts(id domain.PeerID) int {
	return s.attempts[id]
}
