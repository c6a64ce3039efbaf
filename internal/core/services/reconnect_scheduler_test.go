package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerlink/internal/core/domain"
	"peerlink/pkg/errors"
	"peerlink/pkg/eventloop"
	"peerlink/pkg/retry"
)

var phone = domain.PeerDescriptor{ID: "phone", Name: "Phone", Address: "192.168.1.20:7946"}

type schedulerHarness struct {
	rt        *eventloop.Manual
	scheduler *ReconnectScheduler
	dialed    []domain.ReconnectTask
	events    []domain.ReconnectEvent
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	h := &schedulerHarness{rt: eventloop.NewManual(time.Unix(0, 0))}
	h.scheduler = NewReconnectScheduler(retry.DefaultConfig(), time.Second, h.rt,
		func(task domain.ReconnectTask) { h.dialed = append(h.dialed, task) },
		func(ev domain.ReconnectEvent) { h.events = append(h.events, ev) },
		zaptest.NewLogger(t).Sugar(),
	)
	h.scheduler.Remember(phone)
	h.scheduler.Start()
	return h
}

func (h *schedulerHarness) statuses() []domain.ReconnectStatus {
	var out []domain.ReconnectStatus
	for _, ev := range h.events {
		out = append(out, ev.Status)
	}
	return out
}

func TestReconnectScheduler_BackoffSequenceAndExhaustion(t *testing.T) {
	h := newSchedulerHarness(t)
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second}

	for i, delay := range want {
		exhausted, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonNegotiationFailed)
		require.NoError(t, err)
		require.False(t, exhausted, "failure %d", i+1)

		pending := h.scheduler.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, delay, pending[0].NotBefore.Sub(h.rt.Now()), "failure %d", i+1)
		assert.Equal(t, i+1, pending[0].Attempt)
	}

	exhausted, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonNegotiationFailed)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Empty(t, h.scheduler.Pending())
	assert.False(t, h.scheduler.Known(phone.ID))
	assert.Equal(t, domain.ReconnectExhausted, h.events[len(h.events)-1].Status)

	// exhaustion is terminal until a fresh descriptor arrives
	err = h.scheduler.Schedule(phone.ID, time.Second, domain.ReasonConnectionLost)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
	h.rt.Advance(5 * time.Minute)
	assert.Empty(t, h.dialed)
}

func TestReconnectScheduler_DispatchRemovesDueTask(t *testing.T) {
	h := newSchedulerHarness(t)

	_, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonConnectionLost)
	require.NoError(t, err)

	h.rt.Advance(3 * time.Second)
	assert.Empty(t, h.dialed)

	h.rt.Advance(time.Second)
	require.Len(t, h.dialed, 1)
	assert.Equal(t, phone, h.dialed[0].Descriptor)
	assert.Equal(t, 1, h.dialed[0].Attempt)
	assert.Equal(t, domain.ReasonConnectionLost, h.dialed[0].Reason)
	assert.Empty(t, h.scheduler.Pending())
	assert.Equal(t, []domain.ReconnectStatus{
		domain.ReconnectFailed, domain.ReconnectScheduled, domain.ReconnectInProgress,
	}, h.statuses())
}

func TestReconnectScheduler_AtMostOneTaskPerPeer(t *testing.T) {
	h := newSchedulerHarness(t)

	require.NoError(t, h.scheduler.Schedule(phone.ID, 2*time.Second, domain.ReasonHeartbeatTimeout))
	require.NoError(t, h.scheduler.Schedule(phone.ID, 10*time.Second, domain.ReasonNetworkChange))

	pending := h.scheduler.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ReasonNetworkChange, pending[0].Reason)

	h.rt.Advance(5 * time.Second)
	assert.Empty(t, h.dialed, "replaced task must not fire")
	h.rt.Advance(5 * time.Second)
	assert.Len(t, h.dialed, 1)
}

func TestReconnectScheduler_PauseHoldsTasks(t *testing.T) {
	h := newSchedulerHarness(t)

	_, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonConnectionLost)
	require.NoError(t, err)
	h.scheduler.Pause()
	assert.True(t, h.scheduler.Paused())

	exhausted, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonConnectionLost)
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, 1, h.scheduler.Attempts(phone.ID), "failures while offline are not counted")

	h.rt.Advance(time.Minute)
	assert.Empty(t, h.dialed)
	assert.Len(t, h.scheduler.Pending(), 1)

	h.scheduler.Resume()
	h.rt.Advance(time.Second)
	assert.Len(t, h.dialed, 1)
}

func TestReconnectScheduler_CancelAndSuccessResetAttempts(t *testing.T) {
	h := newSchedulerHarness(t)

	_, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonConnectionLost)
	require.NoError(t, err)
	h.scheduler.Cancel(phone.ID)
	assert.Empty(t, h.scheduler.Pending())
	assert.Equal(t, 0, h.scheduler.Attempts(phone.ID))
	assert.True(t, h.scheduler.Known(phone.ID), "cancel keeps the descriptor")
	assert.Equal(t, domain.ReconnectCancelled, h.events[len(h.events)-1].Status)

	_, err = h.scheduler.ReportFailure(phone.ID, domain.ReasonConnectionLost)
	require.NoError(t, err)
	h.scheduler.ReportSuccess(phone.ID)
	assert.Empty(t, h.scheduler.Pending())
	assert.Equal(t, 0, h.scheduler.Attempts(phone.ID))
	assert.Equal(t, domain.ReconnectSuccess, h.events[len(h.events)-1].Status)
}

func TestReconnectScheduler_ImmediateReconnect(t *testing.T) {
	h := newSchedulerHarness(t)

	require.NoError(t, h.scheduler.Schedule(phone.ID, time.Minute, domain.ReasonConnectionLost))
	require.NoError(t, h.scheduler.ImmediateReconnect(phone.ID, domain.ReasonUserRequest))

	require.Len(t, h.dialed, 1)
	assert.Equal(t, domain.ReasonUserRequest, h.dialed[0].Reason)
	assert.Equal(t, 0, h.scheduler.Attempts(phone.ID), "counted when it fails, not when dispatched")
	assert.Empty(t, h.scheduler.Pending())

	exhausted, err := h.scheduler.ReportFailure(phone.ID, domain.ReasonUserRequest)
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, 1, h.scheduler.Attempts(phone.ID))
	require.Len(t, h.scheduler.Pending(), 1)
	assert.Equal(t, 1, h.scheduler.Pending()[0].Attempt)

	err = h.scheduler.ImmediateReconnect("stranger", domain.ReasonUserRequest)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
}

func TestReconnectScheduler_StopDropsEverything(t *testing.T) {
	h := newSchedulerHarness(t)
	require.NoError(t, h.scheduler.Schedule(phone.ID, time.Second, domain.ReasonConnectionLost))

	h.scheduler.Stop()
	h.rt.Advance(time.Minute)

	assert.Empty(t, h.dialed)
	assert.Empty(t, h.scheduler.Pending())
	assert.False(t, h.scheduler.Known(phone.ID))
	assert.Equal(t, 0, h.rt.Pending())
}
