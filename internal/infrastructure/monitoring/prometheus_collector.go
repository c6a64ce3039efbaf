package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// PrometheusCollector records connection lifecycle metrics
type PrometheusCollector struct {
	// Counters
	stateTransitions *prometheus.CounterVec
	reconnectEvents  *prometheus.CounterVec
	livenessEvents   *prometheus.CounterVec
	iceRestarts      prometheus.Counter
	relayFallbacks   prometheus.Counter
	envelopesDropped *prometheus.CounterVec

	// Gauges
	peersConnected prometheus.Gauge

	// Histograms
	negotiationDuration *prometheus.HistogramVec
	heartbeatRTT        prometheus.Histogram
}

// NewPrometheusCollector registers the collector's metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_state_transitions_total",
			Help: "Connection state transitions by source and target state",
		}, []string{"from", "to"}),

		reconnectEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_reconnect_events_total",
			Help: "Reconnect scheduler events by status and reason",
		}, []string{"status", "reason"}),

		livenessEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_liveness_events_total",
			Help: "Liveness timeouts and exhaustions",
		}, []string{"kind"}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_ice_restarts_total",
			Help: "ICE restarts attempted",
		}),

		relayFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_relay_fallbacks_total",
			Help: "Sessions rebuilt with relay-only candidates",
		}),

		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signal_envelopes_dropped_total",
			Help: "Signaling envelopes dropped before reaching the coordinator",
		}, []string{"reason"}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_peers_connected",
			Help: "Number of peers currently connected",
		}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerlink_negotiation_duration_seconds",
			Help:    "Duration of negotiation attempts by outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"outcome"}),

		heartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_heartbeat_rtt_seconds",
			Help:    "Heartbeat round-trip time between peers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) StateChanged(from, to domain.StateKind) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()

	if to == domain.StateConnected && from != domain.StateConnected {
		p.peersConnected.Inc()
	}
	if from == domain.StateConnected && to != domain.StateConnected {
		p.peersConnected.Dec()
	}
}

func (p *PrometheusCollector) ReconnectEvent(ev domain.ReconnectEvent) {
	p.reconnectEvents.WithLabelValues(ev.Status.String(), ev.Reason.String()).Inc()
}

func (p *PrometheusCollector) LivenessEvent(ev domain.LivenessEvent) {
	p.livenessEvents.WithLabelValues(ev.Kind.String()).Inc()
}

func (p *PrometheusCollector) ICERestart(domain.PeerID) {
	p.iceRestarts.Inc()
}

func (p *PrometheusCollector) RelayFallback(domain.PeerID) {
	p.relayFallbacks.Inc()
}

func (p *PrometheusCollector) NegotiationFinished(outcome string, d time.Duration) {
	p.negotiationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusCollector) HeartbeatRTT(d time.Duration) {
	p.heartbeatRTT.Observe(d.Seconds())
}

func (p *PrometheusCollector) EnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
}
