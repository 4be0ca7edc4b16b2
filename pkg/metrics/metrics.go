// Package metrics defines the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker-wide collectors. A nil *Metrics is valid and
// records nothing, so components never need to guard their call sites.
type Metrics struct {
	FramesRelayed  prometheus.Counter
	FramesDropped  prometheus.Counter
	FramesAcked    prometheus.Counter
	ForwardSeconds prometheus.Histogram

	SessionsProvisioned prometheus.Counter
	SessionsFailed      prometheus.Counter
	ActiveActors        prometheus.Gauge

	TunnelAccepted prometheus.Counter
	TunnelRejected *prometheus.CounterVec
	TunnelActive   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_frames_relayed_total",
			Help: "Frames forwarded to the store channel or consumer.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_frames_dropped_total",
			Help: "Frames dropped on consumer backpressure.",
		}),
		FramesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_frames_acked_total",
			Help: "Frames acknowledged back to the capture engine.",
		}),
		ForwardSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "periscope_frame_forward_seconds",
			Help:    "Time spent forwarding a single frame.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		SessionsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_sessions_provisioned_total",
			Help: "Sessions that reached ready state.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_sessions_failed_total",
			Help: "Provisioning attempts that ended in error state.",
		}),
		ActiveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "periscope_active_actors",
			Help: "Streaming actors currently running.",
		}),
		TunnelAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periscope_tunnel_accepted_total",
			Help: "Tunnel connections that reached the relaying state.",
		}),
		TunnelRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "periscope_tunnel_rejected_total",
			Help: "Tunnel connections rejected at authentication.",
		}, []string{"reason"}),
		TunnelActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "periscope_tunnel_active",
			Help: "Tunnel connections currently relaying.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesRelayed, m.FramesDropped, m.FramesAcked, m.ForwardSeconds,
			m.SessionsProvisioned, m.SessionsFailed, m.ActiveActors,
			m.TunnelAccepted, m.TunnelRejected, m.TunnelActive,
		)
	}
	return m
}

// RecordFrameRelayed counts a forwarded frame and its forwarding time.
func (m *Metrics) RecordFrameRelayed(seconds float64) {
	if m == nil {
		return
	}
	m.FramesRelayed.Inc()
	m.ForwardSeconds.Observe(seconds)
}

// RecordFrameDropped counts a frame dropped on backpressure.
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordFrameAcked counts an acknowledgment sent to the engine.
func (m *Metrics) RecordFrameAcked() {
	if m == nil {
		return
	}
	m.FramesAcked.Inc()
}

// RecordSessionReady counts a successful provisioning attempt.
func (m *Metrics) RecordSessionReady() {
	if m == nil {
		return
	}
	m.SessionsProvisioned.Inc()
}

// RecordSessionFailed counts a failed provisioning attempt.
func (m *Metrics) RecordSessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Inc()
}

// ActorStarted tracks a new streaming actor.
func (m *Metrics) ActorStarted() {
	if m == nil {
		return
	}
	m.ActiveActors.Inc()
}

// ActorStopped tracks a removed streaming actor.
func (m *Metrics) ActorStopped() {
	if m == nil {
		return
	}
	m.ActiveActors.Dec()
}

// RecordTunnelAccepted tracks a tunnel that passed authentication.
func (m *Metrics) RecordTunnelAccepted() {
	if m == nil {
		return
	}
	m.TunnelAccepted.Inc()
	m.TunnelActive.Inc()
}

// RecordTunnelClosed tracks the end of a relaying tunnel.
func (m *Metrics) RecordTunnelClosed() {
	if m == nil {
		return
	}
	m.TunnelActive.Dec()
}

// RecordTunnelRejected tracks an authentication rejection by reason.
func (m *Metrics) RecordTunnelRejected(reason string) {
	if m == nil {
		return
	}
	m.TunnelRejected.WithLabelValues(reason).Inc()
}
