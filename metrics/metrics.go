// Package metrics exposes the process counters over Prometheus: pipeline
// frame counts, the zero-expected local drop counters, transport volume, and
// NACK/retransmission activity, served on an optional /metrics listener.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the Prometheus counters and gauges for the media core. A nil
// *Metrics is a valid no-op receiver so wiring stays optional.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured    prometheus.Counter
	framesDropped     prometheus.Counter
	framesSynthesized prometheus.Counter
	packetsSent       *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	nacksSent         prometheus.Counter
	nacksReceived     prometheus.Counter
	retransmissions   prometheus.Counter
	congestionLevel   *prometheus.GaugeVec
	jitterDepthMs     *prometheus.GaugeVec
}

// New creates and registers the media-core metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_recording_frames_captured_total",
			Help: "Video frames accepted onto the local recording branch",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_recording_frames_dropped_total",
			Help: "Recording-branch frames dropped; must remain 0 under normal load",
		}),
		framesSynthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_recording_frames_synthesized_total",
			Help: "Frames re-submitted to fill capture gaps (CFR enforcement)",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperzoom_packets_sent_total",
			Help: "Packets queued for transmission by type",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperzoom_packets_received_total",
			Help: "Packets parsed from the socket by type",
		}, []string{"type"}),
		nacksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_nacks_sent_total",
			Help: "Keyframe NACKs emitted",
		}),
		nacksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_nacks_received_total",
			Help: "Keyframe NACKs received from peers",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperzoom_keyframe_retransmissions_total",
			Help: "Keyframe fragments retransmitted in response to NACKs",
		}),
		congestionLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperzoom_congestion_level",
			Help: "Current degradation ladder level per peer (0=full, 4=audio-only)",
		}, []string{"peer"}),
		jitterDepthMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperzoom_jitter_depth_ms",
			Help: "Adaptive jitter buffer target depth per participant",
		}, []string{"participant"}),
	}

	registry.MustRegister(
		m.framesCaptured,
		m.framesDropped,
		m.framesSynthesized,
		m.packetsSent,
		m.packetsReceived,
		m.nacksSent,
		m.nacksReceived,
		m.retransmissions,
		m.congestionLevel,
		m.jitterDepthMs,
	)
	return m
}

// IncFramesCaptured counts recording-branch frames.
func (m *Metrics) IncFramesCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

// IncFramesDropped counts recording-branch drops.
func (m *Metrics) IncFramesDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// IncFramesSynthesized counts CFR gap fills.
func (m *Metrics) IncFramesSynthesized() {
	if m == nil {
		return
	}
	m.framesSynthesized.Inc()
}

// IncPacketsSent counts one outbound packet of the given type.
func (m *Metrics) IncPacketsSent(packetType string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(packetType).Inc()
}

// IncPacketsReceived counts one inbound packet of the given type.
func (m *Metrics) IncPacketsReceived(packetType string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(packetType).Inc()
}

// IncNacksSent counts an emitted keyframe NACK.
func (m *Metrics) IncNacksSent() {
	if m == nil {
		return
	}
	m.nacksSent.Inc()
}

// IncNacksReceived counts a received keyframe NACK.
func (m *Metrics) IncNacksReceived() {
	if m == nil {
		return
	}
	m.nacksReceived.Inc()
}

// AddRetransmissions counts retransmitted keyframe fragments.
func (m *Metrics) AddRetransmissions(n uint64) {
	if m == nil {
		return
	}
	m.retransmissions.Add(float64(n))
}

// SetCongestionLevel publishes a peer's ladder level.
func (m *Metrics) SetCongestionLevel(peer string, level int) {
	if m == nil {
		return
	}
	m.congestionLevel.WithLabelValues(peer).Set(float64(level))
}

// SetJitterDepth publishes a participant's jitter target depth.
func (m *Metrics) SetJitterDepth(participant string, depthMs int) {
	if m == nil {
		return
	}
	m.jitterDepthMs.WithLabelValues(participant).Set(float64(depthMs))
}

// Handler returns the /metrics router.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

// Serve starts the metrics listener on addr. Non-fatal: a bind failure is
// logged and the call returns.
func (m *Metrics) Serve(addr string) {
	if m == nil || addr == "" {
		return
	}
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Metrics.Serve",
			"addr":     addr,
		}).Info("Metrics listener started")
		if err := http.ListenAndServe(addr, m.Handler()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Metrics.Serve",
				"addr":     addr,
				"error":    err.Error(),
			}).Warn("Metrics listener stopped")
		}
	}()
}
