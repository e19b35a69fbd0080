package monitoring

import (
	"time"

	"peerlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	connectionsByState   *prometheus.GaugeVec
	connectionsTotal     prometheus.Counter
	reconnectAttempts    prometheus.Counter
	reconnectExhaustions prometheus.Counter
	envelopesRouted      *prometheus.CounterVec
	dataExchangedBytes   prometheus.Counter

	// Histograms
	handshakeDuration prometheus.Histogram
	networkLatency    prometheus.Histogram

	// Per-device metrics
	deviceBitrate *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_connections_by_state",
			Help: "Number of live connection records, by state",
		}, []string{"state"}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_connections_total",
			Help: "Total number of peer connections established",
		}),

		reconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		}),

		reconnectExhaustions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reconnect_exhaustions_total",
			Help: "Total number of connections that exhausted their reconnection attempts",
		}),

		envelopesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_envelopes_routed_total",
			Help: "Total number of signal envelopes routed by the relay, by type",
		}, []string{"type"}),

		dataExchangedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_data_exchanged_bytes_total",
			Help: "Total amount of channel data exchanged in bytes",
		}),

		handshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_handshake_duration_seconds",
			Help:    "Duration of the offer/answer handshake",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		networkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_network_latency_seconds",
			Help:    "Measured network latency between peers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		deviceBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_device_bitrate_bps",
			Help: "Current target video bitrate per remote device in bits per second",
		}, []string{"device_id"}),
	}
}

// ConnectionStateChanged moves one record between per-state gauges. prev is
// empty when the record is brand new.
func (p *PrometheusCollector) ConnectionStateChanged(prev, next domain.ConnectionState) {
	if prev != "" {
		p.connectionsByState.WithLabelValues(string(prev)).Dec()
	}
	p.connectionsByState.WithLabelValues(string(next)).Inc()
	if next == domain.StateConnected {
		p.connectionsTotal.Inc()
	}
}

// ConnectionRemoved retires a closed record; only closed records leave the
// connection table.
func (p *PrometheusCollector) ConnectionRemoved() {
	p.connectionsByState.WithLabelValues(string(domain.StateClosed)).Dec()
}

func (p *PrometheusCollector) ReconnectAttempt() {
	p.reconnectAttempts.Inc()
}

func (p *PrometheusCollector) ReconnectExhausted() {
	p.reconnectExhaustions.Inc()
}

func (p *PrometheusCollector) HandshakeCompleted(duration time.Duration) {
	p.handshakeDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) QualityBitrate(device domain.DeviceID, bps int64) {
	p.deviceBitrate.WithLabelValues(string(device)).Set(float64(bps))
}

func (p *PrometheusCollector) RecordEnvelopeRouted(envType domain.EnvelopeType) {
	p.envelopesRouted.WithLabelValues(string(envType)).Inc()
}

func (p *PrometheusCollector) RecordDataTransferred(bytes int64) {
	p.dataExchangedBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordNetworkLatency(latency time.Duration) {
	p.networkLatency.Observe(latency.Seconds())
}
