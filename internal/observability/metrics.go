package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the transfer core exposes.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram
	QUICStreamsActive      prometheus.Gauge
	QUICPacketLossRate     prometheus.Gauge
	HeartbeatsTotal        *prometheus.CounterVec

	// FEC metrics
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter

	// Classifier / retry metrics
	ClassifiedFailuresTotal *prometheus.CounterVec
	RetriesScheduledTotal   *prometheus.CounterVec

	// Bandwidth / QoS metrics
	BandwidthGrantsTotal      *prometheus.CounterVec
	BandwidthThrottleDelaySec prometheus.Histogram
	NetworkConditionGauge     prometheus.Gauge

	// Queue metrics
	QueueDepth          prometheus.Gauge
	AdmissionsTotal     *prometheus.CounterVec

	// Resume store metrics
	CheckpointDuration     prometheus.Histogram
	ResumeOperationsTotal  *prometheus.CounterVec
	CorruptionsDetected    prometheus.Counter
	DiskSpaceUsedBytes     prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers every Prometheus metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfercore_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_chunks_received_total",
				Help: "Total chunks received",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		QUICConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfercore_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		QUICStreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_quic_streams_active",
				Help: "Active QUIC streams",
			},
		),

		QUICPacketLossRate: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_quic_packet_loss_rate",
				Help: "Observed packet loss rate (0.0-1.0)",
			},
		),

		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_heartbeats_total",
				Help: "Connection supervisor heartbeats by result",
			},
			[]string{"result"},
		),

		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_fec_enabled",
				Help: "FEC currently enabled (0/1)",
			},
		),

		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_fec_reconstructions_total",
				Help: "Chunks reconstructed via FEC",
			},
		),

		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstructions",
			},
		),

		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_fec_parity_shards_sent_total",
				Help: "Parity shards transmitted",
			},
		),

		ClassifiedFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_classified_failures_total",
				Help: "Failures classified, by category and severity",
			},
			[]string{"category", "severity"},
		),

		RetriesScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_retries_scheduled_total",
				Help: "Retries scheduled by the error classifier",
			},
			[]string{"category"},
		),

		BandwidthGrantsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_bandwidth_grants_total",
				Help: "Bandwidth grants issued, by whether they were throttled",
			},
			[]string{"throttled"},
		),

		BandwidthThrottleDelaySec: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfercore_bandwidth_throttle_delay_seconds",
				Help:    "Throttle delay imposed on bandwidth grants",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
			},
		),

		NetworkConditionGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_network_condition",
				Help: "Observed network condition (0=Critical .. 4=Excellent)",
			},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_queue_depth",
				Help: "Transfers currently tracked by the admission queue",
			},
		),

		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_admissions_total",
				Help: "Admission outcomes, by result",
			},
			[]string{"result"},
		),

		CheckpointDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfercore_checkpoint_duration_seconds",
				Help:    "Resume state checkpoint write latency",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		ResumeOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfercore_resume_operations_total",
				Help: "Resume store operations, by operation and result",
			},
			[]string{"operation", "result"},
		),

		CorruptionsDetected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfercore_chunk_corruptions_detected_total",
				Help: "Chunks demoted by the resume corruption sweep",
			},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfercore_disk_space_used_bytes",
				Help: "Disk space used by received files",
			},
		),
	}

	return m
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// RecordHeartbeat records a supervisor heartbeat outcome.
func (m *Metrics) RecordHeartbeat(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.HeartbeatsTotal.WithLabelValues(result).Inc()
}

// RecordFECReconstruction updates FEC reconstruction counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFECEnabled sets the FEC enabled flag.
func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// RecordClassification records a classifier outcome and, if a retry
// was scheduled, increments the retry counter for that category.
func (m *Metrics) RecordClassification(category, severity string, retryScheduled bool) {
	m.ClassifiedFailuresTotal.WithLabelValues(category, severity).Inc()
	if retryScheduled {
		m.RetriesScheduledTotal.WithLabelValues(category).Inc()
	}
}

// RecordBandwidthGrant records a bandwidth grant and its throttle delay.
func (m *Metrics) RecordBandwidthGrant(throttled bool, delaySeconds float64) {
	label := "false"
	if throttled {
		label = "true"
	}
	m.BandwidthGrantsTotal.WithLabelValues(label).Inc()
	if throttled {
		m.BandwidthThrottleDelaySec.Observe(delaySeconds)
	}
}

// SetNetworkCondition records the allocator's observed network condition
// as an ordinal (0=Critical .. 4=Excellent).
func (m *Metrics) SetNetworkCondition(ordinal int) {
	m.NetworkConditionGauge.Set(float64(ordinal))
}

// SetQueueDepth records the admission queue's current tracked count.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordAdmission records an admission outcome.
func (m *Metrics) RecordAdmission(result string) {
	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

// RecordCheckpoint records a resume checkpoint write's latency and result.
func (m *Metrics) RecordCheckpoint(durationSeconds float64, success bool) {
	m.CheckpointDuration.Observe(durationSeconds)
	result := "success"
	if !success {
		result = "failure"
	}
	m.ResumeOperationsTotal.WithLabelValues("checkpoint", result).Inc()
}

// RecordCorruption increments the corruption-sweep counter.
func (m *Metrics) RecordCorruption() {
	m.CorruptionsDetected.Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
