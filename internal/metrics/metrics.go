// Package metrics exposes Prometheus counters for the audio grouping
// pipelines.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Stream metrics
	ActiveStreams prometheus.Gauge
	TotalStreams  prometheus.Counter

	// Group metrics
	Groups        *prometheus.CounterVec
	Frames        *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	GroupDuration *prometheus.HistogramVec

	// Error metrics
	Resets         *prometheus.CounterVec
	FlushErrors    *prometheus.CounterVec
	InvalidHeaders *prometheus.CounterVec
	ResyncBytes    *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "adtsgroup_active_streams",
			Help: "Number of streams currently being processed",
		}),
		TotalStreams: f.NewCounter(prometheus.CounterOpts{
			Name: "adtsgroup_streams_total",
			Help: "Total number of streams since start",
		}),

		Groups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_groups_total",
				Help: "Total number of frame groups emitted",
			},
			[]string{"stream_key", "pid"},
		),
		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_frames_total",
				Help: "Total number of audio frames emitted in groups",
			},
			[]string{"stream_key", "pid"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_bytes_total",
				Help: "Total access unit bytes emitted in groups",
			},
			[]string{"stream_key", "pid"},
		),
		GroupDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adtsgroup_group_duration_ticks",
				Help:    "Group duration in 90 kHz ticks",
				Buckets: prometheus.ExponentialBuckets(1920, 2, 8), // one frame to ~128 frames at 48 kHz
			},
			[]string{"stream_key"},
		),

		Resets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_resets_total",
				Help: "Pending groups discarded on a continuity break",
			},
			[]string{"stream_key", "pid"},
		),
		FlushErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_flush_errors_total",
				Help: "Flushes that failed to sync track metadata",
			},
			[]string{"stream_key", "pid"},
		),
		InvalidHeaders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_invalid_headers_total",
				Help: "ADTS headers rejected by the decoder",
			},
			[]string{"stream_key", "pid"},
		),
		ResyncBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adtsgroup_resync_bytes_total",
				Help: "Bytes skipped while searching for an ADTS sync word",
			},
			[]string{"stream_key", "pid"},
		),
	}
}

// StreamStarted records a new stream.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
	m.TotalStreams.Inc()
}

// StreamStopped records a finished stream.
func (m *Metrics) StreamStopped() {
	m.ActiveStreams.Dec()
}

// Stream returns a recorder that labels everything with streamKey.
func (m *Metrics) Stream(streamKey string) *StreamRecorder {
	return &StreamRecorder{m: m, key: streamKey}
}

// StreamRecorder records pipeline counters for one stream.
type StreamRecorder struct {
	m   *Metrics
	key string
}

// RecordGroup counts an emitted group.
func (r *StreamRecorder) RecordGroup(pid uint16, frames, bytes int, duration float64) {
	p := pidLabel(pid)
	r.m.Groups.WithLabelValues(r.key, p).Inc()
	r.m.Frames.WithLabelValues(r.key, p).Add(float64(frames))
	r.m.Bytes.WithLabelValues(r.key, p).Add(float64(bytes))
	r.m.GroupDuration.WithLabelValues(r.key).Observe(duration)
}

// RecordReset counts a discarded group.
func (r *StreamRecorder) RecordReset(pid uint16) {
	r.m.Resets.WithLabelValues(r.key, pidLabel(pid)).Inc()
}

// RecordFlushError counts a failed flush.
func (r *StreamRecorder) RecordFlushError(pid uint16) {
	r.m.FlushErrors.WithLabelValues(r.key, pidLabel(pid)).Inc()
}

// RecordDecodeErrors counts headers and bytes the decoder skipped.
func (r *StreamRecorder) RecordDecodeErrors(pid uint16, invalidHeaders, resyncBytes int64) {
	p := pidLabel(pid)
	r.m.InvalidHeaders.WithLabelValues(r.key, p).Add(float64(invalidHeaders))
	r.m.ResyncBytes.WithLabelValues(r.key, p).Add(float64(resyncBytes))
}

func pidLabel(pid uint16) string {
	return strconv.Itoa(int(pid))
}
