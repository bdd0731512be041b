// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics
// is valid and records nothing, so components can run without one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "threatmap"

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	FramesReceived   prometheus.Counter
	FrameErrors      prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	AttacksAccepted  prometheus.Counter
	AttacksFiltered  prometheus.Counter
	StreamState      prometheus.Gauge
	StreamErrors     prometheus.Counter
	Reconnects       prometheus.Counter
	Releases         prometheus.Counter
	ReleasesCanceled prometheus.Counter
	SnapshotAttempts prometheus.Counter
	SnapshotResults  *prometheus.CounterVec
	SnapshotSize     prometheus.Gauge
	BufferSize       *prometheus.GaugeVec
	Published        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_received_total",
			Help: "Frames read from the threat stream, heartbeats included.",
		}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frame_errors_total",
			Help: "Frames dropped because they were not a JSON array.",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "records_dropped_total",
			Help: "Stream records dropped before validation, by reason.",
		}, []string{"reason"}),
		AttacksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "attacks_accepted_total",
			Help: "Attacks that passed display validation.",
		}),
		AttacksFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "attacks_filtered_total",
			Help: "Attacks excluded by display validation.",
		}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "state",
			Help: "Ingestor state: 0 disconnected, 1 connecting, 2 open, 3 closed, 4 errored.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "transport_errors_total",
			Help: "Transport failures that ended a stream connection.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnects_total",
			Help: "Stream reconnect attempts made by the session.",
		}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "releases_total",
			Help: "Attacks released into the display buffer.",
		}),
		ReleasesCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "releases_canceled_total",
			Help: "Scheduled releases invalidated by teardown.",
		}),
		SnapshotAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "attempts_total",
			Help: "Snapshot fetch attempts.",
		}),
		SnapshotResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "fetches_total",
			Help: "Completed snapshot fetches, by result (success, exhausted).",
		}, []string{"result"}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "ips",
			Help: "Malicious IPs in the current snapshot.",
		}),
		BufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "display", Name: "entries",
			Help: "Entries held by the display buffer, by set.",
		}, []string{"set"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publish", Name: "messages_total",
			Help: "Messages published to Redis, by channel and result.",
		}, []string{"channel", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived, m.FrameErrors, m.RecordsDropped,
			m.AttacksAccepted, m.AttacksFiltered, m.StreamState,
			m.StreamErrors, m.Reconnects, m.Releases, m.ReleasesCanceled,
			m.SnapshotAttempts, m.SnapshotResults, m.SnapshotSize,
			m.BufferSize, m.Published,
		)
	}
	return m
}

// Frame records one frame read from the stream.
func (m *Metrics) Frame() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// FrameError records a frame dropped as unparseable.
func (m *Metrics) FrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

// RecordDropped records a single record dropped for reason.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.RecordsDropped.WithLabelValues(reason).Inc()
}

// Validated records the outcome of validating a frame's attacks.
func (m *Metrics) Validated(accepted, filtered int) {
	if m == nil {
		return
	}
	m.AttacksAccepted.Add(float64(accepted))
	m.AttacksFiltered.Add(float64(filtered))
}

// SetStreamState records the ingestor's state as its numeric value.
func (m *Metrics) SetStreamState(state int) {
	if m == nil {
		return
	}
	m.StreamState.Set(float64(state))
}

// StreamError records a transport failure.
func (m *Metrics) StreamError() {
	if m == nil {
		return
	}
	m.StreamErrors.Inc()
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// Release records an attack released by the scheduler.
func (m *Metrics) Release() {
	if m == nil {
		return
	}
	m.Releases.Inc()
}

// ReleasesCanceledBy records n releases invalidated by teardown.
func (m *Metrics) ReleasesCanceledBy(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReleasesCanceled.Add(float64(n))
}

// SnapshotAttempt records one snapshot fetch attempt.
func (m *Metrics) SnapshotAttempt() {
	if m == nil {
		return
	}
	m.SnapshotAttempts.Inc()
}

// SnapshotResult records a completed fetch and its size.
func (m *Metrics) SnapshotResult(size int) {
	if m == nil {
		return
	}
	if size == 0 {
		m.SnapshotResults.WithLabelValues("exhausted").Inc()
		return
	}
	m.SnapshotResults.WithLabelValues("success").Inc()
}

// SetSnapshotSize records the size of the installed snapshot.
func (m *Metrics) SetSnapshotSize(size int) {
	if m == nil {
		return
	}
	m.SnapshotSize.Set(float64(size))
}

// SetBufferSizes records the display buffer's set sizes.
func (m *Metrics) SetBufferSizes(history, animating int) {
	if m == nil {
		return
	}
	m.BufferSize.WithLabelValues("history").Set(float64(history))
	m.BufferSize.WithLabelValues("animating").Set(float64(animating))
}

// PublishResult records one Redis publish.
func (m *Metrics) PublishResult(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Published.WithLabelValues(channel, result).Inc()
}
