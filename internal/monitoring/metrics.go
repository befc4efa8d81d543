// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	Sessions        *prometheus.GaugeVec
	SessionsOpened  *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	DroppedWrites   prometheus.Counter
	SinkOverruns    prometheus.Counter
	PTYBytesRead    prometheus.Counter
	PTYBytesWritten prometheus.Counter

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration prometheus.Histogram
	JobsRunning prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates a collector set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		Sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_sessions",
				Help: "Live terminal sessions by state",
			},
			[]string{"state"},
		),
		SessionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sessions_opened_total",
				Help: "Sessions opened, split by whether an existing session was resumed",
			},
			[]string{"resumed"},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sessions_closed_total",
				Help: "Sessions closed by reason",
			},
			[]string{"reason"},
		),
		DroppedWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_dropped_writes_total",
			Help: "Input writes discarded because the session was closed",
		}),
		SinkOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sink_overruns_total",
			Help: "Subscribers dropped for exceeding their output buffer",
		}),
		PTYBytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pty_output_bytes_total",
			Help: "Bytes read from PTY sessions",
		}),
		PTYBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pty_input_bytes_total",
			Help: "Bytes written to PTY sessions",
		}),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_jobs_total",
				Help: "Finished jobs by status",
			},
			[]string{"status"},
		),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_job_duration_seconds",
			Help:    "Job run time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
		}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jobs_running",
			Help: "Jobs currently executing",
		}),

		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_connections",
			Help: "Open streaming connections",
		}),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ws_messages_total",
				Help: "Streaming frames by direction and type",
			},
			[]string{"direction", "type"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_uptime_seconds",
		Help: "Seconds since the gateway started",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartTime returns when the collector was created.
func (m *Metrics) StartTime() time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.startTime
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetSessionCounts replaces the per-state session gauges.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.Sessions.Reset()
	for state, n := range counts {
		m.Sessions.WithLabelValues(state).Set(float64(n))
	}
}

// SessionOpened counts an opened or resumed session.
func (m *Metrics) SessionOpened(resumed bool) {
	if m == nil {
		return
	}
	label := "false"
	if resumed {
		label = "true"
	}
	m.SessionsOpened.WithLabelValues(label).Inc()
}

// SessionClosed counts a closed session.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// DroppedWrite counts input discarded for a closed session.
func (m *Metrics) DroppedWrite() {
	if m == nil {
		return
	}
	m.DroppedWrites.Inc()
}

// SinkOverrun counts a subscriber dropped for falling behind.
func (m *Metrics) SinkOverrun() {
	if m == nil {
		return
	}
	m.SinkOverruns.Inc()
}

// PTYRead counts bytes read from a PTY.
func (m *Metrics) PTYRead(n int) {
	if m == nil {
		return
	}
	m.PTYBytesRead.Add(float64(n))
}

// PTYWrite counts bytes written to a PTY.
func (m *Metrics) PTYWrite(n int) {
	if m == nil {
		return
	}
	m.PTYBytesWritten.Add(float64(n))
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

// JobFinished records a finished job.
func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.Observe(d.Seconds())
}

// WSConnected adjusts the open connection gauge by delta.
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

// WSMessage counts a streaming frame.
func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}
