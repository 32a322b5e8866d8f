// Package metrics provides Prometheus metrics for the shuffle push client.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for push sessions.
type Metrics struct {
	// In-flight accounting
	BatchesInFlight prometheus.Gauge
	BytesInFlight   prometheus.Gauge

	// Push outcomes
	BatchesPushed    *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	CongestionEvents *prometheus.CounterVec
	BufferFlushes    prometheus.Counter
	PushedBytes      prometheus.Counter

	// Admission waits
	LimitWaitDuration *prometheus.HistogramVec
	LimitWaitTimeouts *prometheus.CounterVec

	// Sessions
	SessionsStarted prometheus.Counter
	SessionFailures prometheus.Counter
}

// defaultMetrics is read on every push, possibly while Init runs.
var defaultMetrics atomic.Pointer[Metrics]

// Init registers the push metrics with reg and makes them the global
// instance. A nil reg uses the default Prometheus registerer.
func Init(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "shuffle_pusher"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		BatchesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_in_flight",
				Help:      "Number of pushed batches waiting for acknowledgement",
			},
		),
		BytesInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bytes_in_flight",
				Help:      "Bytes of pushed batches waiting for acknowledgement",
			},
		),
		BatchesPushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_pushed_total",
				Help:      "Total number of batches acknowledged by workers",
			},
			[]string{"host"},
		),
		BatchesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of batches recorded as failed",
			},
			[]string{"host"},
		),
		CongestionEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "congestion_events_total",
				Help:      "Total number of congestion signals received from workers",
			},
			[]string{"host"},
		),
		BufferFlushes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buffer_flushes_total",
				Help:      "Total number of destination buffers flushed",
			},
		),
		PushedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushed_bytes_total",
				Help:      "Total number of bytes handed to the transport",
			},
		),
		LimitWaitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "limit_wait_seconds",
				Help:      "Time spent blocked waiting for in-flight capacity",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"kind"},
		),
		LimitWaitTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "limit_wait_timeouts_total",
				Help:      "Total number of in-flight waits that gave up after the timeout",
			},
			[]string{"kind"},
		),
		SessionsStarted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of push sessions created",
			},
		),
		SessionFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_failures_total",
				Help:      "Total number of push sessions aborted by a push failure",
			},
		),
	}

	defaultMetrics.Store(m)
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics.Load()
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Wait kinds for LimitWaitDuration and LimitWaitTimeouts.
const (
	WaitMax  = "max"
	WaitZero = "zero"
)

// AddInFlight adjusts the in-flight gauges by the given deltas.
func (m *Metrics) AddInFlight(batches, bytes int) {
	m.BatchesInFlight.Add(float64(batches))
	m.BytesInFlight.Add(float64(bytes))
}

// IncBatchesPushed increments the acknowledged batches counter.
func (m *Metrics) IncBatchesPushed(host string) {
	m.BatchesPushed.WithLabelValues(host).Inc()
}

// AddBatchesFailed adds to the failed batches counter.
func (m *Metrics) AddBatchesFailed(host string, n int) {
	m.BatchesFailed.WithLabelValues(host).Add(float64(n))
}

// IncCongestion increments the congestion counter.
func (m *Metrics) IncCongestion(host string) {
	m.CongestionEvents.WithLabelValues(host).Inc()
}

// ObserveFlush records a buffer flush of the given size.
func (m *Metrics) ObserveFlush(bytes int) {
	m.BufferFlushes.Inc()
	m.PushedBytes.Add(float64(bytes))
}

// ObserveLimitWait records time spent in an admission wait.
func (m *Metrics) ObserveLimitWait(kind string, seconds float64) {
	m.LimitWaitDuration.WithLabelValues(kind).Observe(seconds)
}

// IncLimitWaitTimeout increments the wait timeout counter.
func (m *Metrics) IncLimitWaitTimeout(kind string) {
	m.LimitWaitTimeouts.WithLabelValues(kind).Inc()
}

// IncSessionsStarted increments the sessions counter.
func (m *Metrics) IncSessionsStarted() {
	m.SessionsStarted.Inc()
}

// IncSessionFailures increments the failed sessions counter.
func (m *Metrics) IncSessionFailures() {
	m.SessionFailures.Inc()
}
