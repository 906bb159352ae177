package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	cycles            *prometheus.CounterVec
	upstreamRequests  *prometheus.CounterVec
	transfersStored   prometheus.Counter
	transfersReplayed prometheus.Counter
	notifyFailures    prometheus.Counter
	watermark         prometheus.Gauge
	schedulerState    *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	errors            prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tokenwatch_cycles_total",
				Help: "Sync cycles by outcome",
			}, []string{"outcome"}),
			upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tokenwatch_upstream_requests_total",
				Help: "Explorer page requests by outcome (data, empty, error)",
			}, []string{"outcome"}),
			transfersStored: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tokenwatch_transfers_stored_total",
				Help: "Transfers written as new rows",
			}),
			transfersReplayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tokenwatch_transfers_replayed_total",
				Help: "Transfers skipped because their (tx_hash, log_index) was already stored",
			}),
			notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tokenwatch_notify_failures_total",
				Help: "Sink deliveries that failed",
			}),
			watermark: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tokenwatch_watermark_block",
				Help: "Highest block number durable in the store",
			}),
			schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tokenwatch_scheduler_state",
				Help: "1 for the scheduler's current state, 0 otherwise",
			}, []string{"state"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tokenwatch_http_requests_total",
				Help: "Query API requests",
			}, []string{"method", "path", "status"}),
			httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tokenwatch_http_request_duration_seconds",
				Help:    "Query API latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tokenwatch_errors_total",
				Help: "Total number of errors encountered",
			}),
		}
		prometheus.MustRegister(
			metrics.cycles,
			metrics.upstreamRequests,
			metrics.transfersStored,
			metrics.transfersReplayed,
			metrics.notifyFailures,
			metrics.watermark,
			metrics.schedulerState,
			metrics.httpRequests,
			metrics.httpDuration,
			metrics.errors,
		)
	})
	return metrics
}

// Cycle records the outcome of one sync cycle.
func (m *Metrics) Cycle(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.cycles.WithLabelValues("success").Inc()
		return
	}
	m.cycles.WithLabelValues("error").Inc()
	m.errors.Inc()
}

// UpstreamRequest records one page request; outcome is data, empty or error.
func (m *Metrics) UpstreamRequest(outcome string) {
	if m != nil {
		m.upstreamRequests.WithLabelValues(outcome).Inc()
	}
}

// TransferStored counts a write; inserted is false for replays.
func (m *Metrics) TransferStored(inserted bool) {
	if m == nil {
		return
	}
	if inserted {
		m.transfersStored.Inc()
	} else {
		m.transfersReplayed.Inc()
	}
}

// NotifyFailed increments the sink failure counter.
func (m *Metrics) NotifyFailed() {
	if m != nil {
		m.notifyFailures.Inc()
	}
}

// Watermark sets the watermark gauge.
func (m *Metrics) Watermark(block uint64) {
	if m != nil {
		m.watermark.Set(float64(block))
	}
}

// SchedulerState marks state as current among all known states.
func (m *Metrics) SchedulerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.schedulerState.WithLabelValues(s).Set(v)
	}
}

// HTTPRequest records one query API request.
func (m *Metrics) HTTPRequest(method, path string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusLabel(code)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
