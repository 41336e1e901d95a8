package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for MarQS.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	enqueuedTotal     *prometheus.CounterVec
	dequeuedTotal     *prometheus.CounterVec
	ackedTotal        *prometheus.CounterVec
	nackedTotal       *prometheus.CounterVec
	requeuedTotal     *prometheus.CounterVec
	heartbeatsTotal   prometheus.Counter
	dequeueEmptyTotal *prometheus.CounterVec

	enqueueLatency *prometheus.HistogramVec
	dequeueLatency *prometheus.HistogramVec

	queueConcurrencyCurrent *prometheus.GaugeVec
	queueConcurrencyLimit   *prometheus.GaugeVec
	envConcurrencyCurrent   *prometheus.GaugeVec
	envConcurrencyLimit     *prometheus.GaugeVec
	orgConcurrencyCurrent   *prometheus.GaugeVec
	orgConcurrencyLimit     *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	promMetrics *PrometheusMetrics

	// Package-level handles used by the convenience Inc* functions above,
	// set by InitPrometheus. Nil until InitPrometheus runs, matching the
	// rest of this package's "metrics calls are free no-ops until opted
	// into" convention.
	enqueuedTotalVec  *prometheus.CounterVec
	dequeuedTotalVec  *prometheus.CounterVec
	ackedTotalVec     *prometheus.CounterVec
	nackedTotalVec    *prometheus.CounterVec
	requeuedTotalVec  *prometheus.CounterVec
	heartbeatsTotal   prometheus.Counter
)

// InitPrometheus initializes the Prometheus metrics subsystem under namespace.
func InitPrometheus(namespace string, latencyBuckets []float64) {
	if len(latencyBuckets) == 0 {
		latencyBuckets = defaultLatencyBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enqueued_total", Help: "Total messages enqueued, by queue.",
		}, []string{"queue"}),

		dequeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dequeued_total", Help: "Total messages dequeued, by queue.",
		}, []string{"queue"}),

		ackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acked_total", Help: "Total messages acked, by queue.",
		}, []string{"queue"}),

		nackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "nacked_total", Help: "Total messages nacked, by queue.",
		}, []string{"queue"}),

		requeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requeued_total", Help: "Total messages returned to their queue by the requeuer after their visibility deadline lapsed.",
		}, []string{"queue"}),

		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total", Help: "Total visibility-timeout extensions granted.",
		}),

		dequeueEmptyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dequeue_empty_total", Help: "Total dequeue attempts that found nothing to dispatch, by queue and reason.",
		}, []string{"queue", "reason"}),

		enqueueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "enqueue_duration_milliseconds", Help: "Duration of the enqueue script round trip.", Buckets: latencyBuckets,
		}, []string{"queue"}),

		dequeueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dequeue_duration_milliseconds", Help: "Duration of the dequeue candidate-selection and script round trip.", Buckets: latencyBuckets,
		}, []string{"queue"}),

		queueConcurrencyCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_concurrency_current", Help: "In-flight message count per queue.",
		}, []string{"env", "queue"}),

		queueConcurrencyLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_concurrency_limit", Help: "Configured concurrency limit per queue.",
		}, []string{"env", "queue"}),

		envConcurrencyCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "env_concurrency_current", Help: "In-flight message count per environment.",
		}, []string{"env"}),

		envConcurrencyLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "env_concurrency_limit", Help: "Configured concurrency limit per environment.",
		}, []string{"env"}),

		orgConcurrencyCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "org_concurrency_current", Help: "In-flight message count per organization.",
		}, []string{"org"}),

		orgConcurrencyLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "org_concurrency_limit", Help: "Configured concurrency limit per organization.",
		}, []string{"org"}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Time since the MarQS process started.",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	registry.MustRegister(
		pm.enqueuedTotal, pm.dequeuedTotal, pm.ackedTotal, pm.nackedTotal,
		pm.requeuedTotal, pm.heartbeatsTotal, pm.dequeueEmptyTotal,
		pm.enqueueLatency, pm.dequeueLatency,
		pm.queueConcurrencyCurrent, pm.queueConcurrencyLimit,
		pm.envConcurrencyCurrent, pm.envConcurrencyLimit,
		pm.orgConcurrencyCurrent, pm.orgConcurrencyLimit,
		pm.uptime,
	)

	promMetrics = pm
	enqueuedTotalVec = pm.enqueuedTotal
	dequeuedTotalVec = pm.dequeuedTotal
	ackedTotalVec = pm.ackedTotal
	nackedTotalVec = pm.nackedTotal
	requeuedTotalVec = pm.requeuedTotal
	heartbeatsTotal = pm.heartbeatsTotal
}

func recordPrometheusCounter(vec *prometheus.CounterVec, queue string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(queue).Inc()
}

func recordPrometheusCounterNoLabel(c prometheus.Counter) {
	if c == nil {
		return
	}
	c.Inc()
}

func recordPrometheusDequeueEmpty(queue, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dequeueEmptyTotal.WithLabelValues(queue, reason).Inc()
}

// ObserveEnqueueLatency records how long an enqueue round trip took.
func ObserveEnqueueLatency(queue string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.enqueueLatency.WithLabelValues(queue).Observe(float64(d.Milliseconds()))
}

// ObserveDequeueLatency records how long a dequeue attempt took, including
// candidate selection.
func ObserveDequeueLatency(queue string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.dequeueLatency.WithLabelValues(queue).Observe(float64(d.Milliseconds()))
}

// SetQueueConcurrency publishes a queue's current/limit gauge pair.
func SetQueueConcurrency(env, queue string, current, limit int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueConcurrencyCurrent.WithLabelValues(env, queue).Set(float64(current))
	promMetrics.queueConcurrencyLimit.WithLabelValues(env, queue).Set(float64(limit))
}

// SetEnvConcurrency publishes an environment's current/limit gauge pair.
func SetEnvConcurrency(env string, current, limit int) {
	if promMetrics == nil {
		return
	}
	promMetrics.envConcurrencyCurrent.WithLabelValues(env).Set(float64(current))
	promMetrics.envConcurrencyLimit.WithLabelValues(env).Set(float64(limit))
}

// SetOrgConcurrency publishes an organization's current/limit gauge pair.
func SetOrgConcurrency(org string, current, limit int) {
	if promMetrics == nil {
		return
	}
	promMetrics.orgConcurrencyCurrent.WithLabelValues(org).Set(float64(current))
	promMetrics.orgConcurrencyLimit.WithLabelValues(org).Set(float64(limit))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for mounting custom
// collectors alongside MarQS's own.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
