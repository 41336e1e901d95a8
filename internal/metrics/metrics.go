// Package metrics collects and exposes MarQS operational metrics.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (global atomic counters) for a
//     lightweight JSON introspection endpoint an embedding daemon can mount
//     without a Prometheus sidecar.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// Every Inc* function below is called from Broker and Requeuer methods on
// every enqueue/dequeue/ack/nack/heartbeat/requeue and must stay cheap: atomic increments
// only, no locks, no allocation beyond what the Prometheus client itself
// does for labeled vectors.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects MarQS's global operational counters.
type Metrics struct {
	EnqueuedTotal     atomic.Int64
	DequeuedTotal     atomic.Int64
	AckedTotal        atomic.Int64
	NackedTotal       atomic.Int64
	HeartbeatsTotal   atomic.Int64
	RequeuedTotal     atomic.Int64
	DequeueEmptyTotal atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// IncEnqueued records a successful enqueue onto queue.
func IncEnqueued(queue string) {
	global.EnqueuedTotal.Add(1)
	recordPrometheusCounter(enqueuedTotalVec, queue)
}

// IncDequeued records a successful dequeue from queue.
func IncDequeued(queue string) {
	global.DequeuedTotal.Add(1)
	recordPrometheusCounter(dequeuedTotalVec, queue)
}

// IncAcked records a successful ack for a message that was in queue.
func IncAcked(queue string) {
	global.AckedTotal.Add(1)
	recordPrometheusCounter(ackedTotalVec, queue)
}

// IncNacked records a successful nack (not a no-op race loss) for queue.
func IncNacked(queue string) {
	global.NackedTotal.Add(1)
	recordPrometheusCounter(nackedTotalVec, queue)
}

// IncHeartbeats records a successful visibility-timeout extension.
func IncHeartbeats() {
	global.HeartbeatsTotal.Add(1)
	recordPrometheusCounterNoLabel(heartbeatsTotal)
}

// IncRequeued records a message the requeuer returned to its queue after
// its visibility deadline lapsed without an ack.
func IncRequeued(queue string) {
	global.RequeuedTotal.Add(1)
	recordPrometheusCounter(requeuedTotalVec, queue)
}

// IncDequeueEmpty records a dequeue attempt that found nothing to
// dispatch, tagged with why (no_capacity_or_empty, script_error).
func IncDequeueEmpty(queue, reason string) {
	global.DequeueEmptyTotal.Add(1)
	recordPrometheusDequeueEmpty(queue, reason)
}

// Snapshot returns a point-in-time snapshot of the global counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"enqueued_total":      m.EnqueuedTotal.Load(),
		"dequeued_total":      m.DequeuedTotal.Load(),
		"acked_total":         m.AckedTotal.Load(),
		"nacked_total":        m.NackedTotal.Load(),
		"heartbeats_total":    m.HeartbeatsTotal.Load(),
		"requeued_total":      m.RequeuedTotal.Load(),
		"dequeue_empty_total": m.DequeueEmptyTotal.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes a metrics snapshot.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
