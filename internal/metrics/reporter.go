// Package metrics provides the per-model Prometheus reporter injected into
// the backend; it is never a hidden singleton.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reporter records serving metrics for one model. It implements the
// scheduler's Observer interface.
type Reporter struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	pendingRequests prometheus.Gauge

	batchesTotal  *prometheus.CounterVec
	batchSize     prometheus.Histogram
	queueDuration prometheus.Histogram
	execDuration  prometheus.Histogram
	timeoutsTotal prometheus.Counter
	warmupsTotal  *prometheus.CounterVec
}

// NewReporter registers the model's collectors with reg. namespace is the
// metric prefix, typically "keel".
func NewReporter(namespace string, modelName string, reg prometheus.Registerer) *Reporter {
	constLabels := prometheus.Labels{"model": modelName}
	factory := promauto.With(reg)
	return &Reporter{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "requests_total",
				Help:        "Total inference requests by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "End-to-end request duration from enqueue to completion",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_requests",
			Help:        "Requests currently queued or executing",
			ConstLabels: constLabels,
		}),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "batches_total",
				Help:        "Dispatched batches by runner and outcome",
				ConstLabels: constLabels,
			},
			[]string{"runner", "outcome"},
		),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_size",
			Help:        "Formed batch sizes",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
		queueDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "queue_duration_seconds",
			Help:        "Average time payloads of a batch spent queued",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		execDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "exec_duration_seconds",
			Help:        "Runner execution time per batch",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		timeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_timeouts_total",
			Help:        "Requests that timed out while queued",
			ConstLabels: constLabels,
		}),
		warmupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "warmups_total",
				Help:        "Warmup batches by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
	}
}

func (r *Reporter) ObserveEnqueue(_ uint32) {
	r.pendingRequests.Inc()
}

func (r *Reporter) ObserveTimeout() {
	r.timeoutsTotal.Inc()
}

func (r *Reporter) ObserveBatch(runnerIdx int, batchSize int, queueWait time.Duration, execTime time.Duration, err error) {
	r.batchesTotal.WithLabelValues(strconv.Itoa(runnerIdx), outcome(err)).Inc()
	r.batchSize.Observe(float64(batchSize))
	r.queueDuration.Observe(queueWait.Seconds())
	r.execDuration.Observe(execTime.Seconds())
}

// ObserveRequest records a terminal request outcome with its end-to-end
// latency.
func (r *Reporter) ObserveRequest(latency time.Duration, err error) {
	r.pendingRequests.Dec()
	r.requestsTotal.WithLabelValues(outcome(err)).Inc()
	r.requestDuration.Observe(latency.Seconds())
}

// ObserveRejected counts a request refused synchronously at Run/Enqueue.
func (r *Reporter) ObserveRejected() {
	r.requestsTotal.WithLabelValues("rejected").Inc()
}

func (r *Reporter) ObserveWarmup(err error) {
	r.warmupsTotal.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
