// Package metrics holds the Prometheus collectors for allocation, reclaim and
// submission activity. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
	OutcomeNoLease   = "no_lease"
)

type Metrics struct {
	registry *prometheus.Registry

	LeasesGranted   *prometheus.CounterVec
	NoneAvailable   *prometheus.CounterVec
	LeasesReclaimed *prometheus.CounterVec
	ReclaimErrors   *prometheus.CounterVec
	ReclaimPasses   prometheus.Counter
	Submissions     *prometheus.CounterVec
	LockWait        *prometheus.HistogramVec
	RequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		LeasesGranted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptline_leases_granted_total",
			Help: "Leases granted by the allocator.",
		}, []string{"model"}),
		NoneAvailable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptline_next_item_exhausted_total",
			Help: "Next-item requests that found no eligible item.",
		}, []string{"model"}),
		LeasesReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptline_leases_reclaimed_total",
			Help: "Expired unfulfilled leases removed by reclaim passes.",
		}, []string{"model"}),
		ReclaimErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptline_reclaim_errors_total",
			Help: "Partitions a reclaim pass failed to compact.",
		}, []string{"model"}),
		ReclaimPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "promptline_reclaim_passes_total",
			Help: "Completed reclaim passes.",
		}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "promptline_submissions_total",
			Help: "Submissions by outcome.",
		}, []string{"model", "outcome"}),
		LockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptline_ledger_lock_wait_seconds",
			Help:    "Time spent acquiring ledger partition locks.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"model"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) LeaseGranted(model string) {
	if m == nil {
		return
	}
	m.LeasesGranted.WithLabelValues(model).Inc()
}

func (m *Metrics) Exhausted(model string) {
	if m == nil {
		return
	}
	m.NoneAvailable.WithLabelValues(model).Inc()
}

func (m *Metrics) Reclaimed(model string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LeasesReclaimed.WithLabelValues(model).Add(float64(n))
}

func (m *Metrics) ReclaimFailed(model string) {
	if m == nil {
		return
	}
	m.ReclaimErrors.WithLabelValues(model).Inc()
}

func (m *Metrics) ReclaimPass() {
	if m == nil {
		return
	}
	m.ReclaimPasses.Inc()
}

func (m *Metrics) Submission(model, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) ObserveLockWait(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, status).Observe(d.Seconds())
}
