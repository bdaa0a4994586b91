package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_jobs_retried_total", Help: "Job executions that failed and were rescheduled"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cc_jobs_inflight", Help: "Jobs currently executing in this process"})
	RitualsExecuted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_rituals_executed_total", Help: "Ritual commands executed"})
	RitualsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_rituals_failed_total", Help: "Ritual commands that failed"})
	CapturesRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "cc_captures_rate_limited_total", Help: "Capture requests rejected by the rate limiter"})
	PendingJobsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cc_jobs_pending", Help: "Jobs in pending status"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsInFlight,
			RitualsExecuted,
			RitualsFailed,
			CapturesRejected,
			PendingJobsGauge,
		)
	})
	return promhttp.Handler()
}
