package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_tasks_submitted_total", Help: "Tasks accepted by the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	TasksSucceeded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_tasks_succeeded_total", Help: "Tasks completed successfully"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_tasks_failed_total", Help: "Tasks that ended in the failed state"})
	TasksSkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_tasks_skipped_total", Help: "Deliveries skipped as duplicates or already-terminal"})
	QuotaAnomalies   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_quota_anomalies_total", Help: "Successful tasks whose quota charge was rejected"})
	DeadLetters      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_dead_letters_total", Help: "Dead-letter records published"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_tasks_inflight", Help: "Tasks currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			TasksSucceeded,
			TasksFailed,
			TasksSkipped,
			QuotaAnomalies,
			DeadLetters,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
