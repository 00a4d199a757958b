package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_enqueued_total", Help: "Total enqueued tasks"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_claimed_total", Help: "Tasks claimed by workers"})
	LeaseSteals      = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_lease_steals_total", Help: "Stale leases stolen during claim"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_claim_conflicts_total", Help: "Claims lost to a live lease or version race"})
	CompleteCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_completed_total", Help: "Tasks completed successfully"})
	RetryableFails   = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_failed_retryable_total", Help: "Task failures that will retry"})
	TerminalFails    = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_failed_terminal_total", Help: "Task failures that exhausted retries or were terminal"})
	StaleRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "quotey_tasks_stale_recovered_total", Help: "Stale Running tasks re-surfaced by the recovery sweep"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quotey_tasks_ready_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quotey_tasks_inflight", Help: "Tasks currently running under a lease"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ClaimCounter,
			LeaseSteals,
			ClaimConflicts,
			CompleteCounter,
			RetryableFails,
			TerminalFails,
			StaleRecovered,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
