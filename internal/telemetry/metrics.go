package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RendersSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_submitted_total", Help: "Total render jobs submitted"})
	RendersCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_completed_total", Help: "Render jobs completed successfully"})
	RendersFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_failed_total", Help: "Render jobs that failed"})
	RendersCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_cancelled_total", Help: "Render jobs cancelled by callers"})
	RenderTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_timed_out_total", Help: "Render jobs killed by the wall-clock timeout"})
	SubmitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_queue_depth", Help: "Pending jobs waiting for the worker slot"})
	ActiveGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_active", Help: "Render currently holding the worker slot (0 or 1)"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RendersSubmitted,
			RendersCompleted,
			RendersFailed,
			RendersCancelled,
			RenderTimeouts,
			SubmitRejects,
			QueueDepthGauge,
			ActiveGauge,
		)
	})
	return promhttp.Handler()
}
