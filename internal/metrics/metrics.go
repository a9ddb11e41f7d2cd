package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics

	TaskPickupLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "task_pickup_latency_seconds",
		Help:      "Time from task creation to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "task_duration_seconds",
		Help:      "Duration of one task attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage", "status"})

	TasksInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "importer",
		Name:      "tasks_in_flight",
		Help:      "Tasks currently being processed, by stage.",
	}, []string{"stage"})

	TasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "tasks_completed_total",
		Help:      "Task attempts finished, by stage and outcome.",
	}, []string{"stage", "outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "importer",
		Name:      "queue_depth",
		Help:      "Claimed tasks waiting in a stage queue.",
	}, []string{"stage"})

	DispatcherPollInterval = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "importer",
		Name:      "dispatcher_poll_interval_seconds",
		Help:      "Current dispatcher sleep between polls.",
	})

	BatchesCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "batches_completed_total",
		Help:      "Batches that reached a terminal status.",
	}, []string{"status"})

	// Watchdog metrics

	WatchdogRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "watchdog_rescued_total",
		Help:      "Stale tasks handled by the watchdog.",
	}, []string{"action"})

	WatchdogCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "watchdog_cycle_duration_seconds",
		Help:      "Time taken for one watchdog sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	// Outbound calls

	RateLimitWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "scrape_rate_limit_wait_seconds",
		Help:      "Time a scrape waited on the window limiter.",
		Buckets:   []float64{0, .1, .5, 1, 5, 15, 30, 60},
	})

	LLMRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "llm_requests_total",
		Help:      "LLM API calls, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	LLMLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "llm_request_duration_seconds",
		Help:      "Latency of single LLM API calls.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"endpoint"})

	LLMCooldownMultiplier = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "importer",
		Name:      "llm_cooldown_multiplier",
		Help:      "Current adaptive limiter multiplier.",
	})

	// Lifecycle

	ImporterStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "importer",
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the importer started.",
	})

	ImporterShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "shutdowns_total",
		Help:      "Number of times the importer has shut down.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importer",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importer",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		TaskPickupLatency,
		TaskDuration,
		TasksInFlight,
		TasksCompletedTotal,
		QueueDepth,
		DispatcherPollInterval,
		BatchesCompletedTotal,
		WatchdogRescuedTotal,
		WatchdogCycleDuration,
		RateLimitWait,
		LLMRequestsTotal,
		LLMLatency,
		LLMCooldownMultiplier,
		ImporterStartTime,
		ImporterShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// Prober serves the liveness and readiness endpoints next to /metrics.
type Prober interface {
	LivenessHandler() http.Handler
	ReadinessHandler() http.Handler
}

func NewServer(addr string, prober Prober) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", prober.LivenessHandler())
	mux.Handle("/readyz", prober.ReadinessHandler())
	return &http.Server{Addr: addr, Handler: mux}
}
