package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submission metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsub_jobs_submitted_total",
			Help: "Total number of jobs submitted by provider",
		},
		[]string{"provider"},
	)

	JobsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsub_jobs_skipped_total",
			Help: "Total number of submissions skipped because outputs already exist",
		},
	)

	TasksLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsub_tasks_launched_total",
			Help: "Total number of tasks launched by provider",
		},
		[]string{"provider"},
	)

	AttemptsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsub_attempts_finished_total",
			Help: "Total number of attempts reaching a terminal status",
		},
		[]string{"provider", "status"},
	)

	RetriesSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsub_retries_spawned_total",
			Help: "Total number of retry attempts spawned by the wait loop",
		},
	)

	// Polling metrics
	PollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsub_poll_cycles_total",
			Help: "Total number of provider poll cycles",
		},
	)

	PollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsub_poll_latency_seconds",
			Help:    "Provider lookup latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Localization metrics
	LocalizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsub_localize_duration_seconds",
			Help:    "Time spent staging files in or out in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	// Container operation metrics
	ImagePullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsub_image_pull_duration_seconds",
			Help:    "Time taken to pull a container image in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dsub_container_run_duration_seconds",
			Help:    "Wall time of the user command container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsSkipped)
	prometheus.MustRegister(TasksLaunched)
	prometheus.MustRegister(AttemptsFinished)
	prometheus.MustRegister(RetriesSpawned)
	prometheus.MustRegister(PollCycles)
	prometheus.MustRegister(PollLatency)
	prometheus.MustRegister(LocalizeDuration)
	prometheus.MustRegister(ImagePullDuration)
	prometheus.MustRegister(ContainerRunDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
