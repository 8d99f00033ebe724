package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	ImportRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_import_records_total",
			Help: "Total number of processed import records by result status",
		},
		[]string{"status"},
	)

	ImportBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "destiny_import_batch_duration_seconds",
			Help:    "Wall-clock time to process an import batch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Deduplication metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_duplicate_decisions_total",
			Help: "Total number of promoted duplicate decisions by determination",
		},
		[]string{"determination"},
	)

	DecisionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "destiny_decision_retries_total",
			Help: "Total number of decision promotions retried after a stale version",
		},
	)

	CandidateRecallSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "destiny_candidate_recall_size",
			Help:    "Number of candidates recalled per deduplication pass",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)

	// Task bus metrics
	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by kind",
		},
		[]string{"kind"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_tasks_failed_total",
			Help: "Total number of task attempts that returned an error, by kind",
		},
		[]string{"kind"},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "destiny_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead letter bucket",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "destiny_active_jobs",
			Help: "Number of task slots currently executing a handler",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "destiny_task_duration_seconds",
			Help:    "Task handler duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Enhancement pipeline metrics
	RequestsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "destiny_enhancement_requests",
			Help: "Number of enhancement requests by status",
		},
		[]string{"status"},
	)

	BatchesPulled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "destiny_robot_batches_pulled_total",
			Help: "Total number of robot enhancement batches handed out",
		},
	)

	BatchesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "destiny_robot_batches_expired_total",
			Help: "Total number of robot enhancement batches that passed their deadline",
		},
	)

	// Automation metrics
	PercolatorMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_percolator_matches_total",
			Help: "Total number of automation query matches by robot",
		},
		[]string{"robot_id"},
	)

	ProjectionRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "destiny_projection_rebuilds_total",
			Help: "Total number of deduplicated projection rebuilds",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "destiny_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "destiny_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ImportRecordsTotal)
	prometheus.MustRegister(ImportBatchDuration)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(DecisionRetries)
	prometheus.MustRegister(CandidateRecallSize)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(RequestsByStatus)
	prometheus.MustRegister(BatchesPulled)
	prometheus.MustRegister(BatchesExpired)
	prometheus.MustRegister(PercolatorMatches)
	prometheus.MustRegister(ProjectionRebuilds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}
