package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskpulse",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted for tracking.",
		},
		[]string{"type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "tasks_completed_total",
			Help:      "Tasks that reached completed.",
		},
		[]string{"type"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "tasks_failed_total",
			Help:      "Tasks that reached failed.",
		},
		[]string{"type"},
	)

	TasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled before a terminal outcome.",
		},
		[]string{"type"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskpulse",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	WebhookAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "webhook_attempts_total",
			Help:      "Individual webhook delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by final result.",
		},
		[]string{"result"},
	)

	WebhookQueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskpulse",
			Name:      "webhook_queue_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full.",
		},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksCancelledTotal,
		TaskDuration,
		WebhookAttemptsTotal,
		WebhookDeliveriesTotal,
		WebhookQueueDroppedTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
