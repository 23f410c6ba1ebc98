package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts processed webhook invocations by outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of processed push notifications",
		},
		[]string{"status", "reason"},
	)

	// ResyncEvents counts checkpoint resets caused by expired history cursors.
	// Each reset implies a missed window of messages.
	ResyncEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_resync_events_total",
			Help: "Total number of checkpoint resets after the provider expired the stored cursor",
		},
	)

	// MessagesMissed counts messages dropped after fetch retries were exhausted
	MessagesMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_missed_total",
			Help: "Total number of messages skipped after exhausting fetch retries",
		},
		[]string{"platform"},
	)

	// MessagesFiltered counts messages dropped by the label filter
	MessagesFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_filtered_total",
			Help: "Total number of messages dropped by the label filter",
		},
	)

	// TasksPublished counts task envelopes published to the queue
	TasksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_published_total",
			Help: "Total number of task envelopes published",
		},
		[]string{"queue"},
	)

	// PublishFailures counts publish attempts that exhausted their retries
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_publish_failures_total",
			Help: "Total number of task publishes that exhausted retries",
		},
		[]string{"queue"},
	)

	// HTTPRequestDuration measures request latency per route
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

// RecordHTTPRequestDuration records request latency for a route
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordNotification records one webhook invocation outcome
func RecordNotification(status, reason string) {
	NotificationsTotal.WithLabelValues(status, reason).Inc()
}
