package metrics

import (
	"time"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of deliveries processed, by terminal outcome",
		},
		[]string{"component", "action", "outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_duration_seconds",
			Help:      "Delivery processing duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10, 30},
		},
		[]string{"component", "action"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of publish attempts",
		},
		[]string{"queue", "action", "status"},
	)

	LeaseExtensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_extensions_total",
			Help:      "Total number of delivery lease extensions requested by handlers",
		},
		[]string{"action", "status"},
	)
)

func init() {
	Registry.MustRegister(MessagesProcessed, ProcessingDuration, MessagesPublished, LeaseExtensions)
}

// Collector records router, invoker and dispatcher measurements
type Collector struct{}

var _ messaging.MetricsCollector = Collector{}

// NewCollector returns a collector backed by Registry
func NewCollector() Collector {
	return Collector{}
}

func (Collector) RecordProcessed(component, action string, outcome messaging.Outcome, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	MessagesProcessed.WithLabelValues(component, action, outcome.String()).Inc()
	ProcessingDuration.WithLabelValues(component, action).Observe(duration.Seconds())
}

func (Collector) RecordPublish(queue, action string, err error) {
	MessagesPublished.WithLabelValues(queue, action, status(err)).Inc()
}

func (Collector) RecordLeaseExtension(action string, err error) {
	LeaseExtensions.WithLabelValues(action, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
