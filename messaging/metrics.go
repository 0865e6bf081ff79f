package messaging

import "time"

// Component labels for MetricsCollector
const (
	ComponentRouter  = "router"
	ComponentInvoker = "invoker"
)

// MetricsCollector receives processing and publishing measurements
type MetricsCollector interface {
	RecordProcessed(component, action string, outcome Outcome, duration time.Duration)
	RecordPublish(queue, action string, err error)
	RecordLeaseExtension(action string, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordProcessed(string, string, Outcome, time.Duration) {}
func (noopMetrics) RecordPublish(string, string, error)                    {}
func (noopMetrics) RecordLeaseExtension(string, error)                     {}

// NoopMetrics returns a collector that discards everything
func NoopMetrics() MetricsCollector {
	return noopMetrics{}
}
