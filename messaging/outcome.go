package messaging

import (
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// Outcome is the terminal state of one delivery
type Outcome int

const (
	// OutcomeUnknown is the zero value. It settles as retryable so a result
	// that was never filled in cannot acknowledge a delivery.
	OutcomeUnknown Outcome = iota
	OutcomeCompleted
	OutcomeDeduplicated
	OutcomeFailedRetryable
	OutcomeFailedFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDeduplicated:
		return "deduplicated"
	case OutcomeFailedRetryable:
		return "failed_retryable"
	case OutcomeFailedFatal:
		return "failed_fatal"
	default:
		return "unknown"
	}
}

// Result describes how a delivery was processed
type Result struct {
	Outcome       Outcome
	Action        contracts.Action
	MessageID     string
	// CorrelationID is taken from the envelope, or transport metadata
	CorrelationID string
	Err           error
	Duration      time.Duration
}

// Succeeded reports whether the delivery should be acknowledged
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeDeduplicated
}

// failed builds a result from err using the failure taxonomy
func failed(err error) Result {
	if contracts.Classify(err) == contracts.KindFatal {
		return Result{Outcome: OutcomeFailedFatal, Err: err}
	}
	return Result{Outcome: OutcomeFailedRetryable, Err: err}
}

// Settle acknowledges or rejects d according to the result
func (r Result) Settle(d TransportDelivery) error {
	switch r.Outcome {
	case OutcomeCompleted, OutcomeDeduplicated:
		return d.Acknowledge()
	case OutcomeFailedRetryable, OutcomeUnknown:
		return d.Reject(true)
	default:
		if dl, ok := d.(DeadLetterer); ok && r.Err != nil {
			return dl.DeadLetter(r.Err)
		}
		return d.Reject(false)
	}
}
