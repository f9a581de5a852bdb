// Package sagalog defines the domain types for the Saga Log pattern.
//
// A Saga Log is a durable audit trail of every state transition a saga goes
// through. The live instance in the shared store is what recovery reads; the
// log is what operators read afterwards, long after the instance has expired,
// and it links each transition to its distributed trace via trace_id.
package sagalog

import "time"

// Event names a transition written to the log.
type Event string

const (
	EventStarted            Event = "STARTED"
	EventStepDone           Event = "STEP_DONE"
	EventStepFailed         Event = "STEP_FAILED"
	EventCompensating       Event = "COMPENSATING"
	EventStepCompensated    Event = "STEP_COMPENSATED"
	EventCompensationFailed Event = "COMPENSATION_FAILED"
	EventRecovered          Event = "RECOVERED"
	EventCompleted          Event = "COMPLETED"
	EventCompensated        Event = "COMPENSATED"
	EventFailed             Event = "FAILED"
)

// SagaLog is a single row in the saga_logs table.
type SagaLog struct {
	SagaID string

	// CorrelationID ties the saga to the request that started it.
	CorrelationID string

	Event Event

	// CurrentStep is the name of the step that was just executed or failed.
	CurrentStep string

	// Payload is the JSON input that started the saga. Written on STARTED
	// only.
	Payload string

	// ErrorMessages accumulates failure details as a JSON array.
	ErrorMessages string

	// TraceID and SpanID identify the OpenTelemetry span active when the
	// entry was written.
	TraceID string
	SpanID  string

	UpdatedAt time.Time
}
