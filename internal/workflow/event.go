// Package workflow holds the narrow, deterministic domain types shared by
// the replay engine and the execution context: events, folded state, and
// the execution-context contract user step code is given.
package workflow

import (
	"encoding/json"
	"time"
)

// EventType tags an Event's payload shape. See the type table in the
// design doc for the payload each type carries.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventStateSet          EventType = "STATE_SET"
	EventStateUpdate       EventType = "STATE_UPDATE"
	EventActivityScheduled EventType = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventType = "ACTIVITY_FAILED"
	EventTimerScheduled    EventType = "TIMER_SCHEDULED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventStepCompleted     EventType = "STEP_COMPLETED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
)

// Event is a single, immutable entry in a workflow's history. Ordinal
// defines total order within the owning workflow (I3); once appended an
// Event is never modified or deleted (I1).
type Event struct {
	Ordinal    int64           `json:"ordinal" db:"id"`
	WorkflowID string          `json:"workflow_id" db:"workflow_id"`
	Type       EventType       `json:"type" db:"type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent builds an Event with an encoded payload, ready to append. The
// ordinal and created_at are assigned by the store on append.
func NewEvent(workflowID string, typ EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{WorkflowID: workflowID, Type: typ, Payload: raw}, nil
}

// Payload shapes, one per EventType. These are the wire contract other
// languages' bindings serialize against, so field names are fixed.

type WorkflowStartedPayload struct {
	Input json.RawMessage `json:"input"`
}

type StateSetPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type StateUpdatePayload struct {
	NewState json.RawMessage `json:"new_state"`
}

type ActivityScheduledPayload struct {
	ActivityID string          `json:"activity_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Attempt    int             `json:"attempt"`
}

type ActivityCompletedPayload struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result"`
}

type ActivityFailedPayload struct {
	ActivityID   string `json:"activity_id"`
	Error        string `json:"error"`
	AttemptsUsed int    `json:"attempts_used"`
}

type TimerScheduledPayload struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

type TimerFiredPayload struct {
	TimerID string `json:"timer_id"`
}

type SignalReceivedPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type StepCompletedPayload struct {
	StepName string `json:"step_name"`
}

type WorkflowCompletedPayload struct {
	FinalState json.RawMessage `json:"final_state"`
}

type WorkflowFailedPayload struct {
	Error string `json:"error"`
}

type WorkflowCancelledPayload struct {
	Reason string `json:"reason"`
}
