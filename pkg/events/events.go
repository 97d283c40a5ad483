// Package events defines the trigger events that start an invocation and the
// topics they travel on.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	// TriggerTopic carries run change notifications into the worker.
	TriggerTopic = "stepflow.run.triggers"

	// CompletionTopic carries invocation completion records out of the worker.
	CompletionTopic = "stepflow.run.completions"
)

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	// RunChangedEvent signals a change to a run document that may have made
	// a step runnable.
	RunChangedEvent EventType = "run.changed"

	// InvocationFinishedEvent is the completion record of one invocation.
	InvocationFinishedEvent EventType = "invocation.finished"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RunChanged is the trigger event: a notification that a run document was
// written. Subject carries the document path; the run id is recovered from
// it with SubjectParser. Duplicate and stale deliveries are expected, the
// claim protocol makes them safe.
type RunChanged struct {
	BaseEvent

	Subject string         `json:"subject"`
	Source  string         `json:"source,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e RunChanged) GetType() EventType {
	return RunChangedEvent
}

func NewRunChanged(subject, source string, data map[string]any) RunChanged {
	return RunChanged{
		BaseEvent: NewBaseEvent(RunChangedEvent),
		Subject:   subject,
		Source:    source,
		Data:      data,
	}
}

// InvocationFinished is the single completion record each invocation emits.
type InvocationFinished struct {
	BaseEvent

	RunID      string         `json:"run_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Outcome    string         `json:"outcome"`
	DurationMs int64          `json:"duration_ms"`
	Error      map[string]any `json:"error,omitempty"`
}

func (e InvocationFinished) GetType() EventType {
	return InvocationFinishedEvent
}
