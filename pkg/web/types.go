// Package web provides the HTTP receiver that turns pushed change
// notifications into worker invocations.
package web

// TriggerRequest is the pushed notification body: a CloudEvents-style
// envelope whose subject encodes the changed run document path.
type TriggerRequest struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Subject string         `json:"subject" validate:"required"`
	Source  string         `json:"source"`
	Data    map[string]any `json:"data,omitempty"`
}

// TriggerResponse reports how the invocation ended.
type TriggerResponse struct {
	Outcome string `json:"outcome"`
}
