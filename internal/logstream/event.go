// Package logstream carries structured build progress events between the
// build agent and the orchestrator over the message broker.
package logstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types. Plain log lines use EventTypeLog; the terminal outcome is
// additionally published as a typed status event in the same stream so
// observers do not need to pattern-match message text.
const (
	EventTypeLog    = "log"
	EventTypeStatus = "status"
)

// Terminal status values carried on status events.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Completion phrases. The success phrase is a wire contract: polling clients
// match it byte-for-byte to detect the end of a build.
const (
	SuccessPhrase = "Deployment completed successfully!"
	FailurePrefix = "Deployment failed"
)

// Event is the broker payload, one event per message.
type Event struct {
	DeploymentID string `json:"deployment_id"`
	Message      string `json:"log_message"`
	Level        string `json:"log_level"`
	EventType    string `json:"event_type,omitempty"`
	Status       string `json:"status,omitempty"`
}

// Validate checks the fields required for correlation and ingestion.
func (e Event) Validate() error {
	if strings.TrimSpace(e.DeploymentID) == "" {
		return fmt.Errorf("event missing deployment id")
	}
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Errorf("event missing message")
	}
	return nil
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a broker payload into an Event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode log event: %w", err)
	}
	if e.EventType == "" {
		e.EventType = EventTypeLog
	}
	return e, nil
}

// SubjectFor derives the broker subject for a deployment id. Dots would split
// subject tokens, so they are replaced before joining.
func SubjectFor(prefix, deploymentID string) string {
	safe := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(deploymentID)
	return prefix + "." + safe
}
