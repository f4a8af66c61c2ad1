package domain

import "time"

// Log severity levels carried on the wire.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogEvent is a single append-only progress message for a deployment. The
// store assigns ID (the polling cursor) and CreatedAt at ingestion time.
type LogEvent struct {
	ID           int64
	EventUUID    string
	DeploymentID string
	Message      string
	Level        string
	EventType    string
	Status       string
	CreatedAt    time.Time
}
