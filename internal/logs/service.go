// Package logs is the log query service: it persists ingested events and
// serves them back to polling and streaming observers.
package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/repository"
	"github.com/berth-dev/berth/internal/ws"
)

// Service handles log persistence, querying and live streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores an ingested event and broadcasts it to live tails. The store
// assigns the cursor id; the event uuid is assigned here when missing.
func (s Service) Append(ctx context.Context, event *domain.LogEvent) error {
	if event.EventUUID == "" {
		event.EventUUID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.AppendLog(ctx, event); err != nil {
		return err
	}
	s.broadcast(*event)
	return nil
}

// List returns events for a deployment in creation order. A non-zero afterID
// acts as a cursor: only events ingested after it are returned.
func (s Service) List(ctx context.Context, deploymentID string, afterID int64, limit int) ([]domain.LogEvent, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID, afterID, limit)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(event domain.LogEvent) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(event.DeploymentID, data)
}

// MarshalEvent formats a log event for query and streaming payloads.
func MarshalEvent(event domain.LogEvent) ([]byte, error) {
	return json.Marshal(eventPayload(event))
}

// eventPayload is the JSON shape served to observers.
func eventPayload(event domain.LogEvent) map[string]any {
	payload := map[string]any{
		"id":            event.ID,
		"log_uuid":      event.EventUUID,
		"deployment_id": event.DeploymentID,
		"log_message":   event.Message,
		"log_level":     event.Level,
		"timestamp":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if event.EventType != "" {
		payload["event_type"] = event.EventType
	}
	if event.Status != "" {
		payload["status"] = event.Status
	}
	return payload
}

// MarshalEvents formats a list response preserving order.
func MarshalEvents(events []domain.LogEvent) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, eventPayload(event))
	}
	return out
}
