package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent is an operator action on reputation data
type AuditEvent struct {
	EventType  string                 `json:"event_type"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Status     string                 `json:"status"` // success, failure
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AuditLogger writes operator actions to a dedicated log stream
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With(zap.String("log_type", "audit"))}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	if event.Status == "failure" {
		a.logger.Error("Audit event", fields...)
		return
	}
	a.logger.Info("Audit event", fields...)
}

// LogReputationChange records a block, unblock or trust of a device or IP
func (a *AuditLogger) LogReputationChange(actor, resource, resourceID, action, reason string, err error) {
	event := &AuditEvent{
		EventType:  resource + "." + action,
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Status:     "success",
		Reason:     reason,
		Timestamp:  time.Now(),
	}
	if err != nil {
		event.Status = "failure"
		event.Metadata = map[string]interface{}{"error": err.Error()}
	}
	a.Log(event)
}
