package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across components.
const (
	FieldService       = "service"
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldTraceID       = "trace_id"
	FieldIP            = "ip"
	FieldChannel       = "channel"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldTaskID        = "task_id"
	FieldTarget        = "target"
	FieldLogicalKey    = "logical_key"
	FieldCorrelationID = "correlation_id"
	FieldAttempt       = "attempt"
	FieldTier          = "tier"
	FieldAlertKey      = "alert_key"
	FieldSecurity      = "security"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute for the component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// IP returns a slog attribute for the client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Channel returns a slog attribute for an inbound webhook channel or outbound notification channel.
func Channel(name string) slog.Attr {
	return slog.String(FieldChannel, name)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for a canonical event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// TaskID returns a slog attribute for a delivery task ID.
func TaskID(id string) slog.Attr {
	return slog.String(FieldTaskID, id)
}

// Target returns a slog attribute for an analytics store target resource.
func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}

// LogicalKey returns a slog attribute for a logical record key.
func LogicalKey(key string) slog.Attr {
	return slog.String(FieldLogicalKey, key)
}

// CorrelationID returns a slog attribute for a correlation ID.
func CorrelationID(id string) slog.Attr {
	return slog.String(FieldCorrelationID, id)
}

// Attempt returns a slog attribute for a delivery attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Tier returns a slog attribute for a scheduler tier.
func Tier(name string) slog.Attr {
	return slog.String(FieldTier, name)
}

// AlertKey returns a slog attribute for a notification bucket key.
func AlertKey(key string) slog.Attr {
	return slog.String(FieldAlertKey, key)
}

// Security marks a log line as security relevant.
func Security() slog.Attr {
	return slog.Bool(FieldSecurity, true)
}
