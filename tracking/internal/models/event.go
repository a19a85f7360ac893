// Package models defines the records that flow through the tracking service.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// Source systems, one per inbound webhook channel.
const (
	SourceOrders       = "orders"
	SourcePayments     = "payments"
	SourceShipping     = "shipping"
	SourceSupport      = "support"
	SourceInventory    = "inventory"
	SourceUserActivity = "user-activity"
)

// Kind tags a payload with the (source system, event type) pair whose schema validated it.
type Kind struct {
	Source string `json:"source"`
	Type   string `json:"type"`
}

func (k Kind) String() string {
	return k.Source + "/" + k.Type
}

// Payload is the validated body of an event. Fields only holds values that passed
// the schema declared for Kind: strings, float64 numbers, RFC3339 dates as time.Time,
// booleans, and undeclared pass-through values.
type Payload struct {
	Kind   Kind                   `json:"kind"`
	Fields map[string]interface{} `json:"fields"`
}

// String returns a field formatted as a string, or "" when absent.
func (p Payload) String(name string) string {
	v, ok := p.Fields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// Number returns a numeric field.
func (p Payload) Number(name string) (float64, bool) {
	v, ok := p.Fields[name].(float64)
	return v, ok
}

// Time returns a date field. Dates survive a JSON round trip as strings, so both forms are accepted.
func (p Payload) Time(name string) (time.Time, bool) {
	switch v := p.Fields[name].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// CanonicalEvent is the normalized, immutable form of an accepted webhook.
type CanonicalEvent struct {
	EventID        string    `json:"eventId"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	SourceSystem   string    `json:"sourceSystem"`
	EventType      string    `json:"eventType"`
	OccurredAt     time.Time `json:"occurredAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Payload        Payload   `json:"payload"`
	SignatureValid bool      `json:"signatureValid"`
}

// IdempotencyKey is the deterministic delivery key of the event.
func (e *CanonicalEvent) IdempotencyKey() string {
	return IdempotencyKey(e.SourceSystem, e.EventType, e.EventID)
}

// IdempotencyKey derives the delivery key from (sourceSystem, eventType, eventId).
func IdempotencyKey(source, eventType, eventID string) string {
	return source + ":" + eventType + ":" + eventID
}

// Row is one record written to the analytics store. Key is the upsert key: the
// logical record key, which is fixed for a given idempotency key, so replays land
// on the same row.
type Row struct {
	Key    string                 `json:"key"`
	Values map[string]interface{} `json:"values"`
}

// Equal reports whether two rows carry the same values, ignoring metadata columns
// that differ between every event.
func (r Row) Equal(other Row) bool {
	count := 0
	for k, v := range r.Values {
		if isMetaColumn(k) {
			continue
		}
		count++
		ov, ok := other.Values[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(ov) {
			return false
		}
	}
	for k := range other.Values {
		if !isMetaColumn(k) {
			count--
		}
	}
	return count == 0
}

// Metadata columns added to every row.
const (
	ColumnKey            = "_key"
	ColumnIdempotencyKey = "_idempotency_key"
	ColumnEventID        = "event_id"
	ColumnEventType      = "event_type"
	ColumnSourceSystem   = "source_system"
	ColumnOccurredAt     = "occurred_at"
	ColumnCorrelationID  = "correlation_id"
)

func isMetaColumn(name string) bool {
	switch name {
	case ColumnKey, ColumnIdempotencyKey, ColumnEventID, ColumnEventType, ColumnSourceSystem, ColumnOccurredAt, ColumnCorrelationID:
		return true
	}
	return false
}
