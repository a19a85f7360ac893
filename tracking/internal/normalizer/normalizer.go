// Package normalizer validates provider payloads against declared schemas and
// emits canonical events.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

var (
	// ErrMalformedEvent marks schema violations. Use errors.As for the field list.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEventType marks undeclared (source, eventType) pairs.
	ErrUnknownEventType = errors.New("unknown event type")
)

// MalformedEventError lists the missing or invalid fields of a rejected payload.
type MalformedEventError struct {
	Kind   models.Kind
	Fields []string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: invalid or missing fields: %s", e.Kind, strings.Join(e.Fields, ", "))
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// envelope is the common webhook wrapper. Providers that post bare objects
// have their whole body treated as data.
type envelope struct {
	Event         string                 `json:"event"`
	ID            string                 `json:"id"`
	Timestamp     interface{}            `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Data          map[string]interface{} `json:"data"`
}

// Normalizer turns raw webhook bodies into canonical events.
type Normalizer struct {
	registry *Registry
}

// New creates a Normalizer over registry.
func New(registry *Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// Registry exposes the schema registry.
func (n *Normalizer) Registry() *Registry {
	return n.registry
}

// EventType extracts the declared event type from a raw body, or "" when absent.
func EventType(raw []byte) string {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Event
}

// Normalize validates raw against the schema of (source, eventType).
// eventType may be empty, in which case the envelope's "event" field is used.
func (n *Normalizer) Normalize(source, eventType string, raw []byte, receivedAt time.Time) (*models.CanonicalEvent, error) {
	var env envelope
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &MalformedEventError{Kind: models.Kind{Source: source, Type: eventType}, Fields: []string{"body"}}
	}
	// Re-decode into the envelope; body is known to be an object here.
	_ = json.Unmarshal(raw, &env)

	if eventType == "" {
		eventType = env.Event
	}
	kind := models.Kind{Source: source, Type: eventType}
	if eventType == "" {
		return nil, &MalformedEventError{Kind: kind, Fields: []string{"event"}}
	}

	schema, ok := n.registry.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, kind)
	}

	data := env.Data
	if data == nil {
		data = body
	}

	fields, bad := validate(schema, data)
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, &MalformedEventError{Kind: kind, Fields: bad}
	}

	receivedAt = receivedAt.UTC()
	event := &models.CanonicalEvent{
		EventID:       eventID(schema, env, fields, raw),
		CorrelationID: env.CorrelationID,
		SourceSystem:  source,
		EventType:     eventType,
		OccurredAt:    receivedAt,
		ReceivedAt:    receivedAt,
		Payload:       models.Payload{Kind: kind, Fields: fields},
	}

	if ts, ok := fields[schema.TimestampField].(time.Time); ok && schema.TimestampField != "" {
		event.OccurredAt = ts
	} else if env.Timestamp != nil {
		ts, err := parseDate(env.Timestamp)
		if err != nil {
			return nil, &MalformedEventError{Kind: kind, Fields: []string{"timestamp"}}
		}
		event.OccurredAt = ts
	}

	if event.CorrelationID == "" && schema.CorrelationField != "" {
		event.CorrelationID = models.Payload{Fields: fields}.String(schema.CorrelationField)
	}

	return event, nil
}

func eventID(schema *Schema, env envelope, fields map[string]interface{}, raw []byte) string {
	if env.ID != "" {
		return env.ID
	}
	if schema.IDField != "" {
		if id, ok := fields[schema.IDField].(string); ok && id != "" {
			return id
		}
	}
	// Redelivered bodies are byte identical, so the digest is stable across retries.
	sum := sha256.Sum256([]byte(schema.Kind.String() + "|" + string(raw)))
	return "evt_" + hex.EncodeToString(sum[:12])
}

// validate coerces declared fields and returns the names of those that failed.
// Undeclared fields pass through untouched.
func validate(schema *Schema, data map[string]interface{}) (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}

	var bad []string
	for _, field := range schema.Fields {
		v, present := data[field.Name]
		if !present || v == nil || v == "" {
			delete(out, field.Name)
			if field.Required {
				bad = append(bad, field.Name)
			}
			continue
		}
		coerced, err := coerce(field, v)
		if err != nil {
			bad = append(bad, field.Name)
			continue
		}
		out[field.Name] = coerced
	}
	return out, bad
}

func coerce(field FieldSpec, v interface{}) (interface{}, error) {
	switch field.Type {
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			// Numeric identifiers are common; keep them as their decimal text.
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		}
	case TypeNumber:
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err == nil {
				return f, nil
			}
		}
	case TypeDate:
		return parseDate(v)
	case TypeEnum:
		if s, ok := v.(string); ok {
			for _, allowed := range field.Values {
				if s == allowed {
					return s, nil
				}
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("field %s: expected %s", field.Name, field.Type)
}

func parseDate(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(secs), nil
		}
	case float64:
		return unixTime(t), nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %v", v)
}

func unixTime(secs float64) time.Time {
	// Millisecond epochs are larger than any plausible second epoch.
	if secs > 1e11 {
		secs /= 1000
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
}
