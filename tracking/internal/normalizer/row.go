package normalizer

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// Projection is the delivery shape of an event: where it goes and which record it updates.
type Projection struct {
	Target     string
	LogicalKey string
	Row        models.Row
}

// Project maps an event onto its target row. The row is keyed by the logical
// record key; events without a logical key field are append-only and use their
// idempotency key instead.
func (n *Normalizer) Project(event *models.CanonicalEvent) (Projection, error) {
	schema, ok := n.registry.Lookup(event.Payload.Kind)
	if !ok {
		return Projection{}, fmt.Errorf("%w: %s", ErrUnknownEventType, event.Payload.Kind)
	}

	idem := event.IdempotencyKey()
	logical := idem
	if schema.LogicalKeyField != "" {
		if lk := event.Payload.String(schema.LogicalKeyField); lk != "" {
			logical = lk
		}
	}

	values := map[string]interface{}{
		models.ColumnKey:            logical,
		models.ColumnIdempotencyKey: idem,
		models.ColumnEventID:        event.EventID,
		models.ColumnEventType:      event.EventType,
		models.ColumnSourceSystem:   event.SourceSystem,
		models.ColumnOccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339),
		models.ColumnCorrelationID:  event.CorrelationID,
	}
	for _, col := range schema.Columns {
		v, ok := event.Payload.Fields[col]
		if !ok {
			v = ""
		}
		if ts, isTime := v.(time.Time); isTime {
			v = ts.UTC().Format(time.RFC3339)
		}
		values[ColumnName(col)] = v
	}

	return Projection{
		Target:     schema.Target,
		LogicalKey: logical,
		Row:        models.Row{Key: logical, Values: values},
	}, nil
}

// ColumnName converts a camelCase payload field into a snake_case column.
func ColumnName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
