package seeder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

var requiredFields = map[string][]string{
	"orders":        {"orderId", "amount"},
	"payments":      {"paymentId", "orderId", "amount"},
	"shipping":      {"shipmentId", "orderId", "carrier"},
	"support":       {"ticketId", "customerId", "priority"},
	"inventory":     {"sku", "quantity"},
	"user-activity": {"sessionId"},
}

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(42, start, 24*time.Hour).Generate(10, 10, nil)
	b := NewGenerator(42, start, 24*time.Hour).Generate(10, 10, nil)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Envelope, b[i].Envelope)
	}

	c := NewGenerator(43, start, 24*time.Hour).Generate(10, 10, nil)
	assert.NotEqual(t, a[0].Envelope.ID, c[0].Envelope.ID)
}

func TestGenerator_EnvelopesCarryRequiredFields(t *testing.T) {
	webhooks := NewGenerator(7, start, 24*time.Hour).Generate(50, 50, nil)
	require.NotEmpty(t, webhooks)

	seen := map[string]bool{}
	for _, w := range webhooks {
		seen[w.Channel] = true
		for _, field := range requiredFields[w.Channel] {
			assert.Contains(t, w.Envelope.Data, field, "%s %s", w.Channel, w.Envelope.Event)
		}
		assert.NotEmpty(t, w.Envelope.ID)
		assert.NotEmpty(t, w.Envelope.CorrelationID)

		_, err := time.Parse(time.RFC3339, w.Envelope.Timestamp)
		assert.NoError(t, err)

		body, err := w.Body()
		require.NoError(t, err)
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.Equal(t, w.Envelope.Event, decoded["event"])
	}
	for _, ch := range Channels {
		assert.True(t, seen[ch], "no %s events generated", ch)
	}
}

func TestGenerator_LifecycleOrdered(t *testing.T) {
	webhooks := NewGenerator(1, start, time.Hour).Orders(20)

	for i := 1; i < len(webhooks); i++ {
		assert.False(t, webhooks[i].OccurredAt.Before(webhooks[i-1].OccurredAt))
	}

	created := map[string]time.Time{}
	for _, w := range webhooks {
		if w.Envelope.Event == "order.created" {
			created[w.Envelope.CorrelationID] = w.OccurredAt
		}
	}
	require.Len(t, created, 20)
	for _, w := range webhooks {
		if w.Channel == "inventory" {
			continue
		}
		first, ok := created[w.Envelope.CorrelationID]
		require.True(t, ok, "%s correlates to an unknown order", w.Envelope.Event)
		assert.False(t, w.OccurredAt.Before(first))
	}
}

func TestGenerator_ChannelFilter(t *testing.T) {
	webhooks := NewGenerator(3, start, time.Hour).Generate(10, 10, []string{"payments"})
	require.NotEmpty(t, webhooks)
	for _, w := range webhooks {
		assert.Equal(t, "payments", w.Channel)
	}
}
