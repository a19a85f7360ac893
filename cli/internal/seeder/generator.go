// Package seeder generates realistic, correlated webhook traffic for every
// tracking channel and replays it against a running service.
package seeder

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Channels are the inbound webhook channels the generator knows about.
var Channels = []string{"orders", "payments", "shipping", "support", "inventory", "user-activity"}

// Envelope is the webhook body accepted by the tracking service.
type Envelope struct {
	Event         string                 `json:"event"`
	ID            string                 `json:"id"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Data          map[string]interface{} `json:"data"`
}

// Webhook is one generated delivery.
type Webhook struct {
	Channel    string
	Envelope   Envelope
	OccurredAt time.Time
}

// Body returns the JSON request body.
func (w Webhook) Body() ([]byte, error) {
	return json.Marshal(w.Envelope)
}

// Generator builds order lifecycles and storefront sessions.
// The same seed and start time always produce the same traffic.
type Generator struct {
	faker *gofakeit.Faker
	start time.Time
	span  time.Duration
	skus  []string
}

// NewGenerator creates a Generator whose events fall in [start, start+span).
func NewGenerator(seed int64, start time.Time, span time.Duration) *Generator {
	if span <= 0 {
		span = time.Hour
	}
	f := gofakeit.New(seed)
	skus := make([]string, 12)
	for i := range skus {
		skus[i] = "SKU-" + f.DigitN(6)
	}
	return &Generator{faker: f, start: start.UTC(), span: span, skus: skus}
}

// Orders generates n order lifecycles: order, payment, shipment, the occasional
// support ticket and the inventory movements the order causes.
func (g *Generator) Orders(n int) []Webhook {
	var out []Webhook
	for i := 0; i < n; i++ {
		out = append(out, g.orderLifecycle()...)
	}
	sortByTime(out)
	return out
}

// Sessions generates n storefront browsing sessions.
func (g *Generator) Sessions(n int) []Webhook {
	var out []Webhook
	for i := 0; i < n; i++ {
		out = append(out, g.session()...)
	}
	sortByTime(out)
	return out
}

// Generate returns orders and sessions merged in time order, limited to channels
// when any are given.
func (g *Generator) Generate(orders, sessions int, channels []string) []Webhook {
	all := append(g.Orders(orders), g.Sessions(sessions)...)
	sortByTime(all)
	if len(channels) == 0 {
		return all
	}
	keep := make(map[string]bool, len(channels))
	for _, c := range channels {
		keep[c] = true
	}
	filtered := all[:0]
	for _, w := range all {
		if keep[w.Channel] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

func (g *Generator) orderLifecycle() []Webhook {
	f := g.faker
	at := g.start.Add(time.Duration(f.Int64() % int64(g.span)))
	if at.Before(g.start) {
		at = at.Add(g.span)
	}

	orderID := "ord_" + f.LetterN(10)
	customerID := "cus_" + f.LetterN(8)
	email := f.Email()
	currency := f.RandomString([]string{"USD", "EUR", "GBP"})
	items := f.Number(1, 5)
	amount := round2(f.Price(10, 500))

	order := func(event, status string, t time.Time) Webhook {
		return g.webhook("orders", event, orderID, t, map[string]interface{}{
			"orderId":       orderID,
			"amount":        amount,
			"currency":      currency,
			"status":        status,
			"customerId":    customerID,
			"customerEmail": email,
			"itemCount":     items,
		})
	}

	out := []Webhook{order("order.created", "pending", at)}

	at = at.Add(g.minutes(1, 10))
	paymentID := "pay_" + f.LetterN(10)
	method := f.RandomString([]string{"card", "paypal", "bank_transfer", "wallet"})
	if f.Number(1, 100) <= 8 {
		out = append(out, g.webhook("payments", "payment.failed", orderID, at, map[string]interface{}{
			"paymentId":     paymentID,
			"orderId":       orderID,
			"amount":        amount,
			"currency":      currency,
			"method":        method,
			"failureReason": f.RandomString([]string{"card_declined", "insufficient_funds", "expired_card"}),
		}))
		out = append(out, order("order.cancelled", "cancelled", at.Add(g.minutes(5, 60))))
		return out
	}
	out = append(out,
		g.webhook("payments", "payment.succeeded", orderID, at, map[string]interface{}{
			"paymentId": paymentID,
			"orderId":   orderID,
			"amount":    amount,
			"currency":  currency,
			"method":    method,
		}),
		order("order.updated", "paid", at.Add(time.Second)),
	)

	for i := 0; i < items; i++ {
		sku := g.skus[f.Number(0, len(g.skus)-1)]
		quantity := f.Number(0, 120)
		event := "inventory.updated"
		if quantity < 10 {
			event = "inventory.low_stock"
		}
		out = append(out, g.webhook("inventory", event, sku, at.Add(time.Duration(i+2)*time.Second), map[string]interface{}{
			"sku":        sku,
			"quantity":   quantity,
			"productId":  "prod_" + sku[4:],
			"supplierId": "sup_" + f.LetterN(4),
			"threshold":  10,
		}))
	}

	at = at.Add(g.minutes(60, 24*60))
	shipmentID := "shp_" + f.LetterN(10)
	carrier := f.RandomString([]string{"ups", "fedex", "dhl", "usps"})
	tracking := f.Numerify("1Z##########")
	eta := at.Add(g.minutes(2*24*60, 6*24*60)).Format("2006-01-02")
	shipment := func(event, status string, t time.Time) Webhook {
		return g.webhook("shipping", event, orderID, t, map[string]interface{}{
			"shipmentId":        shipmentID,
			"orderId":           orderID,
			"carrier":           carrier,
			"trackingNumber":    tracking,
			"status":            status,
			"estimatedDelivery": eta,
		})
	}
	out = append(out, shipment("shipment.created", "label_created", at), order("order.updated", "shipped", at.Add(time.Second)))

	at = at.Add(g.minutes(60, 12*60))
	out = append(out, shipment("shipment.in_transit", "in_transit", at))

	at = at.Add(g.minutes(12*60, 4*24*60))
	if f.Number(1, 100) <= 5 {
		out = append(out, shipment("shipment.exception", "exception", at))
		out = append(out, g.ticket(orderID, customerID, at.Add(g.minutes(10, 120)), "high")...)
		return out
	}
	out = append(out, shipment("shipment.delivered", "delivered", at), order("order.fulfilled", "delivered", at.Add(time.Second)))

	if f.Number(1, 100) <= 15 {
		out = append(out, g.ticket(orderID, customerID, at.Add(g.minutes(60, 3*24*60)), f.RandomString([]string{"low", "normal"}))...)
	}
	return out
}

func (g *Generator) ticket(orderID, customerID string, at time.Time, priority string) []Webhook {
	f := g.faker
	ticketID := "tkt_" + f.LetterN(8)
	agentID := "agt_" + f.LetterN(4)
	base := map[string]interface{}{
		"ticketId":   ticketID,
		"customerId": customerID,
		"orderId":    orderID,
		"priority":   priority,
		"status":     "open",
	}
	created := g.webhook("support", "ticket.created", orderID, at, base)

	responded := f.Number(5, 240)
	updated := copyData(base)
	updated["status"] = "pending"
	updated["agentId"] = agentID
	updated["firstResponseMinutes"] = responded

	resolved := copyData(updated)
	resolved["status"] = "resolved"
	resolved["satisfaction"] = f.Number(1, 5)

	first := at.Add(time.Duration(responded) * time.Minute)
	return []Webhook{
		created,
		g.webhook("support", "ticket.updated", orderID, first, updated),
		g.webhook("support", "ticket.resolved", orderID, first.Add(g.minutes(30, 48*60)), resolved),
	}
}

func (g *Generator) session() []Webhook {
	f := g.faker
	at := g.start.Add(time.Duration(f.Int64() % int64(g.span)))
	if at.Before(g.start) {
		at = at.Add(g.span)
	}
	sessionID := "ses_" + f.LetterN(12)
	userID := ""
	if f.Bool() {
		userID = "cus_" + f.LetterN(8)
	}

	event := func(name string, extra map[string]interface{}) Webhook {
		data := map[string]interface{}{"sessionId": sessionID}
		if userID != "" {
			data["userId"] = userID
		}
		for k, v := range extra {
			data[k] = v
		}
		w := g.webhook("user-activity", name, sessionID, at, data)
		at = at.Add(time.Duration(f.Number(5, 180)) * time.Second)
		return w
	}

	out := []Webhook{event("session.started", map[string]interface{}{"url": "https://shop.example.com/"})}
	for i, views := 0, f.Number(1, 6); i < views; i++ {
		sku := g.skus[f.Number(0, len(g.skus)-1)]
		product := "prod_" + sku[4:]
		out = append(out, event("product.viewed", map[string]interface{}{
			"productId": product,
			"url":       "https://shop.example.com/p/" + product,
		}))
		if f.Number(1, 100) <= 30 {
			out = append(out, event("cart.added", map[string]interface{}{
				"productId": product,
				"value":     round2(f.Price(5, 200)),
			}))
		}
	}
	if f.Number(1, 100) <= 25 {
		value := round2(f.Price(10, 500))
		out = append(out, event("checkout.started", map[string]interface{}{"value": value}))
		if f.Number(1, 100) <= 70 {
			out = append(out, event("checkout.completed", map[string]interface{}{"value": value}))
		}
	}
	return out
}

func (g *Generator) webhook(channel, event, correlationID string, at time.Time, data map[string]interface{}) Webhook {
	data["timestamp"] = at.Format(time.RFC3339)
	return Webhook{
		Channel:    channel,
		OccurredAt: at,
		Envelope: Envelope{
			Event:         event,
			ID:            "evt_" + g.faker.LetterN(16),
			Timestamp:     at.Format(time.RFC3339),
			CorrelationID: correlationID,
			Data:          data,
		},
	}
}

func (g *Generator) minutes(min, max int) time.Duration {
	return time.Duration(g.faker.Number(min, max)) * time.Minute
}

func copyData(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortByTime(ws []Webhook) {
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].OccurredAt.Before(ws[j].OccurredAt) })
}
