package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/commerce"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

// Drain delivers every due task and requeues stale in-flight ones.
func (j *Jobs) Drain(ctx context.Context, _ scheduler.Period) (int, error) {
	return j.deps.Engine.Drain(ctx)
}

type resyncEnvelope struct {
	Event     string                 `json:"event"`
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// resyncID is stable for a given record version, so pulling the same change
// twice is deduplicated by the engine.
func resyncID(kind, key string, updatedAt time.Time) string {
	return "resync-" + kind + "-" + key + "-" + strconv.FormatInt(updatedAt.UnixMilli(), 10)
}

// ResyncOrders pulls orders changed during the period from the commerce
// backend and submits them as order.updated events.
func (j *Jobs) ResyncOrders(ctx context.Context, period scheduler.Period) (int, error) {
	if !j.deps.Commerce.Enabled() {
		return 0, nil
	}
	orders, err := j.deps.Commerce.UpdatedOrders(ctx, period.Start)
	if err != nil {
		return 0, err
	}
	envs := make([]resyncEnvelope, 0, len(orders))
	for _, o := range orders {
		envs = append(envs, orderEnvelope(o))
	}
	return j.resubmit(ctx, models.SourceOrders, envs)
}

// ResyncInventory pulls stock levels changed during the period and submits
// them as inventory.updated, or inventory.low_stock at or under the threshold.
func (j *Jobs) ResyncInventory(ctx context.Context, period scheduler.Period) (int, error) {
	if !j.deps.Commerce.Enabled() {
		return 0, nil
	}
	levels, err := j.deps.Commerce.UpdatedInventory(ctx, period.Start)
	if err != nil {
		return 0, err
	}
	envs := make([]resyncEnvelope, 0, len(levels))
	for _, l := range levels {
		envs = append(envs, stockEnvelope(l))
	}
	return j.resubmit(ctx, models.SourceInventory, envs)
}

func orderEnvelope(o commerce.Order) resyncEnvelope {
	ts := o.UpdatedAt.UTC().Format(time.RFC3339Nano)
	data := map[string]interface{}{
		"orderId":   o.OrderID,
		"amount":    o.Total,
		"itemCount": o.ItemCount,
		"timestamp": ts,
	}
	if o.Currency != "" {
		data["currency"] = o.Currency
	}
	if o.Status != "" {
		data["status"] = o.Status
	}
	if o.CustomerID != "" {
		data["customerId"] = o.CustomerID
	}
	if o.CustomerEmail != "" {
		data["customerEmail"] = o.CustomerEmail
	}
	return resyncEnvelope{Event: "order.updated", ID: resyncID("order", o.OrderID, o.UpdatedAt), Timestamp: ts, Data: data}
}

func stockEnvelope(l commerce.StockLevel) resyncEnvelope {
	ts := l.UpdatedAt.UTC().Format(time.RFC3339Nano)
	eventType := "inventory.updated"
	if l.Threshold > 0 && l.Quantity <= l.Threshold {
		eventType = "inventory.low_stock"
	}
	data := map[string]interface{}{
		"sku":       l.SKU,
		"quantity":  l.Quantity,
		"threshold": l.Threshold,
		"timestamp": ts,
	}
	if l.ProductID != "" {
		data["productId"] = l.ProductID
	}
	if l.SupplierID != "" {
		data["supplierId"] = l.SupplierID
	}
	return resyncEnvelope{Event: eventType, ID: resyncID("stock", l.SKU, l.UpdatedAt), Timestamp: ts, Data: data}
}

func (j *Jobs) resubmit(ctx context.Context, source string, envs []resyncEnvelope) (int, error) {
	submitted := 0
	var firstErr error
	failed := 0
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err == nil {
			_, err = j.deps.Submitter.Submit(ctx, source, env.Event, raw)
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			j.log.WarnContext(ctx, "resync submission rejected", logging.EventID(env.ID), logging.EventType(env.Event), logging.Error(err))
			continue
		}
		submitted++
	}
	if failed > 0 {
		return submitted, fmt.Errorf("%d of %d %s records rejected: %w", failed, len(envs), source, firstErr)
	}
	return submitted, nil
}
