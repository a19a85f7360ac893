package reports

import (
	"context"
	"fmt"
	"sort"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/notify"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

// Summary is the business summary of a period.
type Summary struct {
	Orders             int
	Revenue            float64
	AverageOrderValue  float64
	Cancelled          int
	FailedPayments     int
	Refunded           float64
	Deliveries         int
	ShippingExceptions int
	TicketsOpened      int
	TicketsResolved    int
	Customers          int
}

// Values returns the summary as report and row columns.
func (s Summary) Values() map[string]interface{} {
	return map[string]interface{}{
		"orders":              s.Orders,
		"revenue":             round(s.Revenue),
		"average_order_value": s.AverageOrderValue,
		"cancelled_orders":    s.Cancelled,
		"failed_payments":     s.FailedPayments,
		"refunded":            round(s.Refunded),
		"deliveries":          s.Deliveries,
		"shipping_exceptions": s.ShippingExceptions,
		"tickets_opened":      s.TicketsOpened,
		"tickets_resolved":    s.TicketsResolved,
		"customers":           s.Customers,
	}
}

var summarySources = []string{models.SourceOrders, models.SourcePayments, models.SourceShipping, models.SourceSupport}

// ComputeSummary summarizes order, payment, shipping and support events. Each
// record counts once per event type however many times it was redelivered.
func ComputeSummary(events []models.CanonicalEvent) Summary {
	seen := map[string]struct{}{}
	first := func(e models.CanonicalEvent, keyField string) bool {
		k := e.EventType + "|" + e.Payload.String(keyField)
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
		return true
	}

	var s Summary
	customers := map[string]struct{}{}
	for _, e := range events {
		switch e.EventType {
		case "order.created":
			if !first(e, "orderId") {
				continue
			}
			s.Orders++
			if v, ok := e.Payload.Number("amount"); ok {
				s.Revenue += v
			}
			if c := e.Payload.String("customerId"); c != "" {
				customers[c] = struct{}{}
			}
		case "order.cancelled":
			if first(e, "orderId") {
				s.Cancelled++
			}
		case "payment.failed":
			if first(e, "paymentId") {
				s.FailedPayments++
			}
		case "payment.refunded":
			if first(e, "paymentId") {
				if v, ok := e.Payload.Number("amount"); ok {
					s.Refunded += v
				}
			}
		case "shipment.delivered":
			if first(e, "shipmentId") {
				s.Deliveries++
			}
		case "shipment.exception":
			if first(e, "shipmentId") {
				s.ShippingExceptions++
			}
		case "ticket.created":
			if first(e, "ticketId") {
				s.TicketsOpened++
			}
		case "ticket.resolved":
			if first(e, "ticketId") {
				s.TicketsResolved++
			}
		}
	}
	s.Customers = len(customers)
	s.AverageOrderValue = ratio(s.Revenue, float64(s.Orders))
	return s
}

func (j *Jobs) summarize(ctx context.Context, period scheduler.Period) (Summary, error) {
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: summarySources, From: period.Start, To: period.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return Summary{}, err
	}
	return ComputeSummary(events), nil
}

// DailySummary delivers and dispatches the daily business summary.
func (j *Jobs) DailySummary(ctx context.Context, period scheduler.Period) (int, error) {
	summary, err := j.summarize(ctx, period)
	if err != nil {
		return 0, err
	}
	day := period.Start.UTC().Format("2006-01-02")
	values := summary.Values()
	values["date"] = day
	n, err := j.deliver(ctx, TargetDailySummary, []models.Row{row("daily:"+day, period, values)})
	if err != nil {
		return n, err
	}
	return n, j.report(ctx, &notify.Report{
		Name:        "daily",
		Title:       "Daily summary " + day,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Summary:     summary.Values(),
	})
}

// Forecast is the projected stock-out of one SKU.
type Forecast struct {
	SKU                  string
	SupplierID           string
	Quantity             float64
	MeanDailyConsumption float64
	// DaysToStockout is negative when stock is not being consumed.
	DaysToStockout float64
}

// ComputeForecasts projects stock-outs from quantity changes within a window of
// the given number of days. Consumption is the sum of quantity decreases
// between consecutive observations; restocks are ignored.
func ComputeForecasts(events []models.CanonicalEvent, days float64) []Forecast {
	bySKU := map[string][]models.CanonicalEvent{}
	for _, e := range events {
		if sku := e.Payload.String("sku"); sku != "" {
			bySKU[sku] = append(bySKU[sku], e)
		}
	}

	out := make([]Forecast, 0, len(bySKU))
	for sku, evs := range bySKU {
		sort.SliceStable(evs, func(i, k int) bool { return evs[i].OccurredAt.Before(evs[k].OccurredAt) })
		var consumed, last float64
		supplier := ""
		for i, e := range evs {
			q, _ := e.Payload.Number("quantity")
			if i > 0 && q < last {
				consumed += last - q
			}
			last = q
			if s := e.Payload.String("supplierId"); s != "" {
				supplier = s
			}
		}
		f := Forecast{SKU: sku, SupplierID: supplier, Quantity: last, DaysToStockout: -1}
		if days > 0 {
			f.MeanDailyConsumption = round(consumed / days)
		}
		if f.MeanDailyConsumption > 0 {
			f.DaysToStockout = round(last / f.MeanDailyConsumption)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SKU < out[k].SKU })
	return out
}

// InventoryForecast delivers stock-out forecasts and raises a medium alert for
// every SKU projected to run out within the configured number of days.
func (j *Jobs) InventoryForecast(ctx context.Context, period scheduler.Period) (int, error) {
	window := scheduler.Period{Start: period.End.Add(-j.cfg.ForecastWindow), End: period.End}
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceInventory}, From: window.Start, To: window.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return 0, err
	}

	forecasts := ComputeForecasts(events, j.cfg.ForecastWindow.Hours()/24)
	rows := make([]models.Row, 0, len(forecasts))
	for _, f := range forecasts {
		rows = append(rows, row("forecast:"+f.SKU, window, map[string]interface{}{
			"sku":                    f.SKU,
			"supplier_id":            f.SupplierID,
			"current_quantity":       f.Quantity,
			"mean_daily_consumption": f.MeanDailyConsumption,
			"days_to_stockout":       f.DaysToStockout,
			"forecast_date":          period.End.UTC().Format("2006-01-02"),
		}))
		if f.DaysToStockout >= 0 && f.DaysToStockout <= j.cfg.StockoutDays && j.deps.Alerts != nil {
			msg := fmt.Sprintf("SKU '%s' projected to stock out in %.1f days", f.SKU, f.DaysToStockout)
			if err := j.deps.Alerts.Record(ctx, AlertStockout, models.SeverityMedium, msg); err != nil {
				j.log.WarnContext(ctx, "failed to record stock-out alert", logging.Error(err))
			}
		}
	}
	return j.deliver(ctx, TargetInventoryForecast, rows)
}
