package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/notify"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

// Customer segments.
const (
	SegmentChampions   = "champions"
	SegmentLoyal       = "loyal"
	SegmentNew         = "new"
	SegmentAtRisk      = "at_risk"
	SegmentHibernating = "hibernating"
	SegmentPotential   = "potential"
)

// CustomerScore is a customer's recency, frequency and monetary standing.
type CustomerScore struct {
	CustomerID  string
	LastOrderAt time.Time
	RecencyDays int
	Orders      int
	Spend       float64
	R, F, M     int
	Segment     string
}

func scoreRecency(days int) int {
	switch {
	case days <= 30:
		return 5
	case days <= 60:
		return 4
	case days <= 90:
		return 3
	case days <= 180:
		return 2
	}
	return 1
}

func scoreFrequency(orders int) int {
	switch {
	case orders >= 10:
		return 5
	case orders >= 5:
		return 4
	case orders >= 3:
		return 3
	case orders >= 2:
		return 2
	}
	return 1
}

func scoreMonetary(spend float64) int {
	switch {
	case spend >= 1000:
		return 5
	case spend >= 500:
		return 4
	case spend >= 200:
		return 3
	case spend >= 50:
		return 2
	}
	return 1
}

func segment(r, f int) string {
	switch {
	case r >= 4 && f >= 4:
		return SegmentChampions
	case r >= 4 && f == 1:
		return SegmentNew
	case f >= 4:
		return SegmentLoyal
	case r <= 2 && f >= 3:
		return SegmentAtRisk
	case r <= 2:
		return SegmentHibernating
	}
	return SegmentPotential
}

// ComputeSegments scores every ordering customer as of asOf, sorted by customer.
func ComputeSegments(events []models.CanonicalEvent, asOf time.Time) []CustomerScore {
	scores := map[string]*CustomerScore{}
	seen := map[string]struct{}{}
	for _, e := range events {
		if e.EventType != "order.created" {
			continue
		}
		customer := e.Payload.String("customerId")
		order := e.Payload.String("orderId")
		if customer == "" {
			continue
		}
		if _, dup := seen[order]; dup {
			continue
		}
		seen[order] = struct{}{}
		s := scores[customer]
		if s == nil {
			s = &CustomerScore{CustomerID: customer}
			scores[customer] = s
		}
		s.Orders++
		if v, ok := e.Payload.Number("amount"); ok {
			s.Spend += v
		}
		if e.OccurredAt.After(s.LastOrderAt) {
			s.LastOrderAt = e.OccurredAt
		}
	}

	out := make([]CustomerScore, 0, len(scores))
	for _, s := range scores {
		s.RecencyDays = int(asOf.Sub(s.LastOrderAt).Hours() / 24)
		s.Spend = round(s.Spend)
		s.R, s.F, s.M = scoreRecency(s.RecencyDays), scoreFrequency(s.Orders), scoreMonetary(s.Spend)
		s.Segment = segment(s.R, s.F)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CustomerID < out[k].CustomerID })
	return out
}

func (j *Jobs) segments(ctx context.Context, period scheduler.Period) ([]CustomerScore, error) {
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceOrders}, Types: []string{"order.created"}, From: period.End.Add(-j.cfg.SegmentWindow), To: period.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return ComputeSegments(events, period.End), nil
}

// CustomerSegments delivers RFM segments.
func (j *Jobs) CustomerSegments(ctx context.Context, period scheduler.Period) (int, error) {
	scores, err := j.segments(ctx, period)
	if err != nil {
		return 0, err
	}
	rows := make([]models.Row, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, row(s.CustomerID, period, map[string]interface{}{
			"customer_id":   s.CustomerID,
			"last_order_at": s.LastOrderAt.UTC().Format(time.RFC3339),
			"recency_days":  s.RecencyDays,
			"orders":        s.Orders,
			"spend":         s.Spend,
			"r_score":       s.R,
			"f_score":       s.F,
			"m_score":       s.M,
			"segment":       s.Segment,
		}))
	}
	return j.deliver(ctx, TargetCustomerSegments, rows)
}

// SupplierStats is one supplier's restock performance over a period.
type SupplierStats struct {
	SupplierID          string
	Restocks            int
	MeanRestockQuantity float64
	LowStockEvents      int
	StockOuts           int
	SKUs                int
}

// ComputeSupplierStats aggregates inventory events per supplier. A restock's
// quantity is the increase over the previous observation of the SKU, or the
// reported quantity when the SKU was not seen before.
func ComputeSupplierStats(events []models.CanonicalEvent) []SupplierStats {
	sorted := append([]models.CanonicalEvent(nil), events...)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].OccurredAt.Before(sorted[k].OccurredAt) })

	type acc struct {
		stats   SupplierStats
		restock mean
		skus    map[string]struct{}
	}
	suppliers := map[string]*acc{}
	last := map[string]float64{}
	for _, e := range sorted {
		sku := e.Payload.String("sku")
		supplier := e.Payload.String("supplierId")
		if supplier == "" {
			supplier = "unknown"
		}
		a := suppliers[supplier]
		if a == nil {
			a = &acc{stats: SupplierStats{SupplierID: supplier}, skus: map[string]struct{}{}}
			suppliers[supplier] = a
		}
		a.skus[sku] = struct{}{}

		q, _ := e.Payload.Number("quantity")
		prev, known := last[sku]
		switch e.EventType {
		case "inventory.restocked":
			a.stats.Restocks++
			if known && q > prev {
				a.restock.add(q - prev)
			} else if !known {
				a.restock.add(q)
			}
		case "inventory.low_stock":
			a.stats.LowStockEvents++
		}
		if q <= 0 && (!known || prev > 0) {
			a.stats.StockOuts++
		}
		last[sku] = q
	}

	out := make([]SupplierStats, 0, len(suppliers))
	for _, a := range suppliers {
		a.stats.MeanRestockQuantity = a.restock.value()
		a.stats.SKUs = len(a.skus)
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SupplierID < out[k].SupplierID })
	return out
}

// SupplierPerformance delivers supplier rollups for the month.
func (j *Jobs) SupplierPerformance(ctx context.Context, period scheduler.Period) (int, error) {
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceInventory}, From: period.Start, To: period.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return 0, err
	}
	month := period.Start.UTC().Format("2006-01")
	stats := ComputeSupplierStats(events)
	rows := make([]models.Row, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, row("supplier:"+s.SupplierID+":"+month, period, map[string]interface{}{
			"supplier_id":           s.SupplierID,
			"month":                 month,
			"restocks":              s.Restocks,
			"mean_restock_quantity": s.MeanRestockQuantity,
			"low_stock_events":      s.LowStockEvents,
			"stock_outs":            s.StockOuts,
			"skus":                  s.SKUs,
		}))
	}
	return j.deliver(ctx, TargetSupplierPerformance, rows)
}

// MonthlyReport dispatches the month's summary with segment counts.
func (j *Jobs) MonthlyReport(ctx context.Context, period scheduler.Period) (int, error) {
	summary, err := j.summarize(ctx, period)
	if err != nil {
		return 0, err
	}
	scores, err := j.segments(ctx, period)
	if err != nil {
		return 0, err
	}
	values := summary.Values()
	for _, s := range scores {
		key := "segment_" + s.Segment
		n, _ := values[key].(int)
		values[key] = n + 1
	}
	return 1, j.report(ctx, &notify.Report{
		Name:        "monthly",
		Title:       "Monthly report " + period.Start.UTC().Format("January 2006"),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Summary:     values,
	})
}

// Retention drops delivered tasks, archived events and audit rows older than
// the retention window. Every store is attempted even when one fails.
func (j *Jobs) Retention(ctx context.Context, _ scheduler.Period) (int, error) {
	cutoff := j.now().UTC().Add(-j.cfg.Retention)
	total := 0
	var errs []error

	if j.deps.Tasks != nil {
		n, err := j.deps.Tasks.PurgeDelivered(ctx, cutoff)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("tasks: %w", err))
		}
	}
	if j.deps.Archive != nil {
		n, err := j.deps.Archive.DeleteBefore(ctx, cutoff)
		total += int(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if j.deps.Audit != nil {
		n, err := j.deps.Audit.Purge(ctx, cutoff)
		total += int(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}

	j.log.InfoContext(ctx, "retention cleanup finished", "cutoff", cutoff.Format(time.RFC3339), "purged", total)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		j.log.WarnContext(ctx, "retention cleanup incomplete", logging.Error(err))
		return total, err
	}
	return total, nil
}
