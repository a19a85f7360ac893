// Package reports holds the scheduled jobs: commerce reconciliation, rolling
// aggregates over archived events, forecasts, business reports and retention.
package reports

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/commerce"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/notify"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

// Analytics store targets written by the jobs.
const (
	TargetFunnel              = "Funnel"
	TargetAgentPerformance    = "AgentPerformance"
	TargetDailySummary        = "DailySummary"
	TargetInventoryForecast   = "InventoryForecast"
	TargetCohorts             = "Cohorts"
	TargetCustomerSegments    = "CustomerSegments"
	TargetSupplierPerformance = "SupplierPerformance"
)

// AlertStockout is raised when a SKU is forecast to run out soon.
const AlertStockout = "inventory.stockout_forecast"

// EventSource reads archived canonical events.
type EventSource interface {
	Scan(ctx context.Context, f archive.Filter, fn func(models.CanonicalEvent) error) error
}

// Deliverer writes derived rows to the analytics store.
type Deliverer interface {
	AppendOrUpdate(ctx context.Context, target string, rows []models.Row) (int, error)
}

// Reporter dispatches finished reports.
type Reporter interface {
	SendReport(ctx context.Context, report *notify.Report) []models.ChannelResult
}

// Alerter raises aggregated operator alerts.
type Alerter interface {
	Record(ctx context.Context, alertType string, severity models.Severity, message string) error
}

// Drainer is the sync engine's reconciliation surface.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// Submitter accepts a synthesized webhook body as if it had been received.
type Submitter interface {
	Submit(ctx context.Context, source, eventType string, raw []byte) (*models.CanonicalEvent, error)
}

// Commerce reads changes from the commerce backend.
type Commerce interface {
	Enabled() bool
	UpdatedOrders(ctx context.Context, since time.Time) ([]commerce.Order, error)
	UpdatedInventory(ctx context.Context, since time.Time) ([]commerce.StockLevel, error)
}

// TaskPurger drops delivered tasks older than a cutoff.
type TaskPurger interface {
	PurgeDelivered(ctx context.Context, before time.Time) (int, error)
}

// ArchivePurger drops archived events older than a cutoff.
type ArchivePurger interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditPurger drops audit rows older than a cutoff.
type AuditPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Config tunes the jobs.
type Config struct {
	StockoutDays   float64
	ForecastWindow time.Duration
	CohortWeeks    int
	SegmentWindow  time.Duration
	Retention      time.Duration
}

// DefaultConfig returns the job defaults.
func DefaultConfig() Config {
	return Config{
		StockoutDays:   7,
		ForecastWindow: 14 * 24 * time.Hour,
		CohortWeeks:    12,
		SegmentWindow:  365 * 24 * time.Hour,
		Retention:      90 * 24 * time.Hour,
	}
}

// Dependencies are the collaborators of the jobs. A nil dependency disables the
// jobs that need it.
type Dependencies struct {
	Events    EventSource
	Deliverer Deliverer
	Reporter  Reporter
	Alerts    Alerter
	Engine    Drainer
	Submitter Submitter
	Commerce  Commerce
	Tasks     TaskPurger
	Archive   ArchivePurger
	Audit     AuditPurger
	Logger    *logging.Logger
}

// Jobs builds the scheduler jobs for every tier.
type Jobs struct {
	cfg  Config
	deps Dependencies
	log  *logging.Logger
	now  func() time.Time
}

// New creates Jobs.
func New(cfg Config, deps Dependencies) *Jobs {
	defaults := DefaultConfig()
	if cfg.StockoutDays <= 0 {
		cfg.StockoutDays = defaults.StockoutDays
	}
	if cfg.ForecastWindow <= 0 {
		cfg.ForecastWindow = defaults.ForecastWindow
	}
	if cfg.CohortWeeks <= 0 {
		cfg.CohortWeeks = defaults.CohortWeeks
	}
	if cfg.SegmentWindow <= 0 {
		cfg.SegmentWindow = defaults.SegmentWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Jobs{cfg: cfg, deps: deps, log: logger.Component("reports"), now: time.Now}
}

// Register adds every job whose dependencies are present to the scheduler.
func (j *Jobs) Register(s *scheduler.Scheduler) {
	for tier, jobs := range j.ByTier() {
		s.Register(tier, jobs...)
	}
}

// ByTier returns the enabled jobs of each tier, in run order.
func (j *Jobs) ByTier() map[models.Tier][]scheduler.Job {
	tiers := map[models.Tier][]scheduler.Job{}
	add := func(tier models.Tier, name string, ok bool, run func(context.Context, scheduler.Period) (int, error)) {
		if ok {
			tiers[tier] = append(tiers[tier], scheduler.Job{Name: name, Run: run})
		}
	}
	d := j.deps
	aggregates := d.Events != nil && d.Deliverer != nil

	add(models.TierRealtime, "drain", d.Engine != nil, j.Drain)
	add(models.TierRealtime, "resync-orders", d.Commerce != nil && d.Submitter != nil, j.ResyncOrders)
	add(models.TierRealtime, "resync-inventory", d.Commerce != nil && d.Submitter != nil, j.ResyncInventory)

	add(models.TierHourly, "funnel", aggregates, j.Funnel)
	add(models.TierHourly, "agent-performance", aggregates, j.AgentPerformance)

	add(models.TierDaily, "daily-summary", aggregates, j.DailySummary)
	add(models.TierDaily, "inventory-forecast", aggregates, j.InventoryForecast)

	add(models.TierWeekly, "cohorts", aggregates, j.Cohorts)
	add(models.TierWeekly, "weekly-report", d.Events != nil && d.Reporter != nil, j.WeeklyReport)

	add(models.TierMonthly, "customer-segments", aggregates, j.CustomerSegments)
	add(models.TierMonthly, "supplier-performance", aggregates, j.SupplierPerformance)
	add(models.TierMonthly, "monthly-report", d.Events != nil && d.Reporter != nil, j.MonthlyReport)
	add(models.TierMonthly, "retention", d.Tasks != nil || d.Archive != nil || d.Audit != nil, j.Retention)
	return tiers
}

func (j *Jobs) scan(ctx context.Context, f archive.Filter, fn func(models.CanonicalEvent) error) error {
	if err := j.deps.Events.Scan(ctx, f, fn); err != nil {
		return fmt.Errorf("failed to read archived events: %w", err)
	}
	return nil
}

func (j *Jobs) deliver(ctx context.Context, target string, rows []models.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := j.deps.Deliverer.AppendOrUpdate(ctx, target, rows)
	if err != nil {
		return n, fmt.Errorf("failed to deliver %s rows: %w", target, err)
	}
	return n, nil
}

func (j *Jobs) report(ctx context.Context, report *notify.Report) error {
	if j.deps.Reporter == nil {
		return nil
	}
	report.GeneratedAt = j.now().UTC()
	results := j.deps.Reporter.SendReport(ctx, report)
	var errs []error
	for _, r := range results {
		if r.OK {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %s", r.Channel, r.Error))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("report %s not delivered: %w", report.Name, errors.Join(errs...))
}

// row builds a derived row, with the period columns every aggregate carries.
func row(key string, period scheduler.Period, values map[string]interface{}) models.Row {
	values[models.ColumnKey] = key
	values["period_start"] = period.Start.UTC().Format(time.RFC3339)
	values["period_end"] = period.End.UTC().Format(time.RFC3339)
	return models.Row{Key: key, Values: values}
}

func ratio(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return round(n / d)
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.count++
}

func (m mean) value() float64 {
	if m.count == 0 {
		return 0
	}
	return round(m.sum / float64(m.count))
}
