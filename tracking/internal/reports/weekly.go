package reports

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/notify"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

const week = 7 * 24 * time.Hour

// CohortCell is the retention of one cohort some weeks after its first order.
type CohortCell struct {
	CohortWeek time.Time
	Offset     int
	Size       int
	Active     int
	Rate       float64
}

// ComputeCohorts groups customers by the week of their first order and counts,
// for each later week up to end, how many of them ordered again.
func ComputeCohorts(events []models.CanonicalEvent, end time.Time) []CohortCell {
	first := map[string]time.Time{}
	active := map[string]map[time.Time]struct{}{}
	for _, e := range events {
		if e.EventType != "order.created" {
			continue
		}
		customer := e.Payload.String("customerId")
		if customer == "" {
			continue
		}
		w := scheduler.Floor(models.TierWeekly, e.OccurredAt, 0)
		if f, ok := first[customer]; !ok || w.Before(f) {
			first[customer] = w
		}
		if active[customer] == nil {
			active[customer] = map[time.Time]struct{}{}
		}
		active[customer][w] = struct{}{}
	}

	cohorts := map[time.Time][]string{}
	for customer, w := range first {
		cohorts[w] = append(cohorts[w], customer)
	}
	weeks := make([]time.Time, 0, len(cohorts))
	for w := range cohorts {
		weeks = append(weeks, w)
	}
	sort.Slice(weeks, func(i, k int) bool { return weeks[i].Before(weeks[k]) })

	var cells []CohortCell
	for _, w := range weeks {
		members := cohorts[w]
		for offset := 0; w.AddDate(0, 0, 7*offset).Before(end); offset++ {
			target := w.AddDate(0, 0, 7*offset)
			count := 0
			for _, c := range members {
				if _, ok := active[c][target]; ok {
					count++
				}
			}
			cells = append(cells, CohortCell{
				CohortWeek: w,
				Offset:     offset,
				Size:       len(members),
				Active:     count,
				Rate:       ratio(float64(count), float64(len(members))),
			})
		}
	}
	return cells
}

func (j *Jobs) cohortWindow(period scheduler.Period) scheduler.Period {
	return scheduler.Period{Start: period.End.Add(-time.Duration(j.cfg.CohortWeeks) * week), End: period.End}
}

func (j *Jobs) cohorts(ctx context.Context, window scheduler.Period) ([]CohortCell, error) {
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceOrders}, Types: []string{"order.created"}, From: window.Start, To: window.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return ComputeCohorts(events, window.End), nil
}

// Cohorts delivers trailing-window cohort retention.
func (j *Jobs) Cohorts(ctx context.Context, period scheduler.Period) (int, error) {
	window := j.cohortWindow(period)
	cells, err := j.cohorts(ctx, window)
	if err != nil {
		return 0, err
	}
	rows := make([]models.Row, 0, len(cells))
	for _, c := range cells {
		cohort := c.CohortWeek.Format("2006-01-02")
		rows = append(rows, row("cohort:"+cohort+":"+strconv.Itoa(c.Offset), window, map[string]interface{}{
			"cohort_week":      cohort,
			"week_offset":      c.Offset,
			"cohort_size":      c.Size,
			"active_customers": c.Active,
			"retention_rate":   c.Rate,
		}))
	}
	return j.deliver(ctx, TargetCohorts, rows)
}

// WeeklyReport dispatches the week's summary with new-customer and retention figures.
func (j *Jobs) WeeklyReport(ctx context.Context, period scheduler.Period) (int, error) {
	summary, err := j.summarize(ctx, period)
	if err != nil {
		return 0, err
	}
	cells, err := j.cohorts(ctx, j.cohortWindow(period))
	if err != nil {
		return 0, err
	}

	values := summary.Values()
	var retention mean
	newCustomers := 0
	for _, c := range cells {
		if c.Offset == 0 && c.CohortWeek.Equal(period.Start.UTC()) {
			newCustomers = c.Size
		}
		if c.Offset == 1 {
			retention.add(c.Rate)
		}
	}
	values["new_customers"] = newCustomers
	values["mean_week1_retention"] = retention.value()
	values["cohorts"] = countCohorts(cells)

	return 1, j.report(ctx, &notify.Report{
		Name:        "weekly",
		Title:       "Weekly report, week of " + period.Start.UTC().Format("2006-01-02"),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Summary:     values,
	})
}

func countCohorts(cells []CohortCell) int {
	n := 0
	for _, c := range cells {
		if c.Offset == 0 {
			n++
		}
	}
	return n
}
