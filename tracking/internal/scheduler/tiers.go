package scheduler

import (
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// Floor returns the most recent tier boundary at or before t, in UTC.
// Weekly tiers start on Monday, monthly tiers on the 1st.
func Floor(tier models.Tier, t time.Time, interval time.Duration) time.Time {
	t = t.UTC()
	switch tier {
	case models.TierRealtime:
		if interval <= 0 {
			return t
		}
		return t.Truncate(interval)
	case models.TierHourly:
		return t.Truncate(time.Hour)
	case models.TierDaily:
		return midnight(t)
	case models.TierWeekly:
		day := midnight(t)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.TierMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the first boundary strictly after last.
func Next(tier models.Tier, last time.Time, interval time.Duration) time.Time {
	return step(tier, Floor(tier, last, interval), interval, 1)
}

// Previous returns the boundary one period before the boundary b.
func Previous(tier models.Tier, b time.Time, interval time.Duration) time.Time {
	return step(tier, b, interval, -1)
}

func step(tier models.Tier, b time.Time, interval time.Duration, n int) time.Time {
	switch tier {
	case models.TierRealtime:
		return b.Add(time.Duration(n) * interval)
	case models.TierHourly:
		return b.Add(time.Duration(n) * time.Hour)
	case models.TierDaily:
		return b.AddDate(0, 0, n)
	case models.TierWeekly:
		return b.AddDate(0, 0, 7*n)
	case models.TierMonthly:
		return b.AddDate(0, n, 0)
	}
	return b
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Period is the time range a run covers.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}
