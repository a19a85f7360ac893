package models

import "time"

// Tier is one of the scheduler cadences.
type Tier string

const (
	TierRealtime Tier = "realtime"
	TierHourly   Tier = "hourly"
	TierDaily    Tier = "daily"
	TierWeekly   Tier = "weekly"
	TierMonthly  Tier = "monthly"
)

// Tiers lists every tier in cadence order.
var Tiers = []Tier{TierRealtime, TierHourly, TierDaily, TierWeekly, TierMonthly}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, bool) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// ScheduleRun is the audit record of one tier invocation.
type ScheduleRun struct {
	ID               string     `json:"id"`
	Tier             Tier       `json:"tier"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	RecordsProcessed int        `json:"recordsProcessed"`
	Errors           []string   `json:"errors"`
	Trigger          string     `json:"trigger"`
}

// Succeeded reports whether the run finished without errors.
func (r *ScheduleRun) Succeeded() bool {
	return r.FinishedAt != nil && len(r.Errors) == 0
}
