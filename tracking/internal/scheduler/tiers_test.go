package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

func TestNext(t *testing.T) {
	// Wednesday
	last := time.Date(2026, 10, 14, 12, 34, 56, 0, time.UTC)

	tests := []struct {
		tier models.Tier
		want time.Time
	}{
		{models.TierRealtime, time.Date(2026, 10, 14, 12, 35, 0, 0, time.UTC)},
		{models.TierHourly, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)},
		{models.TierDaily, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
		{models.TierWeekly, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{models.TierMonthly, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.tier, last, time.Minute))
		})
	}
}

func TestFloor_WeeklyOnMonday(t *testing.T) {
	monday := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, Floor(models.TierWeekly, monday, 0))
	assert.Equal(t, monday, Floor(models.TierWeekly, time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC), 0))
}

func TestFloor_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 10, 15, 5, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), Floor(models.TierDaily, local, 0))
}

func TestPrevious(t *testing.T) {
	b := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Previous(models.TierMonthly, b, 0))
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), Previous(models.TierDaily, b, 0))
}

func TestPeriodContains(t *testing.T) {
	p := Period{Start: time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)}
	assert.True(t, p.Contains(p.Start))
	assert.False(t, p.Contains(p.End))
	assert.True(t, p.Contains(p.Start.Add(time.Hour)))
}
