package syncengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

func candidate(id string, occurred time.Time, status string) models.ConflictCandidate {
	return models.ConflictCandidate{
		TaskID:       "task-" + id,
		EventID:      id,
		SourceSystem: "orders",
		OccurredAt:   occurred,
		ReceivedAt:   occurred,
		Value:        map[string]interface{}{"status": status},
	}
}

func TestResolve_LatestOccurredAtWins(t *testing.T) {
	t0 := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	early := candidate("a", t0, "pending")
	late := candidate("b", t0.Add(10*time.Second), "shipped")
	late.ReceivedAt = t0.Add(-time.Hour)

	winner, ok := Resolve(late, early)
	require.True(t, ok)
	assert.Equal(t, "b", winner.EventID)

	winner, _ = Resolve(early, late)
	assert.Equal(t, "b", winner.EventID)

	_, ok = Resolve()
	assert.False(t, ok)
}

func TestNewConflictRecord(t *testing.T) {
	t0 := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	record := NewConflictRecord("Orders", "ORD-1", t0,
		candidate("b", t0.Add(10*time.Second), "shipped"),
		candidate("a", t0, "pending"))

	require.NotNil(t, record)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "task-b", record.WinnerTaskID)
	assert.Equal(t, "shipped", record.Resolution["status"])
	assert.Equal(t, "a", record.Candidates[0].EventID)
	assert.Equal(t, models.StrategyLastWriteWins, record.Strategy)
}

func TestResolve_CommutativeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	build := func(offsets []int) []models.ConflictCandidate {
		out := make([]models.ConflictCandidate, len(offsets))
		for i, off := range offsets {
			// Small offsets force timestamp ties so the tie-breakers are exercised.
			at := base.Add(time.Duration(off%5) * time.Second)
			c := candidate(fmt.Sprintf("evt-%d", i), at, fmt.Sprintf("s%d", off))
			c.ReceivedAt = base.Add(time.Duration(off%3) * time.Second)
			out[i] = c
		}
		return out
	}

	properties.Property("winner does not depend on arrival order", prop.ForAll(
		func(offsets []int, shift int) bool {
			if len(offsets) == 0 {
				return true
			}
			candidates := build(offsets)
			rotated := make([]models.ConflictCandidate, len(candidates))
			for i := range candidates {
				rotated[(i+shift)%len(candidates)] = candidates[i]
			}
			reversed := make([]models.ConflictCandidate, len(candidates))
			for i := range candidates {
				reversed[len(candidates)-1-i] = candidates[i]
			}

			w1, _ := Resolve(candidates...)
			w2, _ := Resolve(rotated...)
			w3, _ := Resolve(reversed...)
			return w1.EventID == w2.EventID && w1.EventID == w3.EventID
		},
		gen.SliceOf(gen.IntRange(0, 20)),
		gen.IntRange(0, 10),
	))

	properties.Property("winner has the latest occurredAt", prop.ForAll(
		func(offsets []int) bool {
			if len(offsets) == 0 {
				return true
			}
			candidates := build(offsets)
			winner, _ := Resolve(candidates...)
			for _, c := range candidates {
				if c.OccurredAt.After(winner.OccurredAt) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}
