package syncengine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// Resolve picks the last-write-wins winner among candidates for one record.
// The result depends only on the set of candidates, never on their order.
func Resolve(candidates ...models.ConflictCandidate) (models.ConflictCandidate, bool) {
	if len(candidates) == 0 {
		return models.ConflictCandidate{}, false
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.Newer(winner) {
			winner = c
		}
	}
	return winner, true
}

// NewConflictRecord documents a resolution between candidates that disagree on
// the record's value. Candidates are stored oldest first.
func NewConflictRecord(target, logicalKey string, resolvedAt time.Time, candidates ...models.ConflictCandidate) *models.ConflictRecord {
	winner, ok := Resolve(candidates...)
	if !ok {
		return nil
	}
	ordered := append([]models.ConflictCandidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[j].Newer(ordered[i])
	})
	return &models.ConflictRecord{
		ID:           uuid.NewString(),
		Target:       target,
		LogicalKey:   logicalKey,
		Candidates:   ordered,
		Resolution:   winner.Value,
		WinnerTaskID: winner.TaskID,
		Strategy:     models.StrategyLastWriteWins,
		ResolvedAt:   resolvedAt.UTC(),
	}
}
