package models

import "time"

// StrategyLastWriteWins is the only resolution strategy.
const StrategyLastWriteWins = "last-write-wins"

// ConflictCandidate is one competing value for a logical key.
type ConflictCandidate struct {
	TaskID       string                 `json:"taskId"`
	EventID      string                 `json:"eventId"`
	SourceSystem string                 `json:"sourceSystem"`
	OccurredAt   time.Time              `json:"occurredAt"`
	ReceivedAt   time.Time              `json:"receivedAt"`
	Value        map[string]interface{} `json:"value"`
}

// ConflictRecord documents how competing deliveries to one logical key were resolved.
type ConflictRecord struct {
	ID           string                 `json:"id"`
	Target       string                 `json:"target"`
	LogicalKey   string                 `json:"logicalKey"`
	Candidates   []ConflictCandidate    `json:"candidates"`
	Resolution   map[string]interface{} `json:"resolution"`
	WinnerTaskID string                 `json:"winnerTaskId"`
	Strategy     string                 `json:"strategy"`
	ResolvedAt   time.Time              `json:"resolvedAt"`
}

// Newer reports whether c wins over other under last-write-wins: later occurredAt,
// then later receivedAt, then the greater source system and event ID. The order
// is total, so the winner does not depend on which candidate arrived first.
func (c ConflictCandidate) Newer(other ConflictCandidate) bool {
	if !c.OccurredAt.Equal(other.OccurredAt) {
		return c.OccurredAt.After(other.OccurredAt)
	}
	if !c.ReceivedAt.Equal(other.ReceivedAt) {
		return c.ReceivedAt.After(other.ReceivedAt)
	}
	if c.SourceSystem != other.SourceSystem {
		return c.SourceSystem > other.SourceSystem
	}
	return c.EventID > other.EventID
}

// SameValue reports whether both candidates would leave the record identical.
func (c ConflictCandidate) SameValue(other ConflictCandidate) bool {
	return Row{Values: c.Value}.Equal(Row{Values: other.Value})
}
