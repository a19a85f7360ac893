package models

import "time"

// TaskStatus is the lifecycle state of a DeliveryTask.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInFlight     TaskStatus = "in_flight"
	TaskDelivered    TaskStatus = "delivered"
	TaskFailed       TaskStatus = "failed"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

// Terminal reports whether no further transition is possible without operator action.
func (s TaskStatus) Terminal() bool {
	return s == TaskDelivered || s == TaskDeadLettered || s == TaskFailed
}

// DeliveryTask carries one canonical event towards one target resource.
type DeliveryTask struct {
	ID             string         `json:"taskId"`
	Event          CanonicalEvent `json:"event"`
	Target         string         `json:"target"`
	LogicalKey     string         `json:"logicalKey"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Row            Row            `json:"row"`
	Attempt        int            `json:"attempt"`
	NextAttemptAt  time.Time      `json:"nextAttemptAt"`
	Status         TaskStatus     `json:"status"`
	LastError      string         `json:"lastError,omitempty"`
	SupersededBy   string         `json:"supersededBy,omitempty"`
	ClaimedAt      *time.Time     `json:"claimedAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// SlotKey identifies the logical record in its target, shared by competing tasks.
func (t *DeliveryTask) SlotKey() string {
	return t.Target + ":" + t.LogicalKey
}

// Candidate returns the task as a conflict candidate.
func (t *DeliveryTask) Candidate() ConflictCandidate {
	return ConflictCandidate{
		TaskID:       t.ID,
		EventID:      t.Event.EventID,
		SourceSystem: t.Event.SourceSystem,
		OccurredAt:   t.Event.OccurredAt,
		ReceivedAt:   t.Event.ReceivedAt,
		Value:        t.Row.Values,
	}
}
