package client

import (
	"encoding/json"
	"time"
)

type Task struct {
	ID             string     `json:"taskId"`
	Target         string     `json:"target"`
	LogicalKey     string     `json:"logicalKey"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	LastError      string     `json:"lastError,omitempty"`
	SupersededBy   string     `json:"supersededBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
}

// StreamEntry is one mirrored dead letter.
type StreamEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Task      *Task     `json:"task"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
}

type Conflict struct {
	ID           string            `json:"id"`
	Target       string            `json:"target"`
	LogicalKey   string            `json:"logicalKey"`
	WinnerTaskID string            `json:"winnerTaskId"`
	Strategy     string            `json:"strategy"`
	ResolvedAt   time.Time         `json:"resolvedAt"`
	Candidates   []json.RawMessage `json:"candidates"`
}

type Event struct {
	EventID      string    `json:"eventId"`
	SourceSystem string    `json:"sourceSystem"`
	EventType    string    `json:"eventType"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type Correlation struct {
	CorrelationID string   `json:"correlationId"`
	Events        []Event  `json:"events"`
	Systems       []string `json:"systems"`
	SpanMs        int64    `json:"spanMs"`
}

type Run struct {
	ID               string     `json:"id"`
	Tier             string     `json:"tier"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	RecordsProcessed int        `json:"recordsProcessed"`
	Errors           []string   `json:"errors"`
	Trigger          string     `json:"trigger"`
}

type Alert struct {
	ID              string    `json:"alertId"`
	Type            string    `json:"type"`
	Severity        string    `json:"severity"`
	Message         string    `json:"message"`
	OccurrenceCount int64     `json:"occurrenceCount"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	Status          string    `json:"status"`
}

type Stats struct {
	Queue struct {
		Depth               map[string]int64 `json:"depth"`
		ConsecutiveFailures int64            `json:"consecutiveFailures"`
		RemainingQuota      int64            `json:"remainingQuota"`
	} `json:"queue"`
	DeadLetterStream map[string]interface{} `json:"deadLetterStream,omitempty"`
}

type WebhookResult struct {
	Success    bool   `json:"success"`
	EventID    string `json:"eventId"`
	TaskID     string `json:"taskId"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Superseded bool   `json:"superseded,omitempty"`
}
