package models

import "time"

// Severity of a notification alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AlertStatus is the dispatch state of an aggregated alert.
type AlertStatus string

const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// ChannelResult records the outcome of one channel delivery.
type ChannelResult struct {
	Channel string    `json:"channel"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// NotificationAlert is an aggregation bucket keyed by (type, message template).
type NotificationAlert struct {
	ID              string          `json:"alertId"`
	Key             string          `json:"key"`
	Type            string          `json:"type"`
	Severity        Severity        `json:"severity"`
	Template        string          `json:"template"`
	Message         string          `json:"message"`
	FirstSeenAt     time.Time       `json:"firstSeenAt"`
	LastSeenAt      time.Time       `json:"lastSeenAt"`
	OccurrenceCount int64           `json:"occurrenceCount"`
	Channels        []string        `json:"channels"`
	Results         []ChannelResult `json:"results,omitempty"`
	Status          AlertStatus     `json:"status"`
}
