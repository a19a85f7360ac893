// Package correlation indexes canonical events by correlation ID so a
// cross-system timeline can be reconstructed.
package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

const keyPrefix = "tracksync:corr:"

// Group is the set of events sharing one correlation ID, ordered by occurredAt.
type Group struct {
	CorrelationID string                  `json:"correlationId"`
	Events        []models.CanonicalEvent `json:"events"`
}

// Systems returns the distinct source systems that contributed events, in order of first appearance.
func (g Group) Systems() []string {
	seen := make(map[string]bool)
	var systems []string
	for _, e := range g.Events {
		if !seen[e.SourceSystem] {
			seen[e.SourceSystem] = true
			systems = append(systems, e.SourceSystem)
		}
	}
	return systems
}

// Span returns the time between the first and last event.
func (g Group) Span() time.Duration {
	if len(g.Events) < 2 {
		return 0
	}
	return g.Events[len(g.Events)-1].OccurredAt.Sub(g.Events[0].OccurredAt)
}

// MarshalJSON includes the derived systems and span.
func (g Group) MarshalJSON() ([]byte, error) {
	type alias Group
	return json.Marshal(struct {
		alias
		Systems []string `json:"systems"`
		SpanMs  int64    `json:"spanMs"`
	}{alias(g), g.Systems(), g.Span().Milliseconds()})
}

// Store is the Redis correlation index. Membership is append-only: a recorded
// event is never replaced, so replays and concurrent writers are harmless.
type Store struct {
	client    *redis.Client
	retention time.Duration
}

// NewStore creates a Store that keeps groups for retention after their last event.
func NewStore(client *redis.Client, retention time.Duration) *Store {
	return &Store{client: client, retention: retention}
}

func indexKey(id string) string  { return keyPrefix + id }
func eventsKey(id string) string { return keyPrefix + id + ":events" }

// Record adds event to its correlation group. Events without a correlation ID are ignored.
func (s *Store) Record(ctx context.Context, event *models.CanonicalEvent) error {
	if event.CorrelationID == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	member := event.IdempotencyKey()
	id := event.CorrelationID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, indexKey(id), redis.Z{Score: float64(event.OccurredAt.UnixMilli()), Member: member})
		pipe.HSetNX(ctx, eventsKey(id), member, data)
		if s.retention > 0 {
			pipe.Expire(ctx, indexKey(id), s.retention)
			pipe.Expire(ctx, eventsKey(id), s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record correlation: %w", err)
	}
	return nil
}

// Events returns the group's events ordered by occurredAt, ties broken by idempotency key.
func (s *Store) Events(ctx context.Context, id string) ([]models.CanonicalEvent, error) {
	members, err := s.client.ZRange(ctx, indexKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	raw, err := s.client.HMGet(ctx, eventsKey(id), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read correlated events: %w", err)
	}

	events := make([]models.CanonicalEvent, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e models.CanonicalEvent
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal correlated event: %w", err)
		}
		events = append(events, e)
	}
	// Redis already orders by score then member; keep it stable if milliseconds collide.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events, nil
}

// EventsFrom returns the group's events reported by one source system.
func (s *Store) EventsFrom(ctx context.Context, id, source string) ([]models.CanonicalEvent, error) {
	events, err := s.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	filtered := events[:0]
	for _, e := range events {
		if e.SourceSystem == source {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Timeline returns the full correlation group.
func (s *Store) Timeline(ctx context.Context, id string) (Group, error) {
	events, err := s.Events(ctx, id)
	if err != nil {
		return Group{}, err
	}
	return Group{CorrelationID: id, Events: events}, nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
