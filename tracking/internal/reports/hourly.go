package reports

import (
	"context"
	"sort"
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
)

// Funnel stages, in order.
var funnelStages = []struct {
	eventType string
	column    string
}{
	{"session.started", "sessions"},
	{"product.viewed", "product_views"},
	{"cart.added", "carts"},
	{"checkout.started", "checkouts"},
	{"checkout.completed", "completed"},
}

// FunnelCounts is the number of distinct sessions reaching each stage.
type FunnelCounts map[string]int

// ComputeFunnel counts distinct sessions per funnel stage.
func ComputeFunnel(events []models.CanonicalEvent) FunnelCounts {
	sessions := map[string]map[string]struct{}{}
	for _, e := range events {
		id := e.Payload.String("sessionId")
		if id == "" {
			continue
		}
		if sessions[e.EventType] == nil {
			sessions[e.EventType] = map[string]struct{}{}
		}
		sessions[e.EventType][id] = struct{}{}
	}
	counts := FunnelCounts{}
	for _, stage := range funnelStages {
		counts[stage.column] = len(sessions[stage.eventType])
	}
	return counts
}

// Funnel delivers the conversion funnel for the period.
func (j *Jobs) Funnel(ctx context.Context, period scheduler.Period) (int, error) {
	var events []models.CanonicalEvent
	types := make([]string, 0, len(funnelStages))
	for _, s := range funnelStages {
		types = append(types, s.eventType)
	}
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceUserActivity}, Types: types, From: period.Start, To: period.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return 0, err
	}

	counts := ComputeFunnel(events)
	values := map[string]interface{}{}
	for col, n := range counts {
		values[col] = n
	}
	values["conversion_rate"] = ratio(float64(counts["completed"]), float64(counts["sessions"]))
	values["cart_rate"] = ratio(float64(counts["carts"]), float64(counts["sessions"]))
	values["checkout_completion_rate"] = ratio(float64(counts["completed"]), float64(counts["checkouts"]))

	key := "funnel:" + period.Start.UTC().Format(time.RFC3339)
	return j.deliver(ctx, TargetFunnel, []models.Row{row(key, period, values)})
}

// AgentStats is one support agent's performance over a period.
type AgentStats struct {
	AgentID           string
	TicketsResolved   int
	MeanFirstResponse float64
	MeanSatisfaction  float64
}

// ComputeAgentStats aggregates resolved tickets per agent, sorted by agent.
func ComputeAgentStats(events []models.CanonicalEvent) []AgentStats {
	type acc struct {
		resolved     map[string]struct{}
		response     mean
		satisfaction mean
	}
	agents := map[string]*acc{}
	for _, e := range events {
		if e.EventType != "ticket.resolved" {
			continue
		}
		agent := e.Payload.String("agentId")
		if agent == "" {
			agent = "unassigned"
		}
		a := agents[agent]
		if a == nil {
			a = &acc{resolved: map[string]struct{}{}}
			agents[agent] = a
		}
		a.resolved[e.Payload.String("ticketId")] = struct{}{}
		if v, ok := e.Payload.Number("firstResponseMinutes"); ok {
			a.response.add(v)
		}
		if v, ok := e.Payload.Number("satisfaction"); ok {
			a.satisfaction.add(v)
		}
	}

	out := make([]AgentStats, 0, len(agents))
	for id, a := range agents {
		out = append(out, AgentStats{
			AgentID:           id,
			TicketsResolved:   len(a.resolved),
			MeanFirstResponse: a.response.value(),
			MeanSatisfaction:  a.satisfaction.value(),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AgentID < out[k].AgentID })
	return out
}

// AgentPerformance delivers support-agent performance for the period.
func (j *Jobs) AgentPerformance(ctx context.Context, period scheduler.Period) (int, error) {
	var events []models.CanonicalEvent
	err := j.scan(ctx, archive.Filter{Sources: []string{models.SourceSupport}, Types: []string{"ticket.resolved"}, From: period.Start, To: period.End},
		func(e models.CanonicalEvent) error {
			events = append(events, e)
			return nil
		})
	if err != nil {
		return 0, err
	}

	stats := ComputeAgentStats(events)
	rows := make([]models.Row, 0, len(stats))
	for _, s := range stats {
		key := "agent:" + s.AgentID + ":" + period.Start.UTC().Format(time.RFC3339)
		rows = append(rows, row(key, period, map[string]interface{}{
			"agent_id":                    s.AgentID,
			"tickets_resolved":            s.TicketsResolved,
			"mean_first_response_minutes": s.MeanFirstResponse,
			"mean_satisfaction":           s.MeanSatisfaction,
		}))
	}
	return j.deliver(ctx, TargetAgentPerformance, rows)
}
