package service

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// DependencyStatus is the state of one dependency.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is the aggregated service health.
type HealthReport struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checkedAt"`
}

// Health runs dependency checks concurrently under a shared timeout.
type Health struct {
	mu       sync.RWMutex
	checks   map[string]Check
	critical map[string]bool
	timeout  time.Duration
}

// NewHealth creates a Health with the per-check timeout.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Health{checks: map[string]Check{}, critical: map[string]bool{}, timeout: timeout}
}

// Register adds a check. A failing critical check marks the service down;
// any other failure marks it degraded.
func (h *Health) Register(name string, critical bool, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.critical[name] = critical
}

// Names lists the registered checks, sorted.
func (h *Health) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for n := range h.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check.
func (h *Health) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	critical := make(map[string]bool, len(h.critical))
	for n, c := range h.checks {
		checks[n] = c
		critical[n] = h.critical[n]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	deps := make(map[string]DependencyStatus, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			st := DependencyStatus{Status: StatusOK}
			if err := check(ctx); err != nil {
				st = DependencyStatus{Status: StatusDown, Error: err.Error()}
			}
			mu.Lock()
			deps[name] = st
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	report := HealthReport{Status: StatusOK, Dependencies: deps, CheckedAt: time.Now().UTC()}
	for name, st := range deps {
		if st.Status == StatusOK {
			continue
		}
		if critical[name] {
			report.Status = StatusDown
		} else if report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	return report
}
