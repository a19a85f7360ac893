package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/delivery"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/queue"
)

// Dead-letter reasons.
const (
	ReasonPermanent   = "permanent"
	ReasonMaxAttempts = "max_attempts"
)

// Run starts the worker pool and the in-flight watchdog and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watchdog(ctx)
	}()

	e.logger.Info("sync engine started", "workers", e.cfg.Workers, "max_attempts", e.cfg.MaxAttempts)
	wg.Wait()
	e.logger.Info("sync engine stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		if e.quotaExhausted(ctx) {
			if !sleep(ctx, e.cfg.QuotaPause) {
				return
			}
			continue
		}

		n, err := e.pass(ctx)
		if err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "delivery pass failed", logging.Error(err))
		}
		if n == 0 {
			if !sleep(ctx, e.cfg.PollInterval) {
				return
			}
		}
	}
}

func (e *Engine) watchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RequeueStale(ctx); err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "watchdog pass failed", logging.Error(err))
			}
			if _, err := e.Stats(ctx); err != nil && ctx.Err() == nil {
				e.logger.WarnContext(ctx, "failed to refresh queue stats", logging.Error(err))
			}
		}
	}
}

// quotaExhausted pauses claiming while the store has no quota left, so tasks
// stay pending instead of burning attempts on rate-limit responses.
func (e *Engine) quotaExhausted(ctx context.Context) bool {
	remaining, err := e.deliverer.RemainingQuota(ctx)
	if err != nil {
		return false
	}
	return remaining <= 0
}

// Drain processes every task due now, then requeues stale in-flight tasks. It
// returns the number of tasks handled.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	total := 0
	// Each pass either finishes tasks or pushes them into the future, so this terminates.
	for i := 0; i < 1000; i++ {
		if e.quotaExhausted(ctx) {
			break
		}
		n, err := e.pass(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	requeued, err := e.RequeueStale(ctx)
	return total + requeued, err
}

// pass claims one batch and delivers it.
func (e *Engine) pass(ctx context.Context) (int, error) {
	tasks, err := e.queue.Claim(ctx, e.now(), e.cfg.ClaimBatch)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	for _, task := range tasks {
		metrics.TaskTransitions.WithLabelValues(task.Target, string(models.TaskInFlight)).Inc()
	}

	ready := e.prepare(ctx, tasks)

	// Group by target, keeping claim order inside each group.
	var targets []string
	groups := make(map[string][]*models.DeliveryTask)
	for _, task := range ready {
		if _, ok := groups[task.Target]; !ok {
			targets = append(targets, task.Target)
		}
		groups[task.Target] = append(groups[task.Target], task)
	}
	for _, target := range targets {
		e.deliverGroup(ctx, target, groups[target])
	}
	return len(tasks), nil
}

// prepare takes the per-record writer slot for each task and drops tasks that
// another writer holds or that a delivered newer value already supersedes.
func (e *Engine) prepare(ctx context.Context, tasks []*models.DeliveryTask) []*models.DeliveryTask {
	ready := make([]*models.DeliveryTask, 0, len(tasks))
	for _, task := range tasks {
		owned, err := e.queue.AcquireOwner(ctx, task.Target, task.LogicalKey, task.ID, e.cfg.InflightTimeout)
		if err != nil {
			e.failTask(ctx, task, delivery.Transient(err))
			continue
		}
		if !owned {
			if err := e.queue.Defer(ctx, task, e.now().Add(e.cfg.DeferDelay)); err != nil {
				e.logger.WarnContext(ctx, "failed to defer task", logging.TaskID(task.ID), logging.Error(err))
			}
			continue
		}

		wm, err := e.queue.Watermark(ctx, task.Target, task.LogicalKey)
		if err != nil {
			e.failTask(ctx, task, delivery.Transient(err))
			continue
		}
		if wm != nil && wm.TaskID != task.ID && !task.Candidate().Newer(*wm) {
			e.supersedeClaimed(ctx, task, wm.TaskID)
			continue
		}
		// An expired lease does not stop a send still running here; wait for it.
		if !e.beginSend(task) {
			if err := e.queue.Defer(ctx, task, e.now().Add(e.cfg.DeferDelay)); err != nil {
				e.logger.WarnContext(ctx, "failed to defer task", logging.TaskID(task.ID), logging.Error(err))
			}
			e.release(ctx, task)
			continue
		}
		ready = append(ready, task)
	}
	return ready
}

func (e *Engine) supersedeClaimed(ctx context.Context, task *models.DeliveryTask, winnerID string) {
	if err := e.queue.Supersede(ctx, task, winnerID); err != nil && !errors.Is(err, queue.ErrStateChanged) {
		e.logger.ErrorContext(ctx, "failed to supersede task", logging.TaskID(task.ID), logging.Error(err))
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, "superseded").Inc()
	e.release(ctx, task)
}

func (e *Engine) deliverGroup(ctx context.Context, target string, tasks []*models.DeliveryTask) {
	defer e.endSend(tasks)

	ctx, span := e.tracer.Start(ctx, "syncengine.deliver", trace.WithAttributes(
		attribute.String("target", target),
		attribute.Int("tasks", len(tasks)),
	))
	defer span.End()

	// Store calls must finish while the owner lease and in-flight score are
	// still valid. Bookkeeping below keeps the unbounded ctx.
	sendCtx, cancel := context.WithTimeout(ctx, e.sendBudget())
	defer cancel()

	rows := make([]models.Row, len(tasks))
	for i, task := range tasks {
		rows[i] = task.Row
	}

	n, err := e.deliverer.AppendOrUpdate(sendCtx, target, rows)
	for _, task := range tasks[:n] {
		e.succeed(ctx, task)
	}
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())

	rest := tasks[n:]
	if delivery.IsPermanent(err) && len(rest) > 1 {
		// Isolate the offending row so its neighbours are not dead-lettered with it.
		for _, task := range rest {
			if _, rowErr := e.deliverer.AppendOrUpdate(sendCtx, target, []models.Row{task.Row}); rowErr != nil {
				if !delivery.IsPermanent(rowErr) {
					e.noteTransient(ctx, rowErr)
				}
				e.failTask(ctx, task, rowErr)
				continue
			}
			e.succeed(ctx, task)
		}
		return
	}
	if !delivery.IsPermanent(err) {
		e.noteTransient(ctx, err)
	}
	for _, task := range rest {
		e.failTask(ctx, task, err)
	}
}

// sendBudget is the longest a group of store calls may run.
func (e *Engine) sendBudget() time.Duration {
	return e.cfg.InflightTimeout - e.cfg.InflightTimeout/10
}

func sendKey(task *models.DeliveryTask) string {
	return task.Target + "/" + task.LogicalKey
}

// beginSend marks the task's record as being sent by this process. It reports
// false when another task for the record is still on the wire.
func (e *Engine) beginSend(task *models.DeliveryTask) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if id, ok := e.sending[sendKey(task)]; ok && id != task.ID {
		return false
	}
	e.sending[sendKey(task)] = task.ID
	return true
}

func (e *Engine) endSend(tasks []*models.DeliveryTask) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	for _, task := range tasks {
		if e.sending[sendKey(task)] == task.ID {
			delete(e.sending, sendKey(task))
		}
	}
}

func (e *Engine) isSending(task *models.DeliveryTask) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.sending[sendKey(task)] == task.ID
}

func (e *Engine) succeed(ctx context.Context, task *models.DeliveryTask) {
	e.consecutiveFailures.Store(0)

	if err := e.queue.Complete(ctx, task); err != nil {
		// The watchdog may have requeued the task; the redelivery is idempotent.
		e.logger.WarnContext(ctx, "failed to mark task delivered", logging.TaskID(task.ID), logging.Error(err))
	} else {
		metrics.TaskTransitions.WithLabelValues(task.Target, string(models.TaskDelivered)).Inc()
	}
	if _, err := e.queue.AdvanceWatermark(ctx, task.Target, task.LogicalKey, task.Candidate()); err != nil {
		e.logger.ErrorContext(ctx, "failed to advance watermark", logging.TaskID(task.ID), logging.Error(err))
	}
	if err := e.queue.ClearActive(ctx, task.Target, task.LogicalKey, task.ID); err != nil {
		e.logger.WarnContext(ctx, "failed to clear active task", logging.TaskID(task.ID), logging.Error(err))
	}
	e.release(ctx, task)

	if e.archive != nil {
		if err := e.archive.Index(ctx, []models.CanonicalEvent{task.Event}); err != nil {
			metrics.ArchiveIndexed.WithLabelValues("error").Inc()
			e.logger.WarnContext(ctx, "failed to archive delivered event", logging.EventID(task.Event.EventID), logging.Error(err))
		} else {
			metrics.ArchiveIndexed.WithLabelValues("ok").Inc()
		}
	}

	e.logger.DebugContext(ctx, "task delivered",
		logging.TaskID(task.ID),
		logging.Target(task.Target),
		logging.LogicalKey(task.LogicalKey),
		logging.Attempt(task.Attempt+1))
}

// failTask applies the retry policy: permanent failures and exhausted attempt
// budgets dead-letter the task, other failures reschedule it with backoff.
func (e *Engine) failTask(ctx context.Context, task *models.DeliveryTask, cause error) {
	if delivery.IsPermanent(cause) {
		e.deadLetter(ctx, task, ReasonPermanent, cause)
		return
	}

	task.Attempt++
	if task.Attempt >= e.cfg.MaxAttempts {
		e.deadLetter(ctx, task, ReasonMaxAttempts, cause)
		return
	}

	delay := e.cfg.Backoff.Delay(task.Attempt - 1)
	task.NextAttemptAt = e.now().Add(delay).UTC()
	if err := e.queue.Retry(ctx, task, cause.Error()); err != nil {
		e.logger.WarnContext(ctx, "failed to reschedule task", logging.TaskID(task.ID), logging.Error(err))
	} else {
		metrics.TaskTransitions.WithLabelValues(task.Target, "retry").Inc()
	}
	e.release(ctx, task)

	e.logger.DebugContext(ctx, "task rescheduled after transient failure",
		logging.TaskID(task.ID),
		logging.Attempt(task.Attempt),
		logging.Duration(delay),
		logging.Error(cause))
}

func (e *Engine) deadLetter(ctx context.Context, task *models.DeliveryTask, reason string, cause error) {
	if err := e.queue.DeadLetter(ctx, task, cause.Error()); err != nil {
		e.logger.WarnContext(ctx, "failed to dead-letter task", logging.TaskID(task.ID), logging.Error(err))
		e.release(ctx, task)
		return
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, string(models.TaskDeadLettered)).Inc()
	metrics.DeadLettersTotal.WithLabelValues(task.Target, reason).Inc()

	if err := e.queue.ClearActive(ctx, task.Target, task.LogicalKey, task.ID); err != nil {
		e.logger.WarnContext(ctx, "failed to clear active task", logging.TaskID(task.ID), logging.Error(err))
	}
	e.release(ctx, task)

	e.logger.ErrorContext(ctx, "task dead-lettered",
		logging.TaskID(task.ID),
		logging.Target(task.Target),
		logging.LogicalKey(task.LogicalKey),
		logging.Attempt(task.Attempt),
		"reason", reason,
		logging.Error(cause))

	if e.dlq != nil {
		if err := e.dlq.Write(ctx, task, reason); err != nil {
			e.logger.WarnContext(ctx, "failed to mirror dead letter", logging.TaskID(task.ID), logging.Error(err))
		}
	}
	if e.alerts != nil {
		msg := fmt.Sprintf("task %s for %s/%s dead-lettered after %d attempts: %v",
			task.ID, task.Target, task.LogicalKey, task.Attempt, cause)
		if err := e.alerts.Record(ctx, AlertDeadLettered, models.SeverityHigh, msg); err != nil {
			e.logger.WarnContext(ctx, "failed to record alert", logging.Error(err))
		}
	}
}

// noteTransient counts consecutive failed store calls and raises a high alert
// each time the systemic threshold is crossed. A failed batch counts once.
func (e *Engine) noteTransient(ctx context.Context, cause error) {
	n := e.consecutiveFailures.Add(1)
	threshold := int64(e.cfg.SystemicFailureThreshold)
	if threshold <= 0 || n%threshold != 0 || e.alerts == nil {
		return
	}
	msg := fmt.Sprintf("analytics store degraded: %d consecutive transient failures, last: %v", n, cause)
	if err := e.alerts.Record(ctx, AlertStoreDegraded, models.SeverityHigh, msg); err != nil {
		e.logger.WarnContext(ctx, "failed to record alert", logging.Error(err))
	}
}

func (e *Engine) release(ctx context.Context, task *models.DeliveryTask) {
	if err := e.queue.ReleaseOwner(ctx, task.Target, task.LogicalKey, task.ID); err != nil {
		e.logger.WarnContext(ctx, "failed to release record owner", logging.TaskID(task.ID), logging.Error(err))
	}
}

// RequeueStale treats tasks in flight longer than the in-flight timeout as
// transient failures, so a crashed worker never strands a task.
func (e *Engine) RequeueStale(ctx context.Context) (int, error) {
	stale, err := e.queue.Stale(ctx, e.now().Add(-e.cfg.InflightTimeout), e.cfg.ClaimBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, task := range stale {
		if e.isSending(task) {
			// Still inside a bounded store call on this instance.
			continue
		}
		requeued++
		metrics.StaleTasksRequeued.Inc()
		e.logger.WarnContext(ctx, "requeueing stale in-flight task", logging.TaskID(task.ID), logging.Target(task.Target))
		e.failTask(ctx, task, delivery.Transient(errors.New("in-flight timeout exceeded")))
	}
	return requeued, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
