// Package queue is the durable DeliveryTask queue kept in Redis.
//
// Every task lives under task:<id> as JSON and is indexed in exactly one state
// set (pending, inflight, delivered, dead, failed) scored by the time relevant to
// that state. State changes are Lua scripts that remove the id from the expected
// source set first, so two workers can never both win the same transition.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id or key.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotDeadLettered is returned when replaying or discarding a task that is not dead-lettered.
	ErrNotDeadLettered = errors.New("task is not dead-lettered")
	// ErrStateChanged is returned when another worker or the watchdog moved the task first.
	ErrStateChanged = errors.New("task state changed concurrently")
)

// DefaultPrefix namespaces every key the queue writes.
const DefaultPrefix = "tracksync:"

const (
	setPending   = "pending"
	setInFlight  = "inflight"
	setDelivered = "delivered"
	setDead      = "dead"
	setFailed    = "failed"
)

// enqueueScript stores a task unless its idempotency key is already taken and
// returns the id of the task that owns the key.
var enqueueScript = redis.NewScript(`
	local existing = redis.call('GET', KEYS[1])
	if existing then
		return existing
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	return ARGV[1]
`)

// claimScript moves up to ARGV[2] due ids from pending to inflight.
var claimScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	local out = {}
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		local raw = redis.call('GET', ARGV[4] .. id)
		if raw then
			redis.call('ZADD', KEYS[2], ARGV[3], id)
			table.insert(out, raw)
		end
	end
	return out
`)

// transitionScript moves ARGV[1] from any of KEYS[3..] into KEYS[2] and rewrites
// the task body. Returns 0 when the id was in none of the source sets.
var transitionScript = redis.NewScript(`
	local removed = 0
	for i = 3, #KEYS do
		removed = removed + redis.call('ZREM', KEYS[i], ARGV[1])
	end
	if removed == 0 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
`)

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// acquireOwnerScript takes the per-key writer slot, re-entrant for the holder.
var acquireOwnerScript = redis.NewScript(`
	local holder = redis.call('GET', KEYS[1])
	if holder == false or holder == ARGV[1] then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	end
	return 0
`)

// Queue is the Redis-backed task store.
type Queue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New creates a Queue with the default key prefix.
func New(client *redis.Client) *Queue {
	return NewWithPrefix(client, DefaultPrefix)
}

// NewWithPrefix creates a Queue whose keys start with prefix.
func NewWithPrefix(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, prefix: prefix, now: time.Now}
}

func (q *Queue) taskKey(id string) string  { return q.prefix + "task:" + id }
func (q *Queue) idemKey(key string) string { return q.prefix + "idem:" + key }
func (q *Queue) setKey(name string) string { return q.prefix + name }
func (q *Queue) slot(kind, target, key string) string {
	return q.prefix + kind + ":" + target + ":" + key
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func setFor(status models.TaskStatus) string {
	switch status {
	case models.TaskInFlight:
		return setInFlight
	case models.TaskDelivered:
		return setDelivered
	case models.TaskDeadLettered:
		return setDead
	case models.TaskFailed:
		return setFailed
	default:
		return setPending
	}
}

func scoreFor(task *models.DeliveryTask) float64 {
	switch task.Status {
	case models.TaskPending:
		return score(task.NextAttemptAt)
	case models.TaskDelivered:
		if task.DeliveredAt != nil {
			return score(*task.DeliveredAt)
		}
	case models.TaskInFlight:
		if task.ClaimedAt != nil {
			return score(*task.ClaimedAt)
		}
	}
	return score(task.UpdatedAt)
}

// Enqueue stores task unless a task with the same idempotency key exists. It
// returns the stored task and whether it was newly created. A task already in a
// terminal state (a superseded duplicate) is recorded without ever being claimable.
func (q *Queue) Enqueue(ctx context.Context, task *models.DeliveryTask) (*models.DeliveryTask, bool, error) {
	if task.ID == "" || task.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("task requires id and idempotency key")
	}
	now := q.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.Status == models.TaskPending && task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = now
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal task: %w", err)
	}

	keys := []string{q.idemKey(task.IdempotencyKey), q.taskKey(task.ID), q.setKey(setFor(task.Status))}
	owner, err := enqueueScript.Run(ctx, q.client, keys, task.ID, data, scoreFor(task)).Text()
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	if owner == task.ID {
		return task, true, nil
	}

	existing, err := q.Get(ctx, owner)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Claim hands up to limit due pending tasks to the caller, marking them in flight.
// A task id is removed from pending atomically, so it is never claimed twice.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]*models.DeliveryTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := []string{q.setKey(setPending), q.setKey(setInFlight)}
	raw, err := claimScript.Run(ctx, q.client, keys, score(now), limit, score(now), q.prefix+"task:").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	claimedAt := now.UTC()
	tasks := make([]*models.DeliveryTask, 0, len(raw))
	for _, body := range raw {
		var task models.DeliveryTask
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return tasks, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		task.Status = models.TaskInFlight
		task.ClaimedAt = &claimedAt
		task.UpdatedAt = claimedAt
		if err := q.save(ctx, &task); err != nil {
			return tasks, err
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Complete marks an in-flight task delivered.
func (q *Queue) Complete(ctx context.Context, task *models.DeliveryTask) error {
	now := q.now().UTC()
	task.Status = models.TaskDelivered
	task.DeliveredAt = &now
	task.LastError = ""
	return q.transition(ctx, task, setInFlight)
}

// Retry returns an in-flight task to pending after a transient failure. The
// caller has already advanced task.Attempt and task.NextAttemptAt.
func (q *Queue) Retry(ctx context.Context, task *models.DeliveryTask, cause string) error {
	task.Status = models.TaskPending
	task.LastError = cause
	task.ClaimedAt = nil
	return q.transition(ctx, task, setInFlight)
}

// Defer returns an in-flight task to pending until at without consuming an attempt.
func (q *Queue) Defer(ctx context.Context, task *models.DeliveryTask, at time.Time) error {
	task.Status = models.TaskPending
	task.NextAttemptAt = at.UTC()
	task.ClaimedAt = nil
	return q.transition(ctx, task, setInFlight)
}

// DeadLetter parks a task for operator inspection.
func (q *Queue) DeadLetter(ctx context.Context, task *models.DeliveryTask, cause string) error {
	task.Status = models.TaskDeadLettered
	task.LastError = cause
	return q.transition(ctx, task, setInFlight, setPending)
}

// Supersede marks a pending or in-flight task delivered without sending it,
// because winnerID already carries a newer value for the same record.
func (q *Queue) Supersede(ctx context.Context, task *models.DeliveryTask, winnerID string) error {
	now := q.now().UTC()
	task.Status = models.TaskDelivered
	task.SupersededBy = winnerID
	task.DeliveredAt = &now
	return q.transition(ctx, task, setPending, setInFlight)
}

// Replay moves a dead-lettered task back to pending, due at at, with a fresh attempt budget.
func (q *Queue) Replay(ctx context.Context, id string, at time.Time) (*models.DeliveryTask, error) {
	task, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskDeadLettered {
		return nil, ErrNotDeadLettered
	}
	task.Status = models.TaskPending
	task.Attempt = 0
	task.NextAttemptAt = at.UTC()
	task.ClaimedAt = nil
	if err := q.transition(ctx, task, setDead); err != nil {
		if errors.Is(err, ErrStateChanged) {
			return nil, ErrNotDeadLettered
		}
		return nil, err
	}
	return task, nil
}

// Discard closes a dead-lettered task as failed. It is never retried.
func (q *Queue) Discard(ctx context.Context, id string) (*models.DeliveryTask, error) {
	task, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskDeadLettered {
		return nil, ErrNotDeadLettered
	}
	task.Status = models.TaskFailed
	if err := q.transition(ctx, task, setDead); err != nil {
		if errors.Is(err, ErrStateChanged) {
			return nil, ErrNotDeadLettered
		}
		return nil, err
	}
	return task, nil
}

func (q *Queue) transition(ctx context.Context, task *models.DeliveryTask, from ...string) error {
	task.UpdatedAt = q.now().UTC()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	keys := []string{q.taskKey(task.ID), q.setKey(setFor(task.Status))}
	for _, f := range from {
		keys = append(keys, q.setKey(f))
	}
	moved, err := transitionScript.Run(ctx, q.client, keys, task.ID, scoreFor(task), data).Int()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if moved == 0 {
		return ErrStateChanged
	}
	return nil
}

func (q *Queue) save(ctx context.Context, task *models.DeliveryTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.client.Set(ctx, q.taskKey(task.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Get loads a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.DeliveryTask, error) {
	data, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var task models.DeliveryTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// GetByIdempotencyKey loads the task that owns an idempotency key.
func (q *Queue) GetByIdempotencyKey(ctx context.Context, key string) (*models.DeliveryTask, error) {
	id, err := q.client.Get(ctx, q.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve idempotency key: %w", err)
	}
	return q.Get(ctx, id)
}

// Stale returns tasks claimed before cutoff that are still in flight.
func (q *Queue) Stale(ctx context.Context, cutoff time.Time, limit int) ([]*models.DeliveryTask, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.setKey(setInFlight), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return q.load(ctx, ids)
}

// DeadLetters returns the most recently dead-lettered tasks first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*models.DeliveryTask, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.setKey(setDead), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return q.load(ctx, ids)
}

func (q *Queue) load(ctx context.Context, ids []string) ([]*models.DeliveryTask, error) {
	tasks := make([]*models.DeliveryTask, 0, len(ids))
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Depth returns the number of tasks per state.
func (q *Queue) Depth(ctx context.Context) (map[models.TaskStatus]int64, error) {
	states := map[models.TaskStatus]string{
		models.TaskPending:      setPending,
		models.TaskInFlight:     setInFlight,
		models.TaskDelivered:    setDelivered,
		models.TaskDeadLettered: setDead,
		models.TaskFailed:       setFailed,
	}
	cmds := make(map[models.TaskStatus]*redis.IntCmd, len(states))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for status, set := range states {
			cmds[status] = pipe.ZCard(ctx, q.setKey(set))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	depth := make(map[models.TaskStatus]int64, len(cmds))
	for status, cmd := range cmds {
		depth[status] = cmd.Val()
	}
	return depth, nil
}

// PurgeDelivered deletes delivered and failed tasks finished before the cutoff,
// along with their idempotency keys.
func (q *Queue) PurgeDelivered(ctx context.Context, before time.Time) (int, error) {
	purged := 0
	for _, set := range []string{setDelivered, setFailed} {
		ids, err := q.client.ZRangeByScore(ctx, q.setKey(set), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", before.UnixMilli()),
		}).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to list %s tasks: %w", set, err)
		}
		for _, id := range ids {
			task, err := q.Get(ctx, id)
			if err != nil && !errors.Is(err, ErrTaskNotFound) {
				return purged, err
			}
			_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.setKey(set), id)
				pipe.Del(ctx, q.taskKey(id))
				if task != nil {
					pipe.Del(ctx, q.idemKey(task.IdempotencyKey))
				}
				return nil
			})
			if err != nil {
				return purged, fmt.Errorf("failed to purge task %s: %w", id, err)
			}
			purged++
		}
	}
	return purged, nil
}

// Active returns the id of the latest undelivered task for a record, or "".
func (q *Queue) Active(ctx context.Context, target, key string) (string, error) {
	id, err := q.client.Get(ctx, q.slot("active", target, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active task: %w", err)
	}
	return id, nil
}

// SetActive records taskID as the latest undelivered task for a record.
func (q *Queue) SetActive(ctx context.Context, target, key, taskID string) error {
	if err := q.client.Set(ctx, q.slot("active", target, key), taskID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active task: %w", err)
	}
	return nil
}

// ClearActive removes the active marker if it still names taskID.
func (q *Queue) ClearActive(ctx context.Context, target, key, taskID string) error {
	if err := compareAndDeleteScript.Run(ctx, q.client, []string{q.slot("active", target, key)}, taskID).Err(); err != nil {
		return fmt.Errorf("failed to clear active task: %w", err)
	}
	return nil
}

// AcquireOwner makes taskID the only writer for a record for up to ttl.
func (q *Queue) AcquireOwner(ctx context.Context, target, key, taskID string, ttl time.Duration) (bool, error) {
	ok, err := acquireOwnerScript.Run(ctx, q.client, []string{q.slot("owner", target, key)}, taskID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire record owner: %w", err)
	}
	return ok == 1, nil
}

// ReleaseOwner gives up the writer slot if taskID still holds it.
func (q *Queue) ReleaseOwner(ctx context.Context, target, key, taskID string) error {
	if err := compareAndDeleteScript.Run(ctx, q.client, []string{q.slot("owner", target, key)}, taskID).Err(); err != nil {
		return fmt.Errorf("failed to release record owner: %w", err)
	}
	return nil
}

// Watermark returns the newest candidate delivered for a record, or nil.
func (q *Queue) Watermark(ctx context.Context, target, key string) (*models.ConflictCandidate, error) {
	data, err := q.client.Get(ctx, q.slot("wm", target, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	var wm models.ConflictCandidate
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal watermark: %w", err)
	}
	return &wm, nil
}

// AdvanceWatermark stores cand as the delivered value of a record unless a newer
// candidate is already recorded. It reports whether cand became the watermark.
func (q *Queue) AdvanceWatermark(ctx context.Context, target, key string, cand models.ConflictCandidate) (bool, error) {
	wmKey := q.slot("wm", target, key)
	data, err := json.Marshal(cand)
	if err != nil {
		return false, fmt.Errorf("failed to marshal watermark: %w", err)
	}

	advanced := false
	txf := func(tx *redis.Tx) error {
		advanced = false
		raw, err := tx.Get(ctx, wmKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var current models.ConflictCandidate
			if err := json.Unmarshal(raw, &current); err != nil {
				return err
			}
			if current.TaskID == cand.TaskID || !cand.Newer(current) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, wmKey, data, 0)
			return nil
		})
		if err == nil {
			advanced = true
		}
		return err
	}

	for i := 0; i < 10; i++ {
		err := q.client.Watch(ctx, txf, wmKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to advance watermark: %w", err)
		}
		return advanced, nil
	}
	return false, fmt.Errorf("failed to advance watermark: too much contention")
}
