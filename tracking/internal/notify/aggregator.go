// Package notify collapses repeated alerts into one notification per
// (type, message template) per aggregation window and fans them out to the
// channels selected by severity.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// ErrInvalidSeverity is returned by Record for an unknown severity.
var ErrInvalidSeverity = errors.New("invalid severity")

const (
	keyOpen        = "tracksync:alerts:open"
	keyDispatching = "tracksync:alerts:dispatching"
	keyHistory     = "tracksync:alerts:history"
	keyFlushLock   = "tracksync:alerts:flush-lock"
	prefixBucket   = "tracksync:alerts:bucket:"
	prefixDispatch = "tracksync:alerts:dispatch:"
)

// recordScript opens or updates a bucket. Severity only ever rises.
var recordScript = redis.NewScript(`
	redis.call('HSETNX', KEYS[1], 'id', ARGV[8])
	redis.call('HSETNX', KEYS[1], 'type', ARGV[2])
	redis.call('HSETNX', KEYS[1], 'template', ARGV[3])
	redis.call('HSETNX', KEYS[1], 'first_seen', ARGV[7])
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[7], 'message', ARGV[4])
	local rank = tonumber(redis.call('HGET', KEYS[1], 'rank') or '0')
	if tonumber(ARGV[6]) > rank then
		redis.call('HSET', KEYS[1], 'rank', ARGV[6], 'severity', ARGV[5])
	end
	local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
	redis.call('SADD', KEYS[2], ARGV[1])
	return count
`)

// closeScript moves every open bucket to the dispatching set. A bucket whose
// previous dispatch is still pending stays open until the next flush.
var closeScript = redis.NewScript(`
	local keys = redis.call('SMEMBERS', KEYS[1])
	local moved = 0
	for _, k in ipairs(keys) do
		if redis.call('EXISTS', ARGV[2] .. k) == 0 then
			if redis.call('EXISTS', ARGV[1] .. k) == 1 then
				redis.call('RENAME', ARGV[1] .. k, ARGV[2] .. k)
				redis.call('SADD', KEYS[2], k)
				moved = moved + 1
			end
			redis.call('SREM', KEYS[1], k)
		end
	end
	return moved
`)

var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// AlertLog persists dispatched alerts.
type AlertLog interface {
	LogAlert(ctx context.Context, alert *models.NotificationAlert) error
}

// Config tunes aggregation and routing.
type Config struct {
	Window         time.Duration
	ChannelTimeout time.Duration
	Routes         map[models.Severity][]string
	ReportChannels []string
	HistorySize    int64
}

// DefaultRoutes pages on high and critical alerts and emails everything.
func DefaultRoutes() map[models.Severity][]string {
	return map[models.Severity][]string{
		models.SeverityLow:      {"email"},
		models.SeverityMedium:   {"email"},
		models.SeverityHigh:     {"pager", "email"},
		models.SeverityCritical: {"pager", "email"},
	}
}

// DefaultConfig returns a 5 minute window with the default routes.
func DefaultConfig() Config {
	return Config{
		Window:         5 * time.Minute,
		ChannelTimeout: 10 * time.Second,
		Routes:         DefaultRoutes(),
		ReportChannels: []string{"email"},
		HistorySize:    1000,
	}
}

// Aggregator buckets alerts in Redis and dispatches them once per window.
type Aggregator struct {
	client   *redis.Client
	channels map[string]Channel
	cfg      Config
	log      AlertLog
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAggregator creates an Aggregator. Channels are addressed by Type().
func NewAggregator(client *redis.Client, channels []Channel, cfg Config, alertLog AlertLog, logger *logging.Logger) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 10 * time.Second
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if logger == nil {
		logger = logging.Default()
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Type()] = ch
	}
	return &Aggregator{
		client:   client,
		channels: byName,
		cfg:      cfg,
		log:      alertLog,
		logger:   logger.Component("notify"),
		tracer:   tracing.Tracer("notify"),
		now:      time.Now,
	}
}

// Channels returns the configured channels sorted by name.
func (a *Aggregator) Channels() []Channel {
	names := make([]string, 0, len(a.channels))
	for name := range a.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Channel, 0, len(names))
	for _, name := range names {
		out = append(out, a.channels[name])
	}
	return out
}

// ChannelsFor returns the configured channels routed for severity.
func (a *Aggregator) ChannelsFor(severity models.Severity) []Channel {
	return a.resolve(a.cfg.Routes[severity])
}

func (a *Aggregator) resolve(names []string) []Channel {
	var out []Channel
	for _, name := range names {
		if ch, ok := a.channels[name]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Record adds one occurrence to the alert's bucket. Safe for concurrent use
// across goroutines and processes.
func (a *Aggregator) Record(ctx context.Context, alertType string, severity models.Severity, message string) error {
	if !severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	template := Template(message)
	key := BucketKey(alertType, template)
	now := a.now().UTC().UnixMilli()

	keys := []string{prefixBucket + key, keyOpen}
	_, err := recordScript.Run(ctx, a.client, keys,
		key, alertType, template, message, string(severity), severity.Rank(), now, uuid.NewString()).Int64()
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	metrics.AlertsRecorded.WithLabelValues(alertType, string(severity)).Inc()
	return nil
}

// Open returns the buckets collecting occurrences in the current window.
func (a *Aggregator) Open(ctx context.Context) ([]models.NotificationAlert, error) {
	keys, err := a.client.SMembers(ctx, keyOpen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	sort.Strings(keys)
	alerts := make([]models.NotificationAlert, 0, len(keys))
	for _, key := range keys {
		alert, err := a.load(ctx, prefixBucket+key, key)
		if err != nil {
			return nil, err
		}
		if alert != nil {
			alert.Status = models.AlertPending
			alerts = append(alerts, *alert)
		}
	}
	return alerts, nil
}

// Flush closes every open bucket and dispatches one notification per bucket.
// Buckets left dispatching by a crashed flush are dispatched too.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	ctx, span := a.tracer.Start(ctx, "notify.flush")
	defer span.End()

	token := uuid.NewString()
	locked, err := a.client.SetNX(ctx, keyFlushLock, token, a.cfg.Window).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to take flush lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), a.client, []string{keyFlushLock}, token).Err()
	}()

	if err := closeScript.Run(ctx, a.client, []string{keyOpen, keyDispatching}, prefixBucket, prefixDispatch).Err(); err != nil {
		return 0, fmt.Errorf("failed to close alert buckets: %w", err)
	}

	keys, err := a.client.SMembers(ctx, keyDispatching).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list dispatching alerts: %w", err)
	}
	sort.Strings(keys)
	span.SetAttributes(attribute.Int("buckets", len(keys)))

	dispatched := 0
	for _, key := range keys {
		alert, err := a.load(ctx, prefixDispatch+key, key)
		if err != nil {
			return dispatched, err
		}
		if alert == nil {
			a.client.SRem(ctx, keyDispatching, key)
			continue
		}
		a.dispatch(ctx, alert)
		if err := a.finish(ctx, key, alert); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (a *Aggregator) dispatch(ctx context.Context, alert *models.NotificationAlert) {
	channels := a.ChannelsFor(alert.Severity)
	alert.Channels = make([]string, 0, len(channels))
	for _, ch := range channels {
		alert.Channels = append(alert.Channels, ch.Type())
	}

	msg := &Message{
		Subject:  fmt.Sprintf("[%s] %s (x%d)", alert.Severity, alert.Type, alert.OccurrenceCount),
		Body:     summarize(alert),
		Severity: alert.Severity,
		Alert:    alert,
	}
	alert.Results = Fanout(ctx, channels, msg, a.cfg.ChannelTimeout)

	alert.Status = models.AlertFailed
	for _, res := range alert.Results {
		outcome := "ok"
		if res.OK {
			alert.Status = models.AlertSent
		} else {
			outcome = "error"
			a.logger.WarnContext(ctx, "notification channel failed",
				logging.Channel(res.Channel),
				logging.AlertKey(alert.Key),
				"error", res.Error)
		}
		metrics.NotificationsDispatched.WithLabelValues(res.Channel, outcome).Inc()
	}
	if alert.Status == models.AlertFailed {
		a.logger.ErrorContext(ctx, "alert could not be delivered on any channel",
			logging.AlertKey(alert.Key), "type", alert.Type, "channels", alert.Channels)
	}
}

func summarize(alert *models.NotificationAlert) string {
	return fmt.Sprintf("%s: %d occurrence(s) between %s and %s\nTemplate: %s\nLatest: %s\n",
		alert.Type, alert.OccurrenceCount,
		alert.FirstSeenAt.UTC().Format(time.RFC3339), alert.LastSeenAt.UTC().Format(time.RFC3339),
		alert.Template, alert.Message)
}

// finish records the dispatched alert and drops its bucket.
func (a *Aggregator) finish(ctx context.Context, key string, alert *models.NotificationAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, keyHistory, data)
		pipe.LTrim(ctx, keyHistory, 0, a.cfg.HistorySize-1)
		pipe.Del(ctx, prefixDispatch+key)
		pipe.SRem(ctx, keyDispatching, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to close dispatched alert: %w", err)
	}
	if a.log != nil {
		if err := a.log.LogAlert(ctx, alert); err != nil {
			a.logger.WarnContext(ctx, "failed to persist alert log", logging.AlertKey(key), logging.Error(err))
		}
	}
	return nil
}

func (a *Aggregator) load(ctx context.Context, redisKey, key string) (*models.NotificationAlert, error) {
	fields, err := a.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alert bucket: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	first, _ := strconv.ParseInt(fields["first_seen"], 10, 64)
	last, _ := strconv.ParseInt(fields["last_seen"], 10, 64)
	return &models.NotificationAlert{
		ID:              fields["id"],
		Key:             key,
		Type:            fields["type"],
		Severity:        models.Severity(fields["severity"]),
		Template:        fields["template"],
		Message:         fields["message"],
		FirstSeenAt:     time.UnixMilli(first).UTC(),
		LastSeenAt:      time.UnixMilli(last).UTC(),
		OccurrenceCount: count,
	}, nil
}

// Recent returns up to n dispatched alerts, newest first.
func (a *Aggregator) Recent(ctx context.Context, n int64) ([]models.NotificationAlert, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := a.client.LRange(ctx, keyHistory, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alert history: %w", err)
	}
	alerts := make([]models.NotificationAlert, 0, len(raw))
	for _, item := range raw {
		var alert models.NotificationAlert
		if err := json.Unmarshal([]byte(item), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Run flushes every window until ctx is done, with a final flush on the way out.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ChannelTimeout+5*time.Second)
			if _, err := a.Flush(flushCtx); err != nil {
				a.logger.Error("final alert flush failed", logging.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			n, err := a.Flush(ctx)
			if err != nil {
				a.logger.ErrorContext(ctx, "alert flush failed", logging.Error(err))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "alerts dispatched", "count", n)
			}
		}
	}
}

// SendReport pushes a scheduler report to the report channels.
func (a *Aggregator) SendReport(ctx context.Context, report *Report) []models.ChannelResult {
	msg := &Message{
		Subject:  report.Title,
		Body:     report.Body(),
		Severity: models.SeverityLow,
		Report:   report,
	}
	results := Fanout(ctx, a.resolve(a.cfg.ReportChannels), msg, a.cfg.ChannelTimeout)
	for _, res := range results {
		outcome := "ok"
		if !res.OK {
			outcome = "error"
			a.logger.WarnContext(ctx, "report channel failed", logging.Channel(res.Channel), "report", report.Name, "error", res.Error)
		}
		metrics.NotificationsDispatched.WithLabelValues(res.Channel, outcome).Inc()
	}
	return results
}
