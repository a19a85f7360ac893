// Package dlq mirrors dead-lettered delivery tasks to NATS JetStream so
// operators and downstream tooling see them outside Redis.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
	"github.com/telhawk-systems/tracksync/common/messaging/nats"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// FailedTask is the message published for every dead-lettered task.
type FailedTask struct {
	Timestamp time.Time            `json:"timestamp"`
	Task      *models.DeliveryTask `json:"task"`
	Reason    string               `json:"reason"`
	Error     string               `json:"error"`
	Attempts  int                  `json:"attempts"`
}

// Publisher is the JetStream publish surface used by the mirror.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Mirror writes dead letters to the TRACKING_DLQ stream. A nil *Mirror is a
// disabled mirror.
type Mirror struct {
	pub     Publisher
	stream  jetstream.Stream
	written atomic.Uint64
	logger  *logging.Logger
}

// NewJetStreamMirror creates the stream if needed and returns a mirror on it.
func NewJetStreamMirror(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*Mirror, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	stream, err := js.EnsureStream(ctx, nats.DeadLetterStream)
	if err != nil {
		return nil, err
	}
	m := NewMirror(js, logger)
	m.stream = stream
	m.logger.Info("dlq stream ready", "stream", nats.DeadLetterStream.Name)
	return m, nil
}

// NewMirror creates a mirror on any publisher.
func NewMirror(pub Publisher, logger *logging.Logger) *Mirror {
	if logger == nil {
		logger = logging.Default()
	}
	return &Mirror{pub: pub, logger: logger.Component("dlq")}
}

// Write publishes the task on tracking.dlq.<reason>.
func (m *Mirror) Write(ctx context.Context, task *models.DeliveryTask, reason string) error {
	if m == nil {
		return nil
	}
	failed := FailedTask{
		Timestamp: time.Now().UTC(),
		Task:      task,
		Reason:    reason,
		Error:     task.LastError,
		Attempts:  task.Attempt,
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	ack, err := m.pub.PublishSync(ctx, messaging.DLQSubject(reason), data, jetstream.WithMsgID(msgID(task)))
	if err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}
	if ack != nil && ack.Duplicate {
		m.logger.DebugContext(ctx, "dead letter already mirrored", logging.TaskID(task.ID))
		return nil
	}
	m.written.Add(1)
	m.logger.DebugContext(ctx, "dead letter mirrored", logging.TaskID(task.ID), "reason", reason)
	return nil
}

// Stats reports stream state.
func (m *Mirror) Stats(ctx context.Context) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}
	stats := map[string]interface{}{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": m.written.Load(),
	}
	if m.stream == nil {
		return stats
	}
	info, err := m.stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}

// List reads up to limit mirrored dead letters from the start of the stream.
func (m *Mirror) List(ctx context.Context, limit int) ([]FailedTask, error) {
	if m == nil || m.stream == nil {
		return nil, errors.New("dlq stream not enabled")
	}
	if limit <= 0 {
		limit = 100
	}
	consumer, err := m.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectTrackingDLQ + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}
	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	var out []FailedTask
	for msg := range msgs.Messages() {
		var failed FailedTask
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			m.logger.WarnContext(ctx, "skipping unreadable dlq message", logging.Error(err))
			continue
		}
		out = append(out, failed)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		m.logger.WarnContext(ctx, "dlq fetch completed with error", logging.Error(err))
	}
	return out, nil
}

// msgID identifies one dead-lettering of a task. A task replayed and
// dead-lettered again gets a new attempt count and so a new ID.
func msgID(task *models.DeliveryTask) string {
	return fmt.Sprintf("%s:%d", task.ID, task.Attempt)
}
