package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/tracksync/common/messaging"
)

// Streams owned by the tracking service.
var (
	// DeadLetterStream keeps dead-lettered delivery tasks. Publishes carry a
	// task:attempt message ID so a retried mirror write is stored once.
	DeadLetterStream = jetstream.StreamConfig{
		Name:        "TRACKING_DLQ",
		Description: "dead-lettered delivery tasks",
		Subjects:    []string{messaging.SubjectTrackingDLQ + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    512 << 20,
		MaxMsgs:     500000,
		Duplicates:  10 * time.Minute,
	}

	// ScheduleEventsStream keeps tier completion events for replay by
	// downstream consumers.
	ScheduleEventsStream = jetstream.StreamConfig{
		Name:        "TRACKING_SCHEDULE",
		Description: "scheduler tier completions",
		Subjects:    []string{messaging.SubjectTrackingSchedule + ".*.completed"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    64 << 20,
		MaxMsgs:     100000,
	}
)

// JetStreamClient adds stream management and acknowledged publishes.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(client.conn)
	if err != nil {
		client.conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// EnsureStream creates cfg or updates the existing stream in place.
func (c *JetStreamClient) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	c.logger.Debug("stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// PublishSync publishes to a stream subject and waits for the ack. Pass
// jetstream.WithMsgID to dedupe within the stream's duplicate window.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return c.js.PublishMsg(ctx, newMsg(ctx, subject, data), opts...)
}
