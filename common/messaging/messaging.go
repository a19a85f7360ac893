// Package messaging is the bus surface of the tracking service. Dead letters,
// aggregated alerts and scheduler tier events all travel through it.
package messaging

import (
	"context"
	"time"
)

// Message is a single delivery from the bus.
type Message struct {
	Subject    string
	Data       []byte
	Header     map[string]string
	ReceivedAt time.Time
}

// MessageHandler processes a delivery. Returned errors are logged by the
// client; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Publisher sends fire-and-forget messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, v interface{}) error
}

// Subscriber registers queue-group consumers. Each message goes to one
// member of the group.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
}

// Client is a connected bus.
type Client interface {
	Publisher
	Subscriber
	IsConnected() bool
	RTT() (time.Duration, error)
	Close() error
}
