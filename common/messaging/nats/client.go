// Package nats backs the messaging interfaces with a NATS connection.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int // -1 retries forever
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string

	// HandlerTimeout bounds each subscription callback. Zero means no bound.
	HandlerTimeout time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "tracksync",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		Timeout:        5 * time.Second,
		HandlerTimeout: 30 * time.Second,
	}
}

// Client implements messaging.Client.
type Client struct {
	conn           *nats.Conn
	logger         *logging.Logger
	handlerTimeout time.Duration

	mu   sync.Mutex
	subs []*subscription
}

var _ messaging.Client = (*Client)(nil)

func (cfg Config) options(logger *logging.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("bus async error", "subject", subject, logging.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// NewClient connects to the server in cfg.URL.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("nats")

	conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, logger: logger, handlerTimeout: cfg.HandlerTimeout}, nil
}

// Publish sends data on subject with the trace context of ctx in the headers.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(newMsg(ctx, subject, data))
}

// PublishJSON publishes v encoded as JSON.
func (c *Client) PublishJSON(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return c.Publish(ctx, subject, data)
}

// QueueSubscribe joins queue on subject. Handler errors are logged.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		m := toMessage(msg)
		ctx := messaging.ExtractTrace(context.Background(), m.Header)
		if c.handlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
			defer cancel()
		}
		start := time.Now()
		if err := handler(ctx, m); err != nil {
			c.logger.ErrorContext(ctx, "bus handler failed",
				"subject", msg.Subject,
				"queue", queue,
				logging.Duration(time.Since(start)),
				logging.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s := &subscription{sub: sub}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// RTT measures a round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	return c.conn.RTT()
}

// Close drains subscriptions so running handlers finish, then closes the
// connection. A disconnected client is closed immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		c.conn.Close()
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *subscription) Subject() string    { return s.sub.Subject }

func newMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range messaging.InjectTrace(ctx, nil) {
		msg.Header.Set(k, v)
	}
	return msg
}

// toMessage lower-cases header keys to match the propagator carrier.
func toMessage(msg *nats.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:    msg.Subject,
		Data:       msg.Data,
		ReceivedAt: time.Now().UTC(),
	}
	if len(msg.Header) > 0 {
		m.Header = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			m.Header[strings.ToLower(k)] = msg.Header.Get(k)
		}
	}
	return m
}
