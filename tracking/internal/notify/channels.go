package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// Message is one outbound notification: an aggregated alert or a scheduled report.
type Message struct {
	Subject  string                    `json:"subject"`
	Body     string                    `json:"body"`
	Severity models.Severity           `json:"severity"`
	Alert    *models.NotificationAlert `json:"alert,omitempty"`
	Report   *Report                   `json:"report,omitempty"`
}

// Report is a scheduler report pushed to the report channels.
type Report struct {
	Name        string                 `json:"name"`
	Title       string                 `json:"title"`
	PeriodStart time.Time              `json:"periodStart"`
	PeriodEnd   time.Time              `json:"periodEnd"`
	Summary     map[string]interface{} `json:"summary"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Body renders the report as plain text, keys sorted.
func (r *Report) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s to %s\n\n", r.Title,
		r.PeriodStart.UTC().Format(time.RFC3339), r.PeriodEnd.UTC().Format(time.RFC3339))
	keys := make([]string, 0, len(r.Summary))
	for k := range r.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, r.Summary[k])
	}
	return b.String()
}

// Channel delivers notifications to one destination.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
	Type() string
}

// Pinger is implemented by channels that can check reachability without sending.
type Pinger interface {
	Ping(ctx context.Context) error
}

// dial opens and closes a TCP connection to addr.
func dial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func dialURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return dial(ctx, host)
}

// WebhookChannel posts the notification as JSON. It backs the pager channel.
type WebhookChannel struct {
	name   string
	URL    string
	client *http.Client
}

// NewWebhookChannel creates a JSON webhook channel registered under name.
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		name:   name,
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Type() string {
	return w.name
}

// Ping checks the webhook host accepts connections.
func (w *WebhookChannel) Ping(ctx context.Context) error {
	return dialURL(ctx, w.URL)
}

func (w *WebhookChannel) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"summary":   msg.Subject,
		"details":   msg.Body,
		"severity":  msg.Severity,
		"source":    "tracksync",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if msg.Alert != nil {
		payload["dedup_key"] = msg.Alert.Key
		payload["alert_type"] = msg.Alert.Type
		payload["occurrence_count"] = msg.Alert.OccurrenceCount
		payload["first_seen"] = msg.Alert.FirstSeenAt.UTC().Format(time.RFC3339)
		payload["last_seen"] = msg.Alert.LastSeenAt.UTC().Format(time.RFC3339)
	}
	if msg.Report != nil {
		payload["report"] = msg.Report
	}
	return postJSON(ctx, w.client, w.URL, payload, w.name)
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

// Ping checks the Slack webhook host accepts connections.
func (s *SlackChannel) Ping(ctx context.Context) error {
	return dialURL(ctx, s.WebhookURL)
}

func (s *SlackChannel) Send(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"text": msg.Subject,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(msg.Severity),
				"text":   msg.Body,
				"footer": "tracksync",
				"ts":     time.Now().Unix(),
			},
		},
	}
	return postJSON(ctx, s.client, s.WebhookURL, payload, "slack")
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#8B0000"
	case models.SeverityHigh:
		return "#FF0000"
	case models.SeverityMedium:
		return "#FFA500"
	case models.SeverityLow:
		return "#FFFF00"
	default:
		return "#808080"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, name string) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tracksync/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook returned status %d", name, resp.StatusCode)
	}
	return nil
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	cfg      EmailConfig
	sendMail SendMailFunc
}

// NewEmailChannel creates an SMTP channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailChannel) Type() string {
	return "email"
}

// Ping checks the SMTP server accepts connections.
func (e *EmailChannel) Ping(ctx context.Context) error {
	return dial(ctx, e.cfg.Addr)
}

// Send blocks in net/smtp, which takes no context, so it runs in a goroutine
// and the caller's deadline still applies.
func (e *EmailChannel) Send(ctx context.Context, msg *Message) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		host := e.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(e.cfg.Addr, auth, e.cfg.From, e.cfg.To, []byte(b.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

// BusChannel publishes notifications to NATS for downstream consumers.
type BusChannel struct {
	publisher messaging.Publisher
	subject   string
}

// NewBusChannel creates a channel publishing to messaging.SubjectTrackingAlertsNotify.
func NewBusChannel(publisher messaging.Publisher) *BusChannel {
	return &BusChannel{publisher: publisher, subject: messaging.SubjectTrackingAlertsNotify}
}

func (b *BusChannel) Type() string {
	return "bus"
}

func (b *BusChannel) Send(ctx context.Context, msg *Message) error {
	if err := b.publisher.PublishJSON(ctx, b.subject, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogChannel writes notifications to the service log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, msg *Message) error {
	l.logger.WarnContext(ctx, "notification", "subject", msg.Subject, "severity", string(msg.Severity))
	return nil
}

// Fanout sends msg to every channel concurrently, each under its own timeout,
// and reports each outcome. A slow or failing channel never delays the others
// beyond its own timeout.
func Fanout(ctx context.Context, channels []Channel, msg *Message, timeout time.Duration) []models.ChannelResult {
	results := make([]models.ChannelResult, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			sendCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res := models.ChannelResult{Channel: ch.Type()}
			if err := sendSafely(sendCtx, ch, msg); err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}
			res.SentAt = time.Now().UTC()
			results[i] = res
		}(i, ch)
	}
	wg.Wait()
	return results
}

func sendSafely(ctx context.Context, ch Channel, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s channel panicked: %v", ch.Type(), r)
		}
	}()
	return ch.Send(ctx, msg)
}
