// Package service runs the inbound webhook pipeline: verify, normalize,
// correlate and hand the event to the sync engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/normalizer"
	"github.com/telhawk-systems/tracksync/tracking/internal/signature"
	"github.com/telhawk-systems/tracksync/tracking/internal/syncengine"
)

// Inbound headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Event-Type"
)

var (
	// ErrUnknownChannel is returned for channels with no declared schemas.
	ErrUnknownChannel = errors.New("unknown webhook channel")
	// ErrUnavailable marks accepted payloads that could not be persisted.
	ErrUnavailable = errors.New("tracking service unavailable")
)

// Verifier checks webhook signatures.
type Verifier interface {
	Check(channel string, payload []byte, header string) (bool, error)
}

// Correlator indexes events by correlation id.
type Correlator interface {
	Record(ctx context.Context, event *models.CanonicalEvent) error
}

// Submitter enqueues events for delivery.
type Submitter interface {
	Submit(ctx context.Context, event *models.CanonicalEvent, target, logicalKey string, row models.Row) (*syncengine.SubmitResult, error)
}

// Result is the outcome of an accepted webhook.
type Result struct {
	Event      *models.CanonicalEvent
	TaskID     string
	Duplicate  bool
	Superseded bool
}

// IngestService accepts webhooks.
type IngestService struct {
	verifier   Verifier
	normalizer *normalizer.Normalizer
	correlator Correlator
	engine     Submitter
	logger     *logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewIngestService creates an IngestService. correlator may be nil.
func NewIngestService(verifier Verifier, n *normalizer.Normalizer, correlator Correlator, engine Submitter, logger *logging.Logger) *IngestService {
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestService{
		verifier:   verifier,
		normalizer: n,
		correlator: correlator,
		engine:     engine,
		logger:     logger.Component("ingest"),
		tracer:     tracing.Tracer("ingest"),
		now:        time.Now,
	}
}

// Channels lists the inbound webhook channels.
func (s *IngestService) Channels() []string {
	return s.normalizer.Registry().Sources()
}

func (s *IngestService) known(channel string) bool {
	for _, c := range s.Channels() {
		if c == channel {
			return true
		}
	}
	return false
}

// Ingest verifies, normalizes, correlates and submits one webhook body.
// Ingestion errors are returned to the caller; nothing is persisted for them.
func (s *IngestService) Ingest(ctx context.Context, channel string, headers http.Header, body []byte) (*Result, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "ingest.webhook", trace.WithAttributes(attribute.String("channel", channel)))
	defer span.End()

	res, err := s.ingest(ctx, channel, headers, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.WebhooksTotal.WithLabelValues(channel, "rejected").Inc()
		metrics.WebhookRejections.WithLabelValues(channel, Reason(err)).Inc()
		return nil, err
	}
	metrics.WebhooksTotal.WithLabelValues(channel, "accepted").Inc()
	metrics.IngestDuration.WithLabelValues(channel).Observe(s.now().Sub(start).Seconds())
	return res, nil
}

func (s *IngestService) ingest(ctx context.Context, channel string, headers http.Header, body []byte) (*Result, error) {
	if !s.known(channel) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	signed, err := s.verifier.Check(channel, body, headers.Get(HeaderSignature))
	if err != nil {
		return nil, err
	}

	eventType := headers.Get(HeaderEventType)
	if eventType == "" {
		eventType = normalizer.EventType(body)
	}
	event, err := s.normalizer.Normalize(channel, eventType, body, s.now())
	if err != nil {
		s.logger.InfoContext(ctx, "webhook rejected", logging.Channel(channel), logging.EventType(eventType), logging.Error(err))
		return nil, err
	}
	event.SignatureValid = signed
	return s.accept(ctx, event)
}

// Submit accepts a body produced internally, such as a reconciliation pull.
// It skips signature verification.
func (s *IngestService) Submit(ctx context.Context, source, eventType string, raw []byte) (*models.CanonicalEvent, error) {
	event, err := s.normalizer.Normalize(source, eventType, raw, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.accept(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *IngestService) accept(ctx context.Context, event *models.CanonicalEvent) (*Result, error) {
	proj, err := s.normalizer.Project(event)
	if err != nil {
		return nil, err
	}
	if s.correlator != nil && event.CorrelationID != "" {
		if err := s.correlator.Record(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to record correlation", logging.EventID(event.EventID), logging.Error(err))
			return nil, fmt.Errorf("%w: record correlation: %v", ErrUnavailable, err)
		}
	}
	submitted, err := s.engine.Submit(ctx, event, proj.Target, proj.LogicalKey, proj.Row)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue delivery", logging.EventID(event.EventID), logging.Error(err))
		return nil, fmt.Errorf("%w: enqueue delivery: %v", ErrUnavailable, err)
	}

	s.logger.DebugContext(ctx, "event accepted",
		logging.EventID(event.EventID),
		logging.EventType(event.EventType),
		logging.TaskID(submitted.Task.ID),
		logging.CorrelationID(event.CorrelationID),
	)
	return &Result{
		Event:      event,
		TaskID:     submitted.Task.ID,
		Duplicate:  submitted.Duplicate,
		Superseded: submitted.Superseded,
	}, nil
}

// Reason maps an ingestion error onto a short rejection code.
func Reason(err error) string {
	switch {
	case errors.Is(err, signature.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, normalizer.ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, normalizer.ErrUnknownEventType):
		return "unknown_event_type"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "internal_error"
}
