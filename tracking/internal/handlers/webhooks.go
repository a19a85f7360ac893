package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/telhawk-systems/tracksync/common/httputil"
	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/middleware"
	"github.com/telhawk-systems/tracksync/tracking/internal/normalizer"
	"github.com/telhawk-systems/tracksync/tracking/internal/service"
	"github.com/telhawk-systems/tracksync/tracking/internal/signature"
)

// Ingester accepts webhook bodies.
type Ingester interface {
	Ingest(ctx context.Context, channel string, headers http.Header, body []byte) (*service.Result, error)
}

// WebhookHandler serves the inbound webhook endpoints.
type WebhookHandler struct {
	ingest  Ingester
	maxBody int64
	logger  *logging.Logger
}

// NewWebhookHandler creates a WebhookHandler. maxBody bounds request bodies in bytes.
func NewWebhookHandler(ingest Ingester, maxBody int64, logger *logging.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{ingest: ingest, maxBody: maxBody, logger: logger.Component("webhooks")}
}

// HandleWebhook handles POST /webhooks/{channel}.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")

	body, err := httputil.ReadBody(r, h.maxBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "malformed_event", "failed to read request body")
		return
	}
	if len(body) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "malformed_event", "empty request body")
		return
	}

	res, err := h.ingest.Ingest(r.Context(), channel, r.Header, body)
	if err != nil {
		h.writeIngestError(w, r, channel, err)
		return
	}

	extra := map[string]interface{}{
		"eventId": res.Event.EventID,
		"taskId":  res.TaskID,
	}
	if res.Duplicate {
		extra["duplicate"] = true
	}
	if res.Superseded {
		extra["superseded"] = true
	}
	httputil.WriteSuccess(w, extra)
}

func (h *WebhookHandler) writeIngestError(w http.ResponseWriter, r *http.Request, channel string, err error) {
	reason := service.Reason(err)
	var malformed *normalizer.MalformedEventError
	switch {
	case errors.Is(err, signature.ErrInvalidSignature):
		h.logger.WarnContext(r.Context(), "invalid webhook signature",
			logging.Security(),
			logging.Channel(channel),
			logging.IP(httputil.GetClientIP(r)),
			"request_id", middleware.GetRequestID(r.Context()),
		)
		httputil.WriteError(w, http.StatusBadRequest, reason, "webhook signature verification failed")
	case errors.As(err, &malformed):
		httputil.WriteError(w, http.StatusBadRequest, reason, "invalid or missing fields: "+strings.Join(malformed.Fields, ", "))
	case errors.Is(err, normalizer.ErrUnknownEventType):
		h.logger.InfoContext(r.Context(), "unknown event type", logging.Channel(channel), logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, reason, err.Error())
	case errors.Is(err, service.ErrUnknownChannel):
		httputil.WriteError(w, http.StatusNotFound, reason, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, reason, "event could not be persisted, retry later")
	default:
		h.logger.ErrorContext(r.Context(), "webhook ingestion failed", logging.Channel(channel), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
