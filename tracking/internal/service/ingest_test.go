package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/normalizer"
	"github.com/telhawk-systems/tracksync/tracking/internal/signature"
	"github.com/telhawk-systems/tracksync/tracking/internal/syncengine"
)

const secret = "whsec_test"

type submission struct {
	event      *models.CanonicalEvent
	target     string
	logicalKey string
	row        models.Row
}

type fakeEngine struct {
	submissions []submission
	err         error
}

func (f *fakeEngine) Submit(_ context.Context, event *models.CanonicalEvent, target, logicalKey string, row models.Row) (*syncengine.SubmitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submissions = append(f.submissions, submission{event, target, logicalKey, row})
	return &syncengine.SubmitResult{Task: &models.DeliveryTask{ID: "task-1", Status: models.TaskPending}}, nil
}

type fakeCorrelator struct {
	ids []string
	err error
}

func (f *fakeCorrelator) Record(_ context.Context, e *models.CanonicalEvent) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, e.CorrelationID)
	return nil
}

func newTestService(t *testing.T) (*IngestService, *fakeEngine, *fakeCorrelator) {
	t.Helper()
	registry, err := normalizer.DefaultRegistry()
	require.NoError(t, err)
	verifier, err := signature.NewVerifier(signature.Config{SharedSecret: secret, Exempt: []string{models.SourceUserActivity}}, registry.Sources())
	require.NoError(t, err)
	engine := &fakeEngine{}
	corr := &fakeCorrelator{}
	return NewIngestService(verifier, normalizer.New(registry), corr, engine, logging.Discard()), engine, corr
}

func signed(body string) http.Header {
	h := http.Header{}
	h.Set(HeaderSignature, signature.Sign([]byte(body), []byte(secret)))
	return h
}

const orderBody = `{"event":"order.created","id":"evt-1","data":{"orderId":"ORD-1","amount":109.97,"status":"pending","timestamp":"2026-10-14T10:00:00Z"}}`

func TestIngest_SignedOrder(t *testing.T) {
	svc, engine, corr := newTestService(t)

	res, err := svc.Ingest(context.Background(), models.SourceOrders, signed(orderBody), []byte(orderBody))
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.TaskID)
	assert.True(t, res.Event.SignatureValid)
	assert.Equal(t, "evt-1", res.Event.EventID)

	require.Len(t, engine.submissions, 1)
	sub := engine.submissions[0]
	assert.Equal(t, "Orders", sub.target)
	assert.Equal(t, "ORD-1", sub.logicalKey)
	assert.Equal(t, 109.97, sub.row.Values["amount"])
	assert.Equal(t, "ORD-1", sub.row.Values["order_id"])
	assert.Equal(t, []string{"ORD-1"}, corr.ids)
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		headers http.Header
		body    string
		want    error
		reason  string
	}{
		{"missing signature", models.SourceOrders, http.Header{}, orderBody, signature.ErrInvalidSignature, "invalid_signature"},
		{"tampered body", models.SourceOrders, signed(orderBody), orderBody[:len(orderBody)-2] + " }}", signature.ErrInvalidSignature, "invalid_signature"},
		{"malformed", models.SourceOrders, signed(`{"event":"order.created","data":{"amount":"lots"}}`), `{"event":"order.created","data":{"amount":"lots"}}`, normalizer.ErrMalformedEvent, "malformed_event"},
		{"invalid json", models.SourceOrders, signed(`{`), `{`, normalizer.ErrMalformedEvent, "malformed_event"},
		{"unknown type", models.SourceOrders, signed(`{"event":"order.teleported","data":{}}`), `{"event":"order.teleported","data":{}}`, normalizer.ErrUnknownEventType, "unknown_event_type"},
		{"unknown channel", "returns", http.Header{}, orderBody, ErrUnknownChannel, "unknown_channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, engine, _ := newTestService(t)
			_, err := svc.Ingest(context.Background(), tt.channel, tt.headers, []byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.reason, Reason(err))
			assert.Empty(t, engine.submissions)
		})
	}
}

func TestIngest_MalformedListsFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	body := `{"event":"order.created","data":{"amount":"lots"}}`
	_, err := svc.Ingest(context.Background(), models.SourceOrders, signed(body), []byte(body))
	var me *normalizer.MalformedEventError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, []string{"amount", "orderId"}, me.Fields)
}

func TestIngest_UnsignedUserActivity(t *testing.T) {
	svc, engine, _ := newTestService(t)
	body := `{"sessionId":"sess-1","productId":"p-1"}`
	headers := http.Header{}
	headers.Set(HeaderEventType, "product.viewed")

	res, err := svc.Ingest(context.Background(), models.SourceUserActivity, headers, []byte(body))
	require.NoError(t, err)
	assert.False(t, res.Event.SignatureValid)
	assert.Equal(t, "product.viewed", res.Event.EventType)
	require.Len(t, engine.submissions, 1)
	assert.Equal(t, "UserActivity", engine.submissions[0].target)
}

func TestIngest_Unavailable(t *testing.T) {
	svc, engine, corr := newTestService(t)
	engine.err = errors.New("redis: connection refused")
	_, err := svc.Ingest(context.Background(), models.SourceOrders, signed(orderBody), []byte(orderBody))
	assert.ErrorIs(t, err, ErrUnavailable)

	engine.err = nil
	corr.err = errors.New("redis: connection refused")
	_, err = svc.Ingest(context.Background(), models.SourceOrders, signed(orderBody), []byte(orderBody))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, engine.submissions)
}

func TestSubmit_SkipsSignature(t *testing.T) {
	svc, engine, _ := newTestService(t)
	body := `{"event":"inventory.updated","id":"resync-1","data":{"sku":"SKU-1","quantity":4}}`
	event, err := svc.Submit(context.Background(), models.SourceInventory, "inventory.updated", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "resync-1", event.EventID)
	require.Len(t, engine.submissions, 1)
	assert.Equal(t, "SKU-1", engine.submissions[0].logicalKey)
}

func TestChannels(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ElementsMatch(t, []string{"orders", "payments", "shipping", "support", "inventory", "user-activity"}, svc.Channels())
}
