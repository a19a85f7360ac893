package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeClient struct {
	connected bool
	rtt       time.Duration
	rttErr    error
}

func (f *fakeClient) Publish(context.Context, string, []byte) error          { return nil }
func (f *fakeClient) PublishJSON(context.Context, string, interface{}) error { return nil }
func (f *fakeClient) QueueSubscribe(string, string, MessageHandler) (Subscription, error) {
	return nil, nil
}
func (f *fakeClient) IsConnected() bool           { return f.connected }
func (f *fakeClient) RTT() (time.Duration, error) { return f.rtt, f.rttErr }
func (f *fakeClient) Close() error                { return nil }

func TestPing(t *testing.T) {
	_, err := Ping(nil)
	assert.ErrorIs(t, err, ErrNoClient)

	_, err = Ping(&fakeClient{})
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = Ping(&fakeClient{connected: true, rttErr: errors.New("timeout")})
	assert.ErrorContains(t, err, "timeout")

	rtt, err := Ping(&fakeClient{connected: true, rtt: 3 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, rtt)
}

func TestTraceRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	header := InjectTrace(ctx, nil)
	require.Contains(t, header, "traceparent")

	got := trace.SpanContextFromContext(ExtractTrace(context.Background(), header))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestExtractTrace_EmptyHeader(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTrace(ctx, nil))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "tracking.dlq.permanent", DLQSubject("permanent"))
	assert.Equal(t, "tracking.schedule.daily.completed", ScheduleCompletedSubject("daily"))
}
