package seeder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
)

type recordingPoster struct {
	mu      sync.Mutex
	secrets map[string]string
	order   map[string][]string
	fail    string
}

func (p *recordingPoster) PostWebhook(_ context.Context, channel string, body []byte, secret string) (*client.WebhookResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channel == p.fail {
		return nil, &client.APIError{Status: 400, Code: "malformed_event"}
	}
	if p.secrets == nil {
		p.secrets = map[string]string{}
		p.order = map[string][]string{}
	}
	p.secrets[channel] = secret
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	p.order[env.CorrelationID] = append(p.order[env.CorrelationID], env.Timestamp)
	return &client.WebhookResult{Success: true, EventID: env.ID}, nil
}

func TestRunner_SendsEverything(t *testing.T) {
	webhooks := NewGenerator(5, start, time.Hour).Generate(15, 15, nil)
	poster := &recordingPoster{}
	var progress int

	r := &Runner{
		Poster:   poster,
		Signing:  Signing{Shared: "s3cret", Unsigned: []string{"user-activity"}},
		Workers:  4,
		Progress: func(done, total int) { progress = done },
	}
	result, err := r.Run(context.Background(), webhooks)
	require.NoError(t, err)

	assert.Equal(t, len(webhooks), result.Sent)
	assert.Zero(t, result.Failed)
	assert.Equal(t, len(webhooks), progress)
	assert.Equal(t, "s3cret", poster.secrets["orders"])
	assert.Equal(t, "", poster.secrets["user-activity"])

	for id, stamps := range poster.order {
		for i := 1; i < len(stamps); i++ {
			assert.LessOrEqual(t, stamps[i-1], stamps[i], "correlation %s delivered out of order", id)
		}
	}
}

func TestRunner_CountsFailures(t *testing.T) {
	webhooks := NewGenerator(5, start, time.Hour).Generate(5, 0, nil)
	r := &Runner{Poster: &recordingPoster{fail: "payments"}}

	result, err := r.Run(context.Background(), webhooks)
	require.NoError(t, err)
	assert.Positive(t, result.Failed)
	assert.Len(t, result.Errors, result.Failed)
	assert.Zero(t, result.ByChannel["payments"])
}

func TestRunner_AgainstHTTPServer(t *testing.T) {
	var mu sync.Mutex
	signed := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signed[r.URL.Path] = r.Header.Get("X-Webhook-Signature") != ""
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"eventId":"e","taskId":"t"}`))
	}))
	defer srv.Close()

	r := &Runner{
		Poster:  client.New(srv.URL, ""),
		Signing: Signing{Shared: "s3cret", Unsigned: []string{"user-activity"}},
	}
	result, err := r.Run(context.Background(), NewGenerator(9, start, time.Hour).Generate(3, 3, nil))
	require.NoError(t, err)
	assert.Zero(t, result.Failed)

	assert.True(t, signed["/webhooks/orders"])
	assert.False(t, signed["/webhooks/user-activity"])
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{Poster: &recordingPoster{}, Rate: 1}
	_, err := r.Run(ctx, NewGenerator(1, start, time.Hour).Orders(3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSigning_Secret(t *testing.T) {
	s := Signing{
		Shared:   "shared",
		Channels: map[string]string{"payments": "pay-secret"},
		Unsigned: []string{"user-activity"},
	}

	secret, err := s.Secret("payments")
	require.NoError(t, err)
	assert.Equal(t, "pay-secret", secret)

	secret, err = s.Secret("orders")
	require.NoError(t, err)
	assert.Equal(t, "shared", secret)

	secret, err = s.Secret("user-activity")
	require.NoError(t, err)
	assert.Empty(t, secret)

	s.Derive = true
	orders, err := s.Secret("orders")
	require.NoError(t, err)
	shipping, err := s.Secret("shipping")
	require.NoError(t, err)
	assert.Len(t, orders, 32)
	assert.NotEqual(t, orders, shipping)
	again, _ := s.Secret("orders")
	assert.Equal(t, orders, again)
}
