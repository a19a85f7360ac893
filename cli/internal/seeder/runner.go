package seeder

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
)

// Poster delivers one webhook body.
type Poster interface {
	PostWebhook(ctx context.Context, channel string, body []byte, secret string) (*client.WebhookResult, error)
}

// Signing resolves the secret used for each channel, mirroring the service's rules.
type Signing struct {
	Shared   string
	Channels map[string]string
	Derive   bool
	Unsigned []string
}

// Secret returns the signing secret for channel, or "" when it is sent unsigned.
func (s Signing) Secret(channel string) (string, error) {
	for _, c := range s.Unsigned {
		if c == channel {
			return "", nil
		}
	}
	if secret, ok := s.Channels[channel]; ok && secret != "" {
		return secret, nil
	}
	if s.Shared == "" || !s.Derive {
		return s.Shared, nil
	}
	r := hkdf.New(sha256.New, []byte(s.Shared), nil, []byte("tracksync-webhook:"+channel))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("derive secret for %s: %w", channel, err)
	}
	return string(key), nil
}

// Result summarizes a run.
type Result struct {
	Sent       int
	Failed     int
	Duplicates int
	ByChannel  map[string]int
	Errors     []error
}

// Runner replays generated webhooks against the tracking service.
type Runner struct {
	Poster  Poster
	Signing Signing
	// Rate caps requests per second; zero sends as fast as possible.
	Rate float64
	// Workers sending in parallel. Events of one correlation stay on one worker
	// so lifecycles arrive in order.
	Workers  int
	Progress func(done, total int)
}

// Run sends every webhook and returns once all have been attempted or ctx is done.
func (r *Runner) Run(ctx context.Context, webhooks []Webhook) (*Result, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if r.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.Rate), 1)
	}

	lanes := make([][]Webhook, workers)
	for _, w := range webhooks {
		lane := laneOf(w.Envelope.CorrelationID, workers)
		lanes[lane] = append(lanes[lane], w)
	}

	var (
		mu     sync.Mutex
		result = &Result{ByChannel: make(map[string]int)}
		done   int
	)
	record := func(w Webhook, res *client.WebhookResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s %s: %w", w.Channel, w.Envelope.Event, err))
		} else {
			result.Sent++
			result.ByChannel[w.Channel]++
			if res.Duplicate {
				result.Duplicates++
			}
		}
		if r.Progress != nil {
			r.Progress(done, len(webhooks))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		g.Go(func() error {
			for _, w := range lane {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				body, err := w.Body()
				if err != nil {
					return err
				}
				secret, err := r.Signing.Secret(w.Channel)
				if err != nil {
					return err
				}
				res, err := r.Poster.PostWebhook(gctx, w.Channel, body, secret)
				record(w, res, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return result, err
	}
	return result, ctx.Err()
}

func laneOf(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
