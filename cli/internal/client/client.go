// Package client talks to the tracking service's admin API and webhook endpoints.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is an admin API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a Client. token is sent as a bearer token when set.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func limitQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// DeadLetters lists dead-lettered tasks.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	var resp struct {
		DeadLetters []Task `json:"deadLetters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/dead-letters", limitQuery(limit), &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// DeadLetterStream lists entries mirrored to the JetStream dead-letter stream.
func (c *Client) DeadLetterStream(ctx context.Context, limit int) ([]StreamEntry, error) {
	var resp struct {
		Entries []StreamEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/dead-letters/stream", limitQuery(limit), &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Replay returns a dead-lettered task to the queue.
func (c *Client) Replay(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/dead-letters/"+url.PathEscape(id)+"/replay", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Discard closes a dead-lettered task as failed.
func (c *Client) Discard(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodDelete, "/api/v1/dead-letters/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Task fetches one delivery task.
func (c *Client) Task(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Conflicts lists conflict records, optionally for one logical key.
func (c *Client) Conflicts(ctx context.Context, key string, limit int) ([]Conflict, error) {
	q := limitQuery(limit)
	if key != "" {
		q.Set("key", key)
	}
	var resp struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/conflicts", q, &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}

// Correlation fetches a correlation timeline.
func (c *Client) Correlation(ctx context.Context, id string) (*Correlation, error) {
	var group Correlation
	if err := c.do(ctx, http.MethodGet, "/api/v1/correlations/"+url.PathEscape(id), nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// Runs lists scheduler runs, optionally for one tier.
func (c *Client) Runs(ctx context.Context, tier string, limit int) ([]Run, error) {
	q := limitQuery(limit)
	if tier != "" {
		q.Set("tier", tier)
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/schedule/runs", q, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// RunTier triggers a tier immediately and returns the finished run.
func (c *Client) RunTier(ctx context.Context, tier string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/schedule/"+url.PathEscape(tier)+"/run", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Alerts lists recently dispatched notifications.
func (c *Client) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", limitQuery(limit), &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Quota returns the analytics store requests left in the current window.
func (c *Client) Quota(ctx context.Context) (int64, error) {
	var resp struct {
		Remaining int64 `json:"remaining"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/quota", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Remaining, nil
}

// Stats returns queue and dead-letter stream statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PostWebhook sends body to /webhooks/{channel}, signed when secret is set.
func (c *Client) PostWebhook(ctx context.Context, channel string, body []byte, secret string) (*WebhookResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webhooks/"+url.PathEscape(channel), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result WebhookResult
	if err := decode(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
