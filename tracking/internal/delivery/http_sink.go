package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// HTTPSinkConfig configures the analytics store REST adapter.
type HTTPSinkConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPSink upserts rows through the analytics store's tables API.
type HTTPSink struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

type upsertRequest struct {
	KeyColumn string                   `json:"keyColumn"`
	Rows      []map[string]interface{} `json:"rows"`
}

// NewHTTPSink creates an HTTPSink.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "tracksync"
	}
	return &HTTPSink{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		userAgent:  userAgent,
		now:        time.Now,
	}
}

// Upsert sends one batch. The response status is classified into *Error.
func (s *HTTPSink) Upsert(ctx context.Context, target string, rows []models.Row) error {
	payload := upsertRequest{KeyColumn: models.ColumnKey, Rows: make([]map[string]interface{}, 0, len(rows))}
	for _, row := range rows {
		values := make(map[string]interface{}, len(row.Values)+1)
		for k, v := range row.Values {
			values[k] = v
		}
		values[models.ColumnKey] = row.Key
		payload.Rows = append(payload.Rows, values)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode rows: %w", err))
	}

	endpoint := s.baseURL + "/v1/tables/" + url.PathEscape(target) + "/rows:upsert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if len(rows) == 1 {
		if idem, ok := rows[0].Values[models.ColumnIdempotencyKey].(string); ok {
			req.Header.Set("Idempotency-Key", idem)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("upsert %s: %w", target, err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	return s.classifyResponse(resp, respBody)
}

// Ping checks that the store answers its health endpoint.
func (s *HTTPSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analytics store health: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) classifyResponse(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code <= 299 {
		return nil
	}

	err := fmt.Errorf("analytics store: %s", errorMessage(body, code))
	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: code, RetryAfter: s.parseRetryAfter(resp.Header.Get("Retry-After")), Err: err}
	case code == http.StatusRequestTimeout || code >= 500:
		return &Error{Kind: KindTransient, StatusCode: code, Err: err}
	default:
		return &Error{Kind: KindPermanent, StatusCode: code, Err: err}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func (s *HTTPSink) parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(s.now()); d > 0 {
			return d
		}
	}
	return 0
}

func errorMessage(body []byte, code int) string {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}
	if parsed.Code != "" {
		return fmt.Sprintf("status=%d code=%s message=%s", code, parsed.Code, msg)
	}
	return fmt.Sprintf("status=%d message=%s", code, msg)
}
