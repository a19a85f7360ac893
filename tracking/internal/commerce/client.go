// Package commerce reads recently changed orders and stock levels from the
// commerce backend's REST API for reconciliation.
package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config configures the commerce backend client.
type Config struct {
	BaseURL    string
	Token      string
	PageSize   int
	MaxPages   int
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Order is an order as reported by the commerce backend.
type Order struct {
	OrderID       string    `json:"orderNumber"`
	Status        string    `json:"status"`
	Total         float64   `json:"total"`
	Currency      string    `json:"currency"`
	CustomerID    string    `json:"customerId"`
	CustomerEmail string    `json:"customerEmail"`
	ItemCount     int       `json:"itemCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StockLevel is the current inventory of one SKU.
type StockLevel struct {
	SKU        string    `json:"sku"`
	ProductID  string    `json:"productId"`
	SupplierID string    `json:"supplierId"`
	Quantity   int       `json:"quantity"`
	Threshold  int       `json:"lowStockThreshold"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Pagination pagination `json:"pagination"`
	} `json:"meta"`
}

// Client talks to the commerce backend.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	maxPages   int
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      cfg.Token,
		pageSize:   pageSize,
		maxPages:   maxPages,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		httpClient: httpClient,
	}
}

// Enabled reports whether a backend URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// UpdatedOrders returns every order updated at or after since.
func (c *Client) UpdatedOrders(ctx context.Context, since time.Time) ([]Order, error) {
	return list[Order](ctx, c, "/api/orders", since)
}

// UpdatedInventory returns every stock level updated at or after since.
func (c *Client) UpdatedInventory(ctx context.Context, since time.Time) ([]StockLevel, error) {
	return list[StockLevel](ctx, c, "/api/inventories", since)
}

func list[T any](ctx context.Context, c *Client, path string, since time.Time) ([]T, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("commerce backend not configured")
	}
	var out []T
	for page := 1; page <= c.maxPages; page++ {
		q := url.Values{}
		q.Set("filters[updatedAt][$gte]", since.UTC().Format(time.RFC3339))
		q.Set("sort", "updatedAt:asc")
		q.Set("pagination[page]", strconv.Itoa(page))
		q.Set("pagination[pageSize]", strconv.Itoa(c.pageSize))

		var resp listResponse[T]
		if err := c.get(ctx, path+"?"+q.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("failed to list %s page %d: %w", path, page, err)
		}
		out = append(out, resp.Data...)
		if len(resp.Data) == 0 || page >= resp.Meta.Pagination.PageCount {
			return out, nil
		}
	}
	return out, fmt.Errorf("%s: more than %d pages updated since %s", path, c.maxPages, since.UTC().Format(time.RFC3339))
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if werr := sleepContext(ctx, c.delay(attempt, "")); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if err := json.Unmarshal(body, v); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries:
			if werr := sleepContext(ctx, c.delay(attempt, resp.Header.Get("Retry-After"))); werr != nil {
				return werr
			}
			continue
		default:
			return fmt.Errorf("commerce api: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
}

func (c *Client) delay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return c.retryDelay << attempt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
