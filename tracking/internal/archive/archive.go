// Package archive keeps delivered canonical events in OpenSearch for the
// scheduled aggregates and reports.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// Config holds OpenSearch connection settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	Index         string
	PageSize      int
}

// DefaultConfig returns local development defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		Index:         "tracksync-events",
		PageSize:      500,
	}
}

// Filter selects archived events. Empty lists match everything; From is
// inclusive and To exclusive.
type Filter struct {
	Sources []string
	Types   []string
	From    time.Time
	To      time.Time
}

// Archive is the OpenSearch event archive.
type Archive struct {
	client *opensearch.Client
	cfg    Config
	logger *logging.Logger
}

// document is the stored form; the idempotency key doubles as document ID.
type document struct {
	models.CanonicalEvent
	IdempotencyKey string `json:"idempotencyKey"`
}

// New creates an archive client. It does not contact the cluster.
func New(cfg Config, logger *logging.Logger) (*Archive, error) {
	if cfg.Index == "" {
		cfg.Index = DefaultConfig().Index
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Archive{client: client, cfg: cfg, logger: logger.Component("archive")}, nil
}

// Initialize creates the index with its mapping when missing.
func (a *Archive) Initialize(ctx context.Context) error {
	exists, err := a.client.Indices.Exists([]string{a.cfg.Index}, a.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
		"mappings": mappings(),
	})
	if err != nil {
		return err
	}
	res, err := a.client.Indices.Create(a.cfg.Index,
		a.client.Indices.Create.WithContext(ctx),
		a.client.Indices.Create.WithBody(bytes.NewReader(body)))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	// 400 resource_already_exists when another instance won the race
	if res.IsError() && !strings.Contains(readBody(res.Body), "resource_already_exists") {
		return fmt.Errorf("failed to create index: %s", res.Status())
	}
	a.logger.Info("archive index ready", "index", a.cfg.Index)
	return nil
}

// Payload fields differ per source, so the payload is stored but not indexed.
func mappings() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	date := map[string]interface{}{"type": "date"}
	return map[string]interface{}{
		"dynamic": false,
		"properties": map[string]interface{}{
			"eventId":        keyword,
			"correlationId":  keyword,
			"sourceSystem":   keyword,
			"eventType":      keyword,
			"idempotencyKey": keyword,
			"occurredAt":     date,
			"receivedAt":     date,
			"signatureValid": map[string]interface{}{"type": "boolean"},
			"payload":        map[string]interface{}{"type": "object", "enabled": false},
		},
	}
}

// Index stores events keyed by idempotency key, so re-indexing replaces.
func (a *Archive) Index(ctx context.Context, events []models.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: a.client,
		Index:  a.cfg.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	for i := range events {
		data, err := json.Marshal(document{CanonicalEvent: events[i], IdempotencyKey: events[i].IdempotencyKey()})
		if err != nil {
			fail(err)
			continue
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: events[i].IdempotencyKey(),
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				metrics.ArchiveIndexed.WithLabelValues("ok").Inc()
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				metrics.ArchiveIndexed.WithLabelValues("error").Inc()
				if err == nil {
					err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
				}
				fail(err)
			},
		})
		if err != nil {
			fail(err)
		}
	}
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close error: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("failed to archive %d of %d events: %w", failed, len(events), firstErr)
	}
	return nil
}

func (f Filter) query() map[string]interface{} {
	var filters []interface{}
	if len(f.Sources) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"sourceSystem": f.Sources}})
	}
	if len(f.Types) > 0 {
		filters = append(filters, map[string]interface{}{"terms": map[string]interface{}{"eventType": f.Types}})
	}
	rng := map[string]interface{}{}
	if !f.From.IsZero() {
		rng["gte"] = f.From.UTC().Format(time.RFC3339Nano)
	}
	if !f.To.IsZero() {
		rng["lt"] = f.To.UTC().Format(time.RFC3339Nano)
	}
	if len(rng) > 0 {
		filters = append(filters, map[string]interface{}{"range": map[string]interface{}{"occurredAt": rng}})
	}
	if len(filters) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	return map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source document      `json:"_source"`
			Sort   []interface{} `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// Scan calls fn for every matching event in occurredAt order, paging with
// search_after.
func (a *Archive) Scan(ctx context.Context, f Filter, fn func(models.CanonicalEvent) error) error {
	var after []interface{}
	for {
		req := map[string]interface{}{
			"size":  a.cfg.PageSize,
			"query": f.query(),
			"sort": []interface{}{
				map[string]interface{}{"occurredAt": "asc"},
				map[string]interface{}{"idempotencyKey": "asc"},
			},
		}
		if after != nil {
			req["search_after"] = after
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		res, err := a.client.Search(
			a.client.Search.WithContext(ctx),
			a.client.Search.WithIndex(a.cfg.Index),
			a.client.Search.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return fmt.Errorf("failed to search archive: %w", err)
		}
		var parsed searchResponse
		if res.IsError() {
			msg := readBody(res.Body)
			res.Body.Close()
			return fmt.Errorf("archive search error: %s - %s", res.Status(), msg)
		}
		err = json.NewDecoder(res.Body).Decode(&parsed)
		res.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode search response: %w", err)
		}

		hits := parsed.Hits.Hits
		for _, h := range hits {
			if err := fn(h.Source.CanonicalEvent); err != nil {
				return err
			}
		}
		if len(hits) < a.cfg.PageSize {
			return nil
		}
		after = hits[len(hits)-1].Sort
		if len(after) == 0 {
			return errors.New("archive search returned no sort values")
		}
	}
}

// Query returns every matching event in occurredAt order.
func (a *Archive) Query(ctx context.Context, f Filter) ([]models.CanonicalEvent, error) {
	var events []models.CanonicalEvent
	err := a.Scan(ctx, f, func(e models.CanonicalEvent) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// DeleteBefore removes events that occurred before t.
func (a *Archive) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"query": Filter{To: t}.query()})
	if err != nil {
		return 0, err
	}
	res, err := a.client.DeleteByQuery([]string{a.cfg.Index}, bytes.NewReader(body),
		a.client.DeleteByQuery.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived events: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("archive delete error: %s - %s", res.Status(), readBody(res.Body))
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode delete response: %w", err)
	}
	return out.Deleted, nil
}

// Ping checks cluster reachability.
func (a *Archive) Ping(ctx context.Context) error {
	res, err := a.client.Ping(a.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
