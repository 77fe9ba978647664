package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsdeck/livesync/internal/realtime"
	"github.com/opsdeck/livesync/internal/record"
)

// callTimeout is the fixed per-call budget. A call that exceeds it fails as
// transient and is retried only by an explicit refresh, never automatically.
const callTimeout = 15 * time.Second

// HTTPClient talks to the store's REST surface.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPClient creates a client for the store at baseURL. ratePerSec
// bounds outbound request rate; bursts of twice that are allowed so that
// many bindings mounting at once are not serialized.
func NewHTTPClient(baseURL, apiKey string, ratePerSec int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   callTimeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		logger:  logger,
	}
}

var _ Client = (*HTTPClient)(nil)

type errorBody struct {
	Error string `json:"error"`
}

func (c *HTTPClient) recordsURL(collection string) string {
	return fmt.Sprintf("%s/v1/collections/%s/records", c.baseURL, url.PathEscape(collection))
}

// Query reads a collection, optionally projected and filtered.
func (c *HTTPClient) Query(ctx context.Context, collection string, opts QueryOptions) ([]record.Record, error) {
	q := url.Values{}
	if opts.Select != "" && opts.Select != "*" {
		q.Set("select", opts.Select)
	}
	if opts.Filter != nil {
		q.Set(opts.Filter.Column, "eq."+opts.Filter.Value)
	}

	reqURL := c.recordsURL(collection)
	if enc := q.Encode(); enc != "" {
		reqURL += "?" + enc
	}

	var rows []record.Record
	if err := c.do(ctx, http.MethodGet, reqURL, nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []record.Record{}
	}
	return rows, nil
}

// Insert creates a record and returns the stored row.
func (c *HTTPClient) Insert(ctx context.Context, collection string, rec record.Record) (record.Record, error) {
	var row record.Record
	if err := c.do(ctx, http.MethodPost, c.recordsURL(collection), rec, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Update patches a record by id and returns the stored row.
func (c *HTTPClient) Update(ctx context.Context, collection string, id string, patch record.Record) (record.Record, error) {
	reqURL := c.recordsURL(collection) + "/" + url.PathEscape(id)
	var row record.Record
	if err := c.do(ctx, http.MethodPatch, reqURL, patch, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes a record by id.
func (c *HTTPClient) Delete(ctx context.Context, collection string, id string) error {
	reqURL := c.recordsURL(collection) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, reqURL, nil, nil)
}

// Subscribe opens the change-event stream for a collection, optionally
// scoped by an equality filter.
func (c *HTTPClient) Subscribe(ctx context.Context, collection string, filter *Filter) (Subscription, error) {
	wsURL, err := c.realtimeURL(collection, filter)
	if err != nil {
		return nil, err
	}

	sub, err := realtime.Dial(ctx, wsURL, c.logger)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", collection, err)
	}
	return sub, nil
}

func (c *HTTPClient) realtimeURL(collection string, filter *Filter) (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/realtime")
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("collection", collection)
	if filter != nil {
		q.Set("filter_column", filter.Column)
		q.Set("filter_value", filter.Value)
	}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *HTTPClient) do(ctx context.Context, method, reqURL string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Basic "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("store request",
		zap.String("method", method),
		zap.String("url", reqURL),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("reading response: %w", readErr)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(respBody))
		}
		return classifyBody(resp.StatusCode, eb.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
