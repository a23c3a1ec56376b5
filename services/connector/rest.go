package connector

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

	"market_sync_backend/models"
)

// RESTDriver talks to a PostgREST-style document API. Collections map 1:1
// to synchronized tables and are keyed by (symbol, timestamp).
type RESTDriver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRESTDriver(baseURL, apiKey string, timeout time.Duration) (*RESTDriver, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("docstore.url is required for the rest driver")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("docstore.api_key is required for the rest driver")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTDriver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *RESTDriver) endpoint(collection string, params url.Values) string {
	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, collection)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *RESTDriver) do(ctx context.Context, method, u, prefer string, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return resp, data, statusError(resp.StatusCode, data)
	}
	return resp, data, nil
}

// statusError maps client errors that retrying cannot fix to ErrSchema.
func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: store rejected request (status %d): %s", ErrSchema, code, msg)
	}
	return fmt.Errorf("store error (status %d): %s", code, msg)
}

func (c *RESTDriver) Open(ctx context.Context) error {
	return c.Ping(ctx)
}

// Ping fetches the API root, which every PostgREST deployment serves.
func (c *RESTDriver) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, c.baseURL+"/rest/v1/", "", nil)
	return err
}

func (c *RESTDriver) Query(ctx context.Context, q Query) ([]models.Record, error) {
	dir := "asc"
	if q.Descending {
		dir = "desc"
	}
	params := url.Values{}
	params.Set("select", "symbol,timestamp,open,high,low,close,volume,source")
	params.Set("order", fmt.Sprintf("timestamp.%s,symbol.%s", dir, dir))
	if q.Symbol != "" {
		params.Set("symbol", "eq."+q.Symbol)
	}
	if !q.From.IsZero() {
		params.Add("timestamp", "gte."+q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		params.Add("timestamp", "lte."+q.To.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	_, body, err := c.do(ctx, http.MethodGet, c.endpoint(q.Table, params), "", nil)
	if err != nil {
		return nil, err
	}
	var records []models.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrSchema, err)
	}
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
	}
	return records, nil
}

// Upsert posts the batch with merge-duplicates resolution on the
// (symbol, timestamp) key.
func (c *RESTDriver) Upsert(ctx context.Context, collection string, records []models.Record) (int, error) {
	params := url.Values{"on_conflict": {"symbol,timestamp"}}
	_, _, err := c.do(ctx, http.MethodPost, c.endpoint(collection, params),
		"resolution=merge-duplicates,return=minimal", records)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (c *RESTDriver) Create(ctx context.Context, collection string, records []models.Record) (int, error) {
	_, _, err := c.do(ctx, http.MethodPost, c.endpoint(collection, nil), "return=minimal", records)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (c *RESTDriver) Update(ctx context.Context, collection string, record models.Record) error {
	params := url.Values{}
	params.Set("symbol", "eq."+record.Symbol)
	params.Set("timestamp", "eq."+record.Timestamp.UTC().Format(time.RFC3339Nano))
	_, _, err := c.do(ctx, http.MethodPatch, c.endpoint(collection, params), "return=minimal", record)
	return err
}

// Count reads the exact row count from the Content-Range header.
func (c *RESTDriver) Count(ctx context.Context, collection string) (int64, error) {
	params := url.Values{"select": {"symbol"}}
	resp, _, err := c.do(ctx, http.MethodHead, c.endpoint(collection, params), "count=exact", nil)
	if err != nil {
		return 0, err
	}
	return parseContentRange(resp.Header.Get("Content-Range"))
}

func parseContentRange(h string) (int64, error) {
	i := strings.LastIndex(h, "/")
	if i < 0 || i == len(h)-1 {
		return 0, fmt.Errorf("%w: missing count in Content-Range %q", ErrSchema, h)
	}
	total := h[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("%w: count not provided in Content-Range %q", ErrSchema, h)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid count in Content-Range %q", ErrSchema, h)
	}
	return n, nil
}

func (c *RESTDriver) Close(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}
