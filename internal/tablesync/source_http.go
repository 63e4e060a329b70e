package tablesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSourceUnavailable: the upstream data API could not serve a fetch.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInvalidPayload: the upstream rejected the shape of a write.
	ErrInvalidPayload = errors.New("invalid payload")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type SourceClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSourceClient talks to an Airtable-style REST API: record lists with
// offset pagination under /v0/{source}/{table}, creates via POST, partial
// updates via PATCH.
type HTTPSourceClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSourceClient(opts SourceClientOptions) *HTTPSourceClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.airtable.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPSourceClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type recordPayload struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type recordPage struct {
	Records []recordPayload `json:"records"`
	Offset  string          `json:"offset"`
}

// FetchAll pulls every row of one table, following offset pagination.
func (c *HTTPSourceClient) FetchAll(ctx context.Context, sourceID, tableID string) ([]Row, error) {
	var rows []Row
	offset := ""
	for {
		q := url.Values{}
		if offset != "" {
			q.Set("offset", offset)
		}
		requestPath := fmt.Sprintf("/v0/%s/%s", url.PathEscape(sourceID), url.PathEscape(tableID))
		if encoded := q.Encode(); encoded != "" {
			requestPath += "?" + encoded
		}
		var page recordPage
		if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &page); err != nil {
			return nil, fmt.Errorf("%w: fetch %s/%s: %v", ErrSourceUnavailable, sourceID, tableID, err)
		}
		for _, record := range page.Records {
			fields := record.Fields
			if fields == nil {
				fields = map[string]any{}
			}
			rows = append(rows, Row{ID: record.ID, Fields: fields})
		}
		if page.Offset == "" {
			return rows, nil
		}
		offset = page.Offset
	}
}

// Create inserts one row and returns its upstream-assigned id.
func (c *HTTPSourceClient) Create(ctx context.Context, sourceID, tableID string, fields map[string]any) (string, error) {
	body := map[string]any{"fields": fields}
	var out recordPayload
	requestPath := fmt.Sprintf("/v0/%s/%s", url.PathEscape(sourceID), url.PathEscape(tableID))
	if err := c.doJSON(ctx, http.MethodPost, requestPath, body, &out); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusBadRequest || httpErr.StatusCode == http.StatusUnprocessableEntity) {
			return "", fmt.Errorf("%w: %s", ErrInvalidPayload, httpErr.Message)
		}
		return "", fmt.Errorf("%w: create in %s/%s: %v", ErrSourceUnavailable, sourceID, tableID, err)
	}
	return out.ID, nil
}

// Update patches a subset of one row's fields. Used for registry status
// write-back when the registry lives in the source API itself.
func (c *HTTPSourceClient) Update(ctx context.Context, sourceID, tableID, rowID string, fields map[string]any) error {
	body := map[string]any{"fields": fields}
	requestPath := fmt.Sprintf("/v0/%s/%s/%s", url.PathEscape(sourceID), url.PathEscape(tableID), url.PathEscape(rowID))
	if err := c.doJSON(ctx, http.MethodPatch, requestPath, body, nil); err != nil {
		return fmt.Errorf("%w: update %s in %s/%s: %v", ErrSourceUnavailable, rowID, sourceID, tableID, err)
	}
	return nil
}

func (c *HTTPSourceClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error.Type,
			Message:    message,
		}
	}
}

func (c *HTTPSourceClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
