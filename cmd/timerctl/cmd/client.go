package cmd

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

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

const codeOK = 0

// Client talks to a running timerd admission API.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient builds a client for the server at base, e.g.
// "http://localhost:8080".
func NewClient(base, apiKey string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// envelope mirrors the server's response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-zero envelope code returned by the server.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// TimerSummary is the compact row view returned by create, update and list.
type TimerSummary struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExecuteAt    time.Time  `json:"execute_at"`
	CallbackType string     `json:"callback_type"`
	Status       string     `json:"status"`
	ExecutedAt   *time.Time `json:"executed_at"`
}

// TimerDetail is the full view returned by get.
type TimerDetail struct {
	ID         string               `json:"id"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	ExecuteAt  time.Time            `json:"execute_at"`
	Callback   timer.CallbackConfig `json:"callback"`
	Status     string               `json:"status"`
	LastError  *string              `json:"last_error"`
	ExecutedAt *time.Time           `json:"executed_at"`
	Metadata   json.RawMessage      `json:"metadata"`
}

// ListResult is one page of timer summaries.
type ListResult struct {
	Timers []TimerSummary `json:"timers"`
	Total  int64          `json:"total"`
	Limit  int64          `json:"limit"`
	Offset int64          `json:"offset"`
}

// CancelResult reports the canceled timer.
type CancelResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Health is the health endpoint payload.
type Health struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateTimerRequest is the admission payload for a new timer.
type CreateTimerRequest struct {
	ExecuteAt time.Time            `json:"execute_at"`
	Callback  timer.CallbackConfig `json:"callback"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
}

// UpdateTimerRequest carries only the fields to change.
type UpdateTimerRequest struct {
	ExecuteAt *time.Time            `json:"execute_at,omitempty"`
	Callback  *timer.CallbackConfig `json:"callback,omitempty"`
	Metadata  json.RawMessage       `json:"metadata,omitempty"`
}

// ListOptions filter and page the timer listing. Zero values are omitted so
// the server's defaults apply.
type ListOptions struct {
	Status string
	Sort   string
	Order  string
	Limit  int
	Offset int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Sort != "" {
		q.Set("sort", o.Sort)
	}
	if o.Order != "" {
		q.Set("order", o.Order)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q
}

// CreateTimer registers a new timer.
func (c *Client) CreateTimer(ctx context.Context, req CreateTimerRequest) (*TimerSummary, error) {
	var out TimerSummary
	if err := c.do(ctx, http.MethodPost, "/timers", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTimers fetches one page of timers.
func (c *Client) ListTimers(ctx context.Context, opts ListOptions) (*ListResult, error) {
	var out ListResult
	if err := c.do(ctx, http.MethodGet, "/timers", opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTimer fetches one timer in full.
func (c *Client) GetTimer(ctx context.Context, id string) (*TimerDetail, error) {
	var out TimerDetail
	if err := c.do(ctx, http.MethodGet, "/timers/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTimer reschedules or retargets a pending timer.
func (c *Client) UpdateTimer(ctx context.Context, id string, req UpdateTimerRequest) (*TimerSummary, error) {
	var out TimerSummary
	if err := c.do(ctx, http.MethodPut, "/timers/"+url.PathEscape(id), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTimer cancels a pending or executing timer.
func (c *Client) CancelTimer(ctx context.Context, id string) (*CancelResult, error) {
	var out CancelResult
	if err := c.do(ctx, http.MethodDelete, "/timers/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckHealth reports server health. A degraded server returns both the
// payload and an APIError.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	var h Health
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &h); err != nil {
			return nil, fmt.Errorf("decode health data: %w", err)
		}
	}
	if env.Code != codeOK {
		return &h, &APIError{Code: env.Code, Message: env.Message}
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Code != codeOK {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
