// Package remote talks to the sync server: pull, push and health probes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every pull and push request
	DefaultTimeout = 30 * time.Second
	// PingTimeout bounds a health probe
	PingTimeout = 5 * time.Second

	// PullPath and PushPath are the protocol endpoints
	PullPath = "/api/v1/sync/pull"
	PushPath = "/api/v1/sync/push"
)

// RejectedError is a 4xx answer: the server understood the request and refused it
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
}

// TransportError covers network failures, timeouts and 5xx answers
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a 4xx rejection
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Options configures a Client
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HealthPath string
	HTTPClient *http.Client
}

// Client is the sync protocol client
type Client struct {
	baseURL    string
	token      string
	healthPath string
	timeout    time.Duration
	http       *http.Client
}

// NewClient creates a client for the server at opts.BaseURL
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		healthPath: opts.HealthPath,
		timeout:    opts.Timeout,
		http:       httpClient,
	}
}

// Pull fetches every change since req.LastPulledAt
func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	q := url.Values{}
	q.Set("last_pulled_at", strconv.FormatInt(req.LastPulledAt, 10))
	q.Set("schema_version", strconv.Itoa(req.SchemaVersion))
	if req.Migration != nil {
		data, err := json.Marshal(req.Migration)
		if err != nil {
			return nil, fmt.Errorf("failed to encode migration: %w", err)
		}
		q.Set("migration", string(data))
	}

	var resp PullResponse
	if err := c.do(ctx, "pull", http.MethodGet, PullPath+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Changes == nil {
		resp.Changes = Changes{}
	}
	return &resp, nil
}

// Push sends local changes and returns the ids assigned to created records
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push: %w", err)
	}

	var resp PushResponse
	if err := c.do(ctx, "push", http.MethodPost, PushPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping probes the health endpoint with a HEAD request
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &TransportError{Op: "ping", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

// BaseURL returns the server address
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	slog.Debug("sync request", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(errorMessage(data, resp.Status))}
	case resp.StatusCode >= 400:
		return &RejectedError{Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", err)}
	}
	return nil
}

func errorMessage(data []byte, fallback string) string {
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}
