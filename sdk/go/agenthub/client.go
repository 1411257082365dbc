package agenthub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Event streams are long lived and bypass it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the AgentHub REST and SSE endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamer   *http.Client
}

// Session mirrors the server side session snapshot.
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LastGoal       string         `json:"lastGoal,omitempty"`
	LastResult     *Result        `json:"lastResult,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
}

// Result is the outcome of the last execution.
type Result struct {
	Output     string `json:"output"`
	Steps      int    `json:"steps"`
	Tokens     int    `json:"tokens"`
	DurationMs int64  `json:"durationMs"`
}

// ExecuteOptions tunes a single execution.
type ExecuteOptions struct {
	MaxSteps int    `json:"maxSteps,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// ExecuteAck is returned once an execution has been accepted.
type ExecuteAck struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SubAgentTask describes a forked sub-agent task.
type SubAgentTask struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	StepsExecuted int    `json:"stepsExecuted"`
	TokensUsed    int    `json:"tokensUsed"`
	DurationMs    int64  `json:"durationMs"`
}

// Event is one entry of a session event stream.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the event ends an execution.
func (e Event) Terminal() bool {
	return e.Type == "agent:complete" || e.Type == "agent:error"
}

// APIError represents an error envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter time.Duration  `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agenthub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agenthub api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the AgentHub API. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	streamer := &http.Client{}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	} else {
		copied := *httpClient
		copied.Timeout = 0
		streamer = &copied
	}
	return &Client{baseURL: parsed, httpClient: httpClient, streamer: streamer}, nil
}

// CreateSession opens a session for userID.
func (c *Client) CreateSession(ctx context.Context, userID string, metadata map[string]any) (Session, error) {
	var out Session
	payload := map[string]any{"userId": userID, "metadata": metadata}
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", nil, payload, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// ListSessions returns the active sessions of userID.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	query := url.Values{"userId": {userID}}
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession destroys a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
}

// Execute starts an execution and returns as soon as it is accepted.
func (c *Client) Execute(ctx context.Context, id, goal string, opts ExecuteOptions) (ExecuteAck, error) {
	var out ExecuteAck
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/execute", nil, executePayload(goal, opts, false), &out); err != nil {
		return ExecuteAck{}, err
	}
	return out, nil
}

// ExecuteAndWait blocks until the execution finishes and returns the final snapshot.
func (c *Client) ExecuteAndWait(ctx context.Context, id, goal string, opts ExecuteOptions) (Session, error) {
	var out Session
	if err := c.callWith(ctx, c.streamer, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/execute", nil, executePayload(goal, opts, true), &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// Stop requests cooperative cancellation of the running execution.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/stop", nil, nil, nil)
}

// SubAgent looks up a forked sub-agent task.
func (c *Client) SubAgent(ctx context.Context, taskID string) (SubAgentTask, error) {
	var out SubAgentTask
	if err := c.call(ctx, http.MethodGet, "/api/v1/subagents/"+url.PathEscape(taskID), nil, nil, &out); err != nil {
		return SubAgentTask{}, err
	}
	return out, nil
}

// CancelSubAgent cancels a sub-agent task.
func (c *Client) CancelSubAgent(ctx context.Context, taskID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/subagents/"+url.PathEscape(taskID)+"/cancel", nil, nil, nil)
}

// StreamEvents follows the SSE stream of a session and calls fn for every
// event until fn returns false, ctx is done or the server closes the stream.
func (c *Client) StreamEvents(ctx context.Context, id string, fn func(Event) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id)+"/events", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamer.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "" && data.Len() > 0:
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if !fn(ev) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func executePayload(goal string, opts ExecuteOptions, wait bool) map[string]any {
	payload := map[string]any{"goal": goal}
	if opts.MaxSteps > 0 {
		payload["maxSteps"] = opts.MaxSteps
	}
	if opts.Mode != "" {
		payload["mode"] = opts.Mode
	}
	if wait {
		payload["wait"] = true
	}
	return payload
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	return c.callWith(ctx, c.httpClient, method, endpoint, query, payload, out)
}

func (c *Client) callWith(ctx context.Context, hc *http.Client, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	if secs, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
		apiErr.RetryAfter = secs
	}
	return apiErr
}
