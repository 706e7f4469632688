// Package agentpay is a small Go client for the AgentPay REST API.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used when the caller does not supply an http.Client.
// Synchronous runs include retries on the server, so it is longer than a plain request.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the AgentPay API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// PaymentRequest is the workflow input accepted by the run and task endpoints.
// Amounts and limits are decimal strings.
type PaymentRequest struct {
	ProjectID          string            `json:"project_id"`
	AgentID            string            `json:"agent_id"`
	Intent             string            `json:"intent"`
	Amount             string            `json:"amount"`
	Currency           string            `json:"currency"`
	Recipient          string            `json:"recipient"`
	DailyLimit         *string           `json:"daily_limit,omitempty"`
	MonthlyLimit       *string           `json:"monthly_limit,omitempty"`
	EscalationOverride bool              `json:"escalation_override,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RunOptions toggles the orchestrator behaviour for a synchronous run.
type RunOptions struct {
	NoRetry   bool
	NoContext bool
}

// RunResult is returned by a successful synchronous run.
type RunResult struct {
	Status        string          `json:"status"`
	RunID         string          `json:"run_id"`
	RequestID     string          `json:"request_id"`
	PaymentStatus string          `json:"payment_status"`
	Attempts      int             `json:"attempts"`
	StageOutputs  json.RawMessage `json:"stage_outputs,omitempty"`
	Compliance    json.RawMessage `json:"compliance,omitempty"`
	Budget        json.RawMessage `json:"budget,omitempty"`
}

// AuditEvent is one entry of a run's audit trail.
type AuditEvent struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	RunID     string         `json:"run_id"`
	AgentID   string         `json:"agent_identity"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// TaskResult is stored on a task once its run has paid.
type TaskResult struct {
	RunID         string `json:"run_id"`
	RequestID     string `json:"request_id"`
	PaymentStatus string `json:"payment_status"`
	RunAttempts   int    `json:"run_attempts"`
}

// Task is the asynchronous view of a payment request.
type Task struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	AgentID    string         `json:"agent_id"`
	Input      PaymentRequest `json:"input"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the task will not change any more.
func (t Task) Terminal() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// APIError is the error envelope returned by the server.
type APIError struct {
	StatusCode int                 `json:"-"`
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	RunID      string              `json:"run_id,omitempty"`
	Attempts   int                 `json:"attempts,omitempty"`
	Violations []map[string]string `json:"violations,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// BudgetRejected reports whether the server refused the payment on budget grounds.
func (e *APIError) BudgetRejected() bool {
	return e != nil && e.StatusCode == http.StatusPaymentRequired
}

// ComplianceAborted reports whether the compliance gate stopped the payment.
func (e *APIError) ComplianceAborted() bool {
	return e != nil && e.StatusCode == http.StatusUnprocessableEntity
}

// NewClient creates a client for the API at rawURL. apiKey is sent as a bearer
// token when non-empty.
func NewClient(rawURL, apiKey string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, apiKey: strings.TrimSpace(apiKey)}, nil
}

// Execute runs the payment workflow synchronously.
func (c *Client) Execute(ctx context.Context, req PaymentRequest, opts RunOptions) (*RunResult, error) {
	query := url.Values{}
	if opts.NoRetry {
		query.Set("no_retry", "true")
	}
	if opts.NoContext {
		query.Set("no_context", "true")
	}
	var result RunResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/runs", query, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AuditTrail returns the most recent limit events of a run in chronological order.
func (c *Client) AuditTrail(ctx context.Context, runID string, limit int) ([]AuditEvent, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []AuditEvent `json:"events"`
	}
	endpoint := "/api/v1/runs/" + url.PathEscape(runID) + "/audit"
	if err := c.send(ctx, http.MethodGet, endpoint, query, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// SubmitTask queues a payment. Re-submitting the same id returns the existing task.
func (c *Client) SubmitTask(ctx context.Context, id string, req PaymentRequest) (*Task, error) {
	body := struct {
		ID    string         `json:"id,omitempty"`
		Input PaymentRequest `json:"input"`
	}{ID: id, Input: req}
	var task Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitTask polls until the task is terminal or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	envelope := struct {
		Error *APIError `json:"error"`
	}{Error: apiErr}
	if len(data) > 0 && json.Unmarshal(data, &envelope) != nil {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
