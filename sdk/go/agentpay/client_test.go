package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "key-1.secret", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func samplePayment() PaymentRequest {
	return PaymentRequest{
		ProjectID: "proj-1",
		AgentID:   "agent-7",
		Intent:    "pay hosting",
		Amount:    "25.00",
		Currency:  "USDC",
		Recipient: "0xabc",
	}
}

func TestExecuteSendsOptionsAndKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/runs" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("no_retry") != "true" || r.URL.Query().Has("no_context") {
			t.Fatalf("unexpected query %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1.secret" {
			t.Fatalf("unexpected authorization %q", got)
		}
		var body PaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount != "25.00" {
			t.Fatalf("unexpected body %+v (%v)", body, err)
		}
		_ = json.NewEncoder(w).Encode(RunResult{Status: "completed", RunID: "run-1", RequestID: "req-1", Attempts: 1})
	})

	result, err := client.Execute(context.Background(), samplePayment(), RunOptions{NoRetry: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.RunID != "run-1" || result.RequestID != "req-1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteDecodesBudgetRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"BUDGET_REJECTED","message":"over budget","run_id":"run-9","attempts":1,
			"violations":[{"kind":"daily_limit_exceeded","detail":"daily spend 80 + 25 exceeds limit 100"}]}}`))
	})

	_, err := client.Execute(context.Background(), samplePayment(), RunOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if !apiErr.BudgetRejected() || apiErr.ComplianceAborted() {
		t.Fatalf("unexpected classification %+v", apiErr)
	}
	if apiErr.RunID != "run-9" || len(apiErr.Violations) != 1 || apiErr.Violations[0]["kind"] != "daily_limit_exceeded" {
		t.Fatalf("unexpected error body %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
	_, err := client.GetTask(context.Background(), "task-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Unauthorized" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAuditTrailPassesLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-1/audit" || r.URL.Query().Get("limit") != "2" {
			t.Fatalf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"run_id":"run-1","events":[{"action":"workflow_started"},{"action":"workflow_completed"}]}`))
	})
	events, err := client.AuditTrail(context.Background(), "run-1", 2)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(events) != 2 || events[1].Action != "workflow_completed" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSubmitAndWaitTask(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var body struct {
				ID    string         `json:"id"`
				Input PaymentRequest `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID != "task-1" || body.Input.AgentID != "agent-7" {
				t.Fatalf("unexpected submission %+v (%v)", body, err)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/task-1":
			task := Task{ID: "task-1", Status: "running"}
			if polls.Add(1) >= 3 {
				task.Status = "succeeded"
				task.Result = &TaskResult{RunID: "run-3", RequestID: "req-3"}
			}
			_ = json.NewEncoder(w).Encode(task)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	submitted, err := client.SubmitTask(context.Background(), "task-1", samplePayment())
	if err != nil || submitted.Status != "pending" {
		t.Fatalf("submit: %+v %v", submitted, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := client.WaitTask(ctx, "task-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "succeeded" || done.Result == nil || done.Result.RequestID != "req-3" {
		t.Fatalf("unexpected task %+v", done)
	}
}

func TestWaitTaskHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "running"})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	task, err := client.WaitTask(ctx, "task-1", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if task != nil && task.Terminal() {
		t.Fatalf("task should not be terminal")
	}
}
