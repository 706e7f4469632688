package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/auth"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/internal/workflow"
)

type stubRuns struct {
	result  *workflow.RunResult
	err     error
	inputs  []workflow.Input
	options int
	events  []audit.Event
	limit   int
}

func (s *stubRuns) Execute(_ context.Context, input workflow.Input, opts ...orchestrator.ExecuteOption) (*workflow.RunResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	s.inputs = append(s.inputs, input)
	s.options = len(opts)
	return s.result, s.err
}

func (s *stubRuns) AuditTrail(_ context.Context, runID string, limit int) ([]audit.Event, error) {
	s.limit = limit
	return s.events, nil
}

const runBody = `{"project_id":"proj-1","agent_id":"agent-7","intent":"pay hosting","amount":"25.00","currency":"USDC","recipient":"0xabc"}`

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func errorCode(body map[string]any) string {
	detail, _ := body["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

func TestCreateRunReturnsResult(t *testing.T) {
	runs := &stubRuns{result: &workflow.RunResult{Status: workflow.RunCompleted, RunID: "run-1", RequestID: "req-1", Attempts: 1}}
	handler := NewServer(":0", runs).Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/v1/runs?no_retry=true", runBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %v", rec.Code, body)
	}
	if body["request_id"] != "req-1" || body["run_id"] != "run-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if !runs.inputs[0].Amount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("amount not decoded: %v", runs.inputs[0].Amount)
	}
	if runs.options != 1 {
		t.Fatalf("no_retry should translate into an execute option")
	}
}

func TestCreateRunMapsErrorsToStatus(t *testing.T) {
	budget := &workflow.BudgetRejectedError{Check: workflow.BudgetCheck{
		AgentID: "agent-7",
		Violations: []workflow.Violation{{
			Kind:       workflow.DailyLimitExceeded,
			Limit:      decimal.RequireFromString("100"),
			Total:      decimal.RequireFromString("125"),
			ExceededBy: decimal.RequireFromString("25"),
		}},
	}}
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed body", `{"amount":`, nil, http.StatusBadRequest, string(xerrors.CodeInvalidArgument)},
		{"invalid input", `{"agent_id":"a"}`, nil, http.StatusBadRequest, string(xerrors.CodeInvalidArgument)},
		{"budget", runBody, &workflow.RunError{RunID: "run-2", Attempts: 1, Err: budget}, http.StatusPaymentRequired, string(workflow.CodeBudgetRejected)},
		{"compliance", runBody, &workflow.RunError{RunID: "run-3", Attempts: 1, Err: &workflow.ComplianceAbortedError{Status: workflow.ComplianceFail, RiskScore: 0.9}}, http.StatusUnprocessableEntity, string(workflow.CodeComplianceAborted)},
		{"transient", runBody, &workflow.RunError{RunID: "run-4", Attempts: 3, Err: xerrors.New(xerrors.CodeTransient, "flaky")}, http.StatusBadGateway, string(xerrors.CodeTransient)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewServer(":0", &stubRuns{err: tc.err}).Handler()
			rec, body := do(t, handler, http.MethodPost, "/api/v1/runs", tc.body)
			if rec.Code != tc.status || errorCode(body) != tc.code {
				t.Fatalf("expected %d/%s, got %d/%v", tc.status, tc.code, rec.Code, body)
			}
		})
	}
}

func TestCreateRunBudgetErrorListsViolations(t *testing.T) {
	err := &workflow.RunError{RunID: "run-2", Attempts: 1, Err: &workflow.BudgetRejectedError{Check: workflow.BudgetCheck{
		Violations: []workflow.Violation{{Kind: workflow.MonthlyLimitExceeded, ExceededBy: decimal.RequireFromString("5")}},
	}}}
	handler := NewServer(":0", &stubRuns{err: err}).Handler()
	_, body := do(t, handler, http.MethodPost, "/api/v1/runs", runBody)

	detail := body["error"].(map[string]any)
	violations, _ := detail["violations"].([]any)
	if detail["run_id"] != "run-2" || len(violations) != 1 {
		t.Fatalf("unexpected error detail: %v", detail)
	}
	if violations[0].(map[string]any)["exceeded_by"] != "5.00" {
		t.Fatalf("unexpected violation: %v", violations[0])
	}
}

func TestRunAuditPassesLimit(t *testing.T) {
	runs := &stubRuns{events: []audit.Event{{ID: "e1", Action: audit.ActionWorkflowStarted, RunID: "run-1"}}}
	handler := NewServer(":0", runs).Handler()

	rec, body := do(t, handler, http.MethodGet, "/api/v1/runs/run-1/audit?limit=5", "")
	if rec.Code != http.StatusOK || runs.limit != 5 {
		t.Fatalf("unexpected response %d (limit %d): %v", rec.Code, runs.limit, body)
	}
	if events, _ := body["events"].([]any); len(events) != 1 {
		t.Fatalf("expected one event, got %v", body)
	}

	rec, _ = do(t, handler, http.MethodGet, "/api/v1/runs/run-1/audit?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be rejected, got %d", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8))
	handler := NewServer(":0", &stubRuns{}, WithTasks(svc)).Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/v1/tasks", `{"id":"task-1","input":`+runBody+`}`)
	if rec.Code != http.StatusAccepted || body["id"] != "task-1" || body["status"] != string(task.StatusPending) {
		t.Fatalf("unexpected create response %d: %v", rec.Code, body)
	}

	rec, body = do(t, handler, http.MethodGet, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusOK || body["agent_id"] != "agent-7" {
		t.Fatalf("unexpected detail response %d: %v", rec.Code, body)
	}

	rec, body = do(t, handler, http.MethodGet, "/api/v1/tasks/missing", "")
	if rec.Code != http.StatusNotFound || errorCode(body) != string(task.CodeTaskNotFound) {
		t.Fatalf("unexpected missing response %d: %v", rec.Code, body)
	}

	rec, body = do(t, handler, http.MethodPost, "/api/v1/tasks", `{"input":{"agent_id":"a"}}`)
	if rec.Code != http.StatusBadRequest || errorCode(body) != string(task.CodeTaskValidation) {
		t.Fatalf("unexpected validation response %d: %v", rec.Code, body)
	}

	rec, body = do(t, handler, http.MethodGet, "/api/v1/tasks?status=pending&agent_id=agent-7", "")
	if tasks, _ := body["tasks"].([]any); rec.Code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("unexpected list response %d: %v", rec.Code, body)
	}

	rec, body = do(t, handler, http.MethodGet, "/api/v1/tasks/stats", "")
	if rec.Code != http.StatusOK || body["pending"] != float64(1) {
		t.Fatalf("unexpected stats response %d: %v", rec.Code, body)
	}
}

func TestTaskEndpointsRequireService(t *testing.T) {
	handler := NewServer(":0", &stubRuns{}).Handler()
	rec, _ := do(t, handler, http.MethodGet, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without task service, got %d", rec.Code)
	}
}

func TestMetricsEndpointAndInstrumentation(t *testing.T) {
	recorder := metrics.New(false)
	runs := &stubRuns{result: &workflow.RunResult{RunID: "run-1"}}
	handler := NewServer(":0", runs, WithMetrics(recorder.Handler(), recorder)).Handler()

	if rec, _ := do(t, handler, http.MethodPost, "/api/v1/runs", runBody); rec.Code != http.StatusOK {
		t.Fatalf("run failed: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	want := `agentpay_http_requests_total{code="200",handler="/api/v1/runs",method="POST"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %q in metrics output", want)
	}
}

func TestAuthBindsKeysToAgents(t *testing.T) {
	token, hash, err := auth.GenerateKey("agent7-key")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, Keys: []auth.KeyConfig{{
		ID:          "agent7-key",
		Hash:        hash,
		AgentIDs:    []string{"agent-7"},
		Permissions: []string{auth.PermissionExecute, auth.PermissionRead},
	}}}, nil)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	runs := &stubRuns{result: &workflow.RunResult{RunID: "run-1"}}
	handler := NewServer(":0", runs, WithAuth(svc)).Handler()

	send := func(body, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(runBody, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := send(runBody, "Bearer "+token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	other := strings.Replace(runBody, "agent-7", "agent-8", 1)
	if rec := send(other, "Bearer "+token); rec.Code != http.StatusForbidden {
		t.Fatalf("paying as another agent must be forbidden, got %d", rec.Code)
	}
	if len(runs.inputs) != 1 {
		t.Fatalf("only the authorised run should execute, got %d", len(runs.inputs))
	}
	if rec, _ := do(t, handler, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
}
