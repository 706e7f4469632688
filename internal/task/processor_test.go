package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/workflow"
)

type scriptedExecutor struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	inputs  []workflow.Input
	options []int
	latency time.Duration
}

func (e *scriptedExecutor) Execute(ctx context.Context, input workflow.Input, opts ...orchestrator.ExecuteOption) (*workflow.RunResult, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.inputs = append(e.inputs, input)
	e.options = append(e.options, len(opts))
	runID := fmt.Sprintf("run-%d", e.calls)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return nil, &workflow.RunError{RunID: runID, Attempts: 1, Err: err}
		}
	}
	return &workflow.RunResult{
		Status:        workflow.RunCompleted,
		RunID:         runID,
		RequestID:     "req-" + runID,
		PaymentStatus: "confirmed",
		Attempts:      1,
	}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type collectedAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *collectedAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func paymentInput() workflow.Input {
	return workflow.Input{
		ProjectID: "proj-1",
		AgentID:   "agent-7",
		Intent:    "pay hosting invoice",
		Amount:    decimal.RequireFromString("20"),
		Currency:  "USDC",
		Recipient: "0xabc",
	}
}

func transient() error {
	return &workflow.StageError{Stage: workflow.StageAnalysis, Err: xerrors.New(xerrors.CodeTransient, "upstream flaked")}
}

type processorFixture struct {
	store    *MemoryStore
	producer *recordingProducer
	exec     *scriptedExecutor
	alerts   *collectedAlerts
	service  *Service
	proc     *Processor
}

func newProcessorFixture(maxRetries int, errs ...error) *processorFixture {
	f := &processorFixture{
		store:    newTestStore(),
		producer: &recordingProducer{},
		exec:     &scriptedExecutor{errs: errs},
		alerts:   &collectedAlerts{},
	}
	f.service = NewService(f.store, f.producer, WithMaxRetries(maxRetries))
	f.proc = NewProcessor(f.exec, f.store, nil, f.producer, WithAlertDispatcher(f.alerts))
	return f
}

func TestProcessorRecordsSuccessfulRun(t *testing.T) {
	f := newProcessorFixture(3)
	ctx := context.Background()
	task, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.proc.Handle(ctx, task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := f.store.Get(ctx, "task-1")
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.RequestID != "req-run-1" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if f.exec.inputs[0].TaskID != "task-1" {
		t.Fatalf("task id must reach the workflow input")
	}
	if f.exec.options[0] != 1 {
		t.Fatalf("processor must disable in-run retries, got %d options", f.exec.options[0])
	}

	if err := f.proc.Handle(ctx, task.ID); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.exec.callCount() != 1 {
		t.Fatalf("a succeeded task must never execute twice")
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	f := newProcessorFixture(3, transient())
	ctx := context.Background()
	if _, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.proc.Handle(ctx, "task-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := f.store.Get(ctx, "task-1")
	if got.Status != StatusPending || got.Attempts != 1 || got.LastRunID != "run-1" {
		t.Fatalf("unexpected task after retryable failure: %+v", got)
	}
	if got.ErrorCode != string(xerrors.CodeTransient) {
		t.Fatalf("unexpected error code %q", got.ErrorCode)
	}
	if len(f.producer.published) != 2 {
		t.Fatalf("expected submit + requeue publishes, got %v", f.producer.published)
	}

	if err := f.proc.Handle(ctx, "task-1"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	got, _ = f.store.Get(ctx, "task-1")
	if got.Status != StatusSucceeded || got.Attempts != 2 {
		t.Fatalf("expected recovery on second attempt: %+v", got)
	}
}

func TestProcessorAlertsWhenTaskRetriesExhausted(t *testing.T) {
	f := newProcessorFixture(2, transient(), transient())
	ctx := context.Background()
	if _, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.proc.Handle(ctx, "task-1"); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	got, _ := f.store.Get(ctx, "task-1")
	if got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].Code != CodeTaskExhausted {
		t.Fatalf("expected one exhausted alert, got %+v", f.alerts.events)
	}
	if f.alerts.events[0].RunID != "run-2" || f.alerts.events[0].AgentID != "agent-7" {
		t.Fatalf("alert should identify the last run: %+v", f.alerts.events[0])
	}
	if len(f.producer.published) != 2 {
		t.Fatalf("exhausted task must not be requeued again: %v", f.producer.published)
	}
}

func TestProcessorDoesNotRetryComplianceAbort(t *testing.T) {
	abort := &workflow.ComplianceAbortedError{Status: workflow.ComplianceFail, RiskScore: 0.9, Reason: "sanctioned"}
	f := newProcessorFixture(3, abort)
	ctx := context.Background()
	if _, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.proc.Handle(ctx, "task-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := f.store.Get(ctx, "task-1")
	if got.Status != StatusFailed || got.ErrorCode != string(workflow.CodeComplianceAborted) {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(f.producer.published) != 1 || len(f.alerts.events) != 0 {
		t.Fatalf("terminal abort must not requeue or raise a task alert")
	}
}

type failingSuccessStore struct {
	*MemoryStore
}

func (s failingSuccessStore) MarkSucceeded(context.Context, string, Result) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestProcessorAlertsWhenSuccessCannotBeRecorded(t *testing.T) {
	f := newProcessorFixture(3)
	store := failingSuccessStore{MemoryStore: f.store}
	proc := NewProcessor(f.exec, store, nil, f.producer, WithAlertDispatcher(f.alerts))
	ctx := context.Background()
	if _, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := proc.Handle(ctx, "task-1"); err == nil {
		t.Fatalf("expected the storage error to surface")
	}
	if err := proc.Handle(ctx, "task-1"); err != nil {
		t.Fatalf("redelivery of a running task should be skipped: %v", err)
	}
	if f.exec.callCount() != 1 {
		t.Fatalf("payment must not be executed again, got %d calls", f.exec.callCount())
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].Metadata["request_id"] != "req-run-1" {
		t.Fatalf("expected alert carrying the request id, got %+v", f.alerts.events)
	}
}

func TestServiceSubmitValidatesAndDeduplicates(t *testing.T) {
	f := newProcessorFixture(3)
	ctx := context.Background()

	bad := paymentInput()
	bad.Amount = decimal.Zero
	if _, err := f.service.Submit(ctx, SubmitRequest{Input: bad}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation code, got %v", err)
	}

	first, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || len(f.producer.published) != 1 {
		t.Fatalf("resubmitting the same id must not enqueue twice: %v", f.producer.published)
	}
	if first.Input.TaskID != "task-1" || first.MaxRetries != 3 {
		t.Fatalf("unexpected stored task: %+v", first)
	}

	generated, err := f.service.Submit(ctx, SubmitRequest{Input: paymentInput()})
	if err != nil || generated.ID == "" {
		t.Fatalf("expected generated id, got %+v %v", generated, err)
	}
}

func TestServiceSubmitMarksTaskFailedWhenPublishFails(t *testing.T) {
	f := newProcessorFixture(3)
	f.producer.err = stdErrors.New("broker down")
	ctx := context.Background()

	_, err := f.service.Submit(ctx, SubmitRequest{ID: "task-1", Input: paymentInput()})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure code, got %v", err)
	}
	got, _ := f.store.Get(ctx, "task-1")
	if got.Status != StatusFailed || got.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestProcessorDrainsMemoryQueueConcurrently(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	exec := &scriptedExecutor{latency: 2 * time.Millisecond}
	service := NewService(store, queue)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
		stopped.Store(true)
	}()

	const total = 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{Input: paymentInput()}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, stats %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if !stopped.Load() || exec.callCount() != total {
		t.Fatalf("expected %d executions, got %d", total, exec.callCount())
	}
}
