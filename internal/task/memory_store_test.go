package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/workflow"
)

type steppingClock struct{ current time.Time }

func (c *steppingClock) now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestStore() *MemoryStore {
	store := NewMemoryStore()
	clock := &steppingClock{current: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store.now = clock.now
	return store
}

func sampleTask(id, agent, intent string) *Task {
	return &Task{
		ID:        id,
		ProjectID: "proj-1",
		AgentID:   agent,
		Input: workflow.Input{
			ProjectID: "proj-1",
			AgentID:   agent,
			Intent:    intent,
			Amount:    decimal.RequireFromString("12.50"),
			Currency:  "USDC",
			Recipient: "0xabc",
		},
		MaxRetries: 3,
	}
}

func TestMemoryStoreListFiltersAndOrders(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	for _, task := range []*Task{
		sampleTask("t1", "agent-a", "pay hosting invoice"),
		sampleTask("t2", "agent-b", "renew domain"),
		sampleTask("t3", "agent-a", "pay api credits"),
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", Failure{Code: CodeTaskProcessing, Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t2" {
		t.Fatalf("expected most recently updated first, got %+v", ids(all))
	}

	oldest, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortOldestFirst), WithLimit(1)))
	if len(oldest) != 1 || oldest[0].ID != "t1" {
		t.Fatalf("unexpected oldest-first page: %v", ids(oldest))
	}

	byAgent, _ := store.List(ctx, BuildListOptions(WithAgent("agent-a")))
	if len(byAgent) != 2 {
		t.Fatalf("expected two tasks for agent-a, got %v", ids(byAgent))
	}

	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed, "bogus")))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %v", ids(failed))
	}

	matched, _ := store.List(ctx, BuildListOptions(WithQuery("API")))
	if len(matched) != 1 || matched[0].ID != "t3" {
		t.Fatalf("query should match intent case-insensitively: %v", ids(matched))
	}

	beyond, _ := store.List(ctx, BuildListOptions(WithOffset(10)))
	if len(beyond) != 0 {
		t.Fatalf("offset past the end should return nothing")
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	task := sampleTask("t1", "agent-a", "pay")
	task.MaxRetries = 2
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("first claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("running task must not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", Failure{Code: CodeTaskProcessing, Message: "retry", RunID: "run-1"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, err := store.Claim(ctx, "t1")
	if err != nil || again.Attempts != 2 || again.LastRunID != "run-1" {
		t.Fatalf("second claim: %+v %v", again, err)
	}

	if err := store.MarkFailed(ctx, "t1", Failure{Code: CodeTaskProcessing, Message: "retry"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	exhausted, err := store.Claim(ctx, "t1")
	if !stdErrors.Is(err, ErrTaskExhausted) || exhausted.Status != StatusFailed {
		t.Fatalf("expected exhausted failed task, got %+v %v", exhausted, err)
	}

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreSucceededTaskIsFinal(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	if err := store.Create(ctx, sampleTask("t1", "agent-a", "pay")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	result := Result{RunID: "run-9", RequestID: "req-9", PaymentStatus: "confirmed", RunAttempts: 1}
	if err := store.MarkSucceeded(ctx, "t1", result); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result == nil || got.Result.RequestID != "req-9" || got.LastRunID != "run-9" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskCompleted) {
		t.Fatalf("succeeded task must not be claimed, got %v", err)
	}

	got.Input.Metadata = map[string]string{"mutated": "yes"}
	fresh, _ := store.Get(ctx, "t1")
	if fresh.Input.Metadata != nil {
		t.Fatalf("returned tasks must be copies")
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, sampleTask(id, "agent-a", "pay")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	_ = store.MarkFailed(ctx, "b", Failure{Code: CodeTaskProcessing, Message: "boom", Terminal: true})
	_ = store.MarkSucceeded(ctx, "c", Result{RunID: "run-c"})

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt >= stats.NewestUpdatedAt {
		t.Fatalf("unexpected update range: %+v", stats)
	}

	failedOnly, _ := store.Stats(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreRejectsDuplicateAndEmptyIDs(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	if err := store.Create(ctx, sampleTask("t1", "agent-a", "pay")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, sampleTask("t1", "agent-a", "pay")); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Create(ctx, sampleTask(" ", "agent-a", "pay")); err == nil {
		t.Fatalf("expected validation error for empty id")
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
