package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/compliance"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/knowledge"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/memory"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/workflow"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type recordingMemory struct {
	mu      sync.Mutex
	entries []memory.Entry
	err     error
	// failAfter 大于 0 时，写满该数量后的写入全部失败。
	failAfter int
}

func (m *recordingMemory) Store(_ context.Context, entry memory.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.failAfter > 0 && len(m.entries) >= m.failAfter {
		return "", errors.New("memory 503")
	}
	m.entries = append(m.entries, entry)
	return "mem-" + strconv.Itoa(len(m.entries)), nil
}

func (m *recordingMemory) Search(context.Context, memory.Query) ([]memory.Hit, error) {
	return nil, nil
}

type stubCompliance struct {
	outcome workflow.ComplianceOutcome
	err     error
	calls   int
}

func (s *stubCompliance) Evaluate(_ context.Context, req compliance.Request) (workflow.ComplianceOutcome, error) {
	s.calls++
	if req.ActionContext["amount"] == nil {
		return workflow.ComplianceOutcome{}, errors.New("analysis output missing amount")
	}
	return s.outcome, s.err
}

type countingPayment struct {
	mu    sync.Mutex
	calls int
	err   error
	last  payment.SubmitRequest
}

func (c *countingPayment) Submit(_ context.Context, req payment.SubmitRequest) (payment.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = req
	if c.err != nil {
		return payment.Receipt{}, c.err
	}
	return payment.Receipt{RequestID: "req-" + strconv.Itoa(c.calls), Status: "confirmed"}, nil
}

type fixture struct {
	pipeline   *Pipeline
	memory     *recordingMemory
	compliance *stubCompliance
	payment    *countingPayment
	audit      *audit.MemoryStore
	signer     *payment.KeySigner
}

func newFixture(t *testing.T, ledgerStore ledger.Reader, budgetOpts ...budget.Option) *fixture {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer, err := payment.GenerateKeySigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	if ledgerStore == nil {
		ledgerStore = ledger.NewMemoryStore()
	}
	f := &fixture{
		memory:     &recordingMemory{},
		compliance: &stubCompliance{outcome: workflow.ComplianceOutcome{Status: workflow.CompliancePass, RiskScore: 0.1, EventRef: "evt-1"}},
		payment:    &countingPayment{},
		audit:      audit.NewMemoryStore(),
		signer:     signer,
	}
	clock := func() time.Time { return testNow }
	gate := budget.NewGate(ledgerStore, append([]budget.Option{budget.WithClock(clock), budget.WithLogger(discard)}, budgetOpts...)...)
	f.pipeline, err = New(Dependencies{
		Analyzer:   NewLocalAnalyzer(knowledge.NewCatalog([]knowledge.Note{{Title: "算力", Keywords: []string{"gpu"}}}), 2),
		Compliance: f.compliance,
		Budget:     gate,
		Payment:    f.payment,
		Signer:     signer,
		Memory:     f.memory,
		Audit:      audit.NewRecorder(f.audit, audit.WithLogger(discard)),
	}, WithClock(clock), WithLogger(discard))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return f
}

func sampleAttempt(amount string, dailyLimit string) Attempt {
	in := workflow.Input{
		ProjectID: "proj",
		AgentID:   "agent-1",
		Intent:    "rent gpu capacity",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USDC",
		Recipient: "0xprovider",
	}
	if dailyLimit != "" {
		limit := decimal.RequireFromString(dailyLimit)
		in.DailyLimit = &limit
	}
	return Attempt{RunID: "run-1", Number: 1, Input: in, Started: testNow}
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	events, err := f.audit.List(context.Background(), "run-1", 100)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

func TestRunSuccessWritesOneResultPerStage(t *testing.T) {
	f := newFixture(t, nil)
	outcome, err := f.pipeline.Run(context.Background(), sampleAttempt("25.00", "100.00"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RequestID != "req-1" || outcome.PaymentStatus != "confirmed" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !outcome.Budget.Allowed || outcome.Compliance.EventRef != "evt-1" {
		t.Fatalf("outcome must carry the authorising evidence: %+v", outcome)
	}

	wantStages := []workflow.Stage{workflow.StageAnalysis, workflow.StageCompliance, workflow.StageTransaction}
	if len(f.memory.entries) != len(wantStages) || len(outcome.StageOutputs) != len(wantStages) {
		t.Fatalf("expected one memory entry per stage, got %d entries / %d outputs", len(f.memory.entries), len(outcome.StageOutputs))
	}
	for i, stage := range wantStages {
		entry := f.memory.entries[i]
		if entry.MemoryType != string(stage) || entry.RunID != "run-1" || entry.Metadata["stage"] != string(stage) {
			t.Fatalf("entry %d tagged incorrectly: %+v", i, entry)
		}
		if outcome.StageOutputs[i].Stage != stage || outcome.StageOutputs[i].MemoryRef == "" {
			t.Fatalf("stage output %d unexpected: %+v", i, outcome.StageOutputs[i])
		}
	}

	got := f.actions(t)
	want := []string{audit.ActionAnalysisDone, audit.ActionComplianceDone, audit.ActionTransactionDone}
	if len(got) != len(want) {
		t.Fatalf("unexpected audit actions %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit order mismatch: got %v want %v", got, want)
		}
	}

	if err := payment.Verify(f.payment.last.Payload, f.payment.last.Signature, f.signer.Address()); err != nil {
		t.Fatalf("submitted payload must carry a valid signature: %v", err)
	}
	if f.payment.last.Payload.ComplianceRef != "evt-1" {
		t.Fatalf("payload must reference the compliance event, got %+v", f.payment.last.Payload)
	}
}

func TestRunComplianceFailNeverSubmitsPayment(t *testing.T) {
	f := newFixture(t, nil)
	f.compliance.outcome = workflow.ComplianceOutcome{Status: workflow.ComplianceFail, RiskScore: 0.92, Reason: "blocked recipient", EventRef: "evt-9"}

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("25.00", ""))
	var stageErr *workflow.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != workflow.StageCompliance || stageErr.RunID != "run-1" {
		t.Fatalf("expected compliance stage error, got %v", err)
	}
	var aborted *workflow.ComplianceAbortedError
	if !errors.As(err, &aborted) || aborted.RiskScore != 0.92 || aborted.Reason != "blocked recipient" {
		t.Fatalf("expected compliance aborted error, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("compliance abort must not be retryable")
	}
	if f.payment.calls != 0 {
		t.Fatalf("payment must not be submitted after FAIL, got %d calls", f.payment.calls)
	}
	got := f.actions(t)
	if got[len(got)-1] != audit.ActionComplianceAborted {
		t.Fatalf("expected compliance_aborted as last stage event, got %v", got)
	}
	for _, action := range got {
		if action == audit.ActionTransactionDone {
			t.Fatalf("transaction stage must not run after FAIL: %v", got)
		}
	}
}

func TestRunEscalatedRequiresOverride(t *testing.T) {
	f := newFixture(t, nil)
	f.compliance.outcome = workflow.ComplianceOutcome{Status: workflow.ComplianceEscalated, RiskScore: 0.6, EventRef: "evt-2"}

	attempt := sampleAttempt("25.00", "")
	if _, err := f.pipeline.Run(context.Background(), attempt); !errors.Is(err, workflow.ErrComplianceAborted) {
		t.Fatalf("escalation without override must abort, got %v", err)
	}

	attempt.Input.EscalationOverride = true
	outcome, err := f.pipeline.Run(context.Background(), attempt)
	if err != nil {
		t.Fatalf("escalation with override must proceed: %v", err)
	}
	if outcome.Compliance.Status != workflow.ComplianceEscalated || f.payment.calls != 1 {
		t.Fatalf("unexpected outcome %+v (payments %d)", outcome, f.payment.calls)
	}
}

func TestRunBudgetRejectionCarriesViolations(t *testing.T) {
	store := ledger.NewMemoryStore(ledger.Transaction{
		ID: "t1", AgentID: "agent-1", Amount: "90.00", Status: ledger.StatusConfirmed, CreatedAt: testNow.Add(-time.Hour),
	})
	f := newFixture(t, store)

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("15.00", "100.00"))
	var rejected *workflow.BudgetRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected budget rejection, got %v", err)
	}
	if len(rejected.Violations()) != 1 || rejected.Violations()[0].Kind != workflow.DailyLimitExceeded {
		t.Fatalf("unexpected violations %+v", rejected.Violations())
	}
	if xerrors.RetryableError(err) || f.payment.calls != 0 {
		t.Fatalf("budget rejection must be terminal and skip payment (calls %d)", f.payment.calls)
	}
	got := f.actions(t)
	if got[len(got)-1] != audit.ActionBudgetRejected {
		t.Fatalf("expected budget_rejected event, got %v", got)
	}
}

func TestRunPaymentFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, nil, budget.WithReserver(budget.NewMemoryReserver()))
	f.payment.err = errors.New("gateway unavailable")

	attempt := sampleAttempt("100.00", "100.00")
	_, err := f.pipeline.Run(context.Background(), attempt)
	if !xerrors.RetryableError(err) {
		t.Fatalf("gateway outage must be retryable, got %v", err)
	}

	f.payment.err = nil
	if _, err := f.pipeline.Run(context.Background(), attempt); err != nil {
		t.Fatalf("released reservation must admit the retry: %v", err)
	}
}

func TestRunMemoryFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.err = errors.New("vector store timeout")

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("10.00", ""))
	var stageErr *workflow.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != workflow.StageAnalysis {
		t.Fatalf("expected analysis stage error, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("memory failure must be retryable")
	}
	if f.compliance.calls != 0 {
		t.Fatalf("compliance must not run when analysis fails")
	}
}

func TestRunRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	attempt := sampleAttempt("10.00", "")
	attempt.Input.Recipient = ""
	_, err := f.pipeline.Run(context.Background(), attempt)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNormalizeOutcomeFailsClosed(t *testing.T) {
	got := normalizeOutcome(workflow.ComplianceOutcome{Status: "MAYBE", RiskScore: 1.7})
	if got.Status != workflow.ComplianceFail || got.RiskScore != 1 || got.Reason == "" {
		t.Fatalf("unexpected normalised outcome %+v", got)
	}
}

func TestComplianceAbortSurvivesMemoryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.failAfter = 1
	f.compliance.outcome = workflow.ComplianceOutcome{Status: workflow.ComplianceFail, RiskScore: 0.95, Reason: "sanctioned recipient", EventRef: "evt-7"}

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("25.00", ""))
	var aborted *workflow.ComplianceAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected compliance aborted error despite memory failure, got %v", err)
	}
	if aborted.RiskScore != 0.95 || aborted.Reason != "sanctioned recipient" || aborted.EventRef != "evt-7" {
		t.Fatalf("abort evidence lost: %+v", aborted)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("compliance abort must stay terminal when memory writes fail")
	}
	if f.payment.calls != 0 {
		t.Fatalf("payment must not be submitted, got %d calls", f.payment.calls)
	}
	got := f.actions(t)
	if got[len(got)-1] != audit.ActionComplianceAborted {
		t.Fatalf("expected compliance_aborted event, got %v", got)
	}
}

func TestEscalationWithoutOverrideSurvivesMemoryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.failAfter = 1
	f.compliance.outcome = workflow.ComplianceOutcome{Status: workflow.ComplianceEscalated, RiskScore: 0.6, EventRef: "evt-3"}

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("25.00", ""))
	if !errors.Is(err, workflow.ErrComplianceAborted) || xerrors.RetryableError(err) {
		t.Fatalf("expected terminal compliance abort, got %v", err)
	}
}

func TestPassingComplianceWithMemoryFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.memory.failAfter = 1

	_, err := f.pipeline.Run(context.Background(), sampleAttempt("25.00", ""))
	var stageErr *workflow.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != workflow.StageCompliance || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable compliance stage error, got %v", err)
	}
	if f.payment.calls != 0 {
		t.Fatalf("payment must not run after a failed compliance write")
	}
}

func TestNormalizeOutcomeTreatsNaNAsFail(t *testing.T) {
	got := normalizeOutcome(workflow.ComplianceOutcome{Status: workflow.CompliancePass, RiskScore: math.NaN()})
	if got.Status != workflow.ComplianceFail || got.RiskScore != 1 || got.Reason == "" {
		t.Fatalf("NaN risk must fail closed, got %+v", got)
	}
}
