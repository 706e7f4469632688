package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/mysql/mysqltest"
	"github.com/go-sql-driver/mysql"
)

func TestMemoryStoreFiltersByAgentStatusAndWindow(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		Transaction{ID: "t1", AgentID: "a", Amount: "10", Status: StatusConfirmed, CreatedAt: day.Add(2 * time.Hour)},
		Transaction{ID: "t2", AgentID: "a", Amount: "11", Status: StatusPending, CreatedAt: day.Add(3 * time.Hour)},
		Transaction{ID: "t3", AgentID: "b", Amount: "12", Status: StatusConfirmed, CreatedAt: day.Add(3 * time.Hour)},
		Transaction{ID: "t4", AgentID: "a", Amount: "13", Status: StatusConfirmed, CreatedAt: day.Add(-time.Nanosecond)},
		Transaction{ID: "t5", AgentID: "a", Amount: "14", Status: StatusConfirmed, CreatedAt: day.Add(24*time.Hour - time.Nanosecond)},
		Transaction{ID: "t6", AgentID: "a", Amount: "15", Status: StatusConfirmed, CreatedAt: day},
	)

	got, err := store.QueryConfirmedTransactions(context.Background(), "a", TimeRange{Start: day, End: day.Add(24*time.Hour - time.Nanosecond)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, tx := range got {
		ids = append(ids, tx.ID)
	}
	want := []string{"t6", "t1", "t5"}
	if len(ids) != len(want) {
		t.Fatalf("want %v got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("want %v got %v", want, ids)
		}
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	tx := Transaction{ID: "dup", AgentID: "a", Amount: "1", Status: StatusConfirmed}
	if err := store.Append(context.Background(), tx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(context.Background(), tx); xerrors.CodeOf(err) != CodeDuplicateTransaction {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestMySQLStoreAppend(t *testing.T) {
	db, drv := mysqltest.Open(t, mysqltest.Exec(insertTransactionSQL, mysqltest.Result{Affected: 1}))
	store := NewMySQLStore(db)

	created := time.UnixMilli(1_700_000_000_123).UTC()
	err := store.Append(context.Background(), Transaction{
		ID: "tx-1", AgentID: "a", ProjectID: "p", RunID: "r", RequestID: "req",
		Amount: "12.50", Currency: "USDC", Recipient: "0xabc", Status: StatusConfirmed, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	drv.AssertConsumed(t)
	args := drv.Args(0)
	if args[5] != "12.50" || args[9] != int64(1_700_000_000_123) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestMySQLStoreAppendDuplicate(t *testing.T) {
	db, _ := mysqltest.Open(t,
		mysqltest.Exec(insertTransactionSQL, mysqltest.Result{}).WithError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	err := NewMySQLStore(db).Append(context.Background(), Transaction{ID: "tx-1", AgentID: "a", Amount: "1"})
	if xerrors.CodeOf(err) != CodeDuplicateTransaction {
		t.Fatalf("expected duplicate code, got %v", err)
	}
}

func TestMySQLStoreQueryConfirmed(t *testing.T) {
	rows := mysqltest.Rows{
		Columns: []string{"id", "agent_id", "project_id", "run_id", "request_id", "amount", "currency", "recipient", "status", "created_at"},
		Values: [][]driver.Value{
			{"tx-1", "a", "p", "r1", "q1", "10.00", "USDC", "0x1", "confirmed", int64(1_700_000_000_000)},
			{"tx-2", "a", "p", "r2", "q2", "oops", "USDC", "0x2", "confirmed", int64(1_700_000_100_000)},
		},
	}
	db, drv := mysqltest.Open(t, mysqltest.Query(selectConfirmedSQL, rows))

	start := time.UnixMilli(1_699_999_000_000)
	end := time.UnixMilli(1_700_001_000_000)
	got, err := NewMySQLStore(db).QueryConfirmedTransactions(context.Background(), "a", TimeRange{Start: start, End: end})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	drv.AssertConsumed(t)
	if len(got) != 2 || got[1].Amount != "oops" || got[0].Status != StatusConfirmed {
		t.Fatalf("unexpected rows %+v", got)
	}
	if !got[0].CreatedAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("unexpected created_at %v", got[0].CreatedAt)
	}
	if args := drv.Args(0); args[1] != "confirmed" || args[2] != start.UnixMilli() {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestMySQLStoreQueryFailureIsRetryable(t *testing.T) {
	db, _ := mysqltest.Open(t, mysqltest.Query(selectConfirmedSQL, mysqltest.Rows{}).WithError(errors.New("connection reset")))
	_, err := NewMySQLStore(db).QueryConfirmedTransactions(context.Background(), "a", TimeRange{})
	if !xerrors.RetryableError(err) {
		t.Fatalf("storage failures should be retryable, got %v", err)
	}
}
