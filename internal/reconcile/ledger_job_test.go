package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

type fakeLedgerStore struct {
	unresolved []models.Transaction
	resolved   map[string]enums.TransactionStatus
}

func newFakeLedgerStore(rows ...models.Transaction) *fakeLedgerStore {
	return &fakeLedgerStore{unresolved: rows, resolved: map[string]enums.TransactionStatus{}}
}

func (f *fakeLedgerStore) ListUnresolvedTransactions(context.Context, int, time.Duration) ([]models.Transaction, error) {
	return f.unresolved, nil
}

func (f *fakeLedgerStore) ResolveTransaction(_ context.Context, orderID, _ string, status enums.TransactionStatus, _, _ string) (bool, error) {
	f.resolved[orderID] = status
	return true, nil
}

type orderQuerier struct {
	results map[string]*gateway.QueryResult
}

func (o *orderQuerier) Query(_ context.Context, params gateway.QueryParams) (*gateway.QueryResult, error) {
	if result, ok := o.results[params.OrderID]; ok {
		return result, nil
	}
	return &gateway.QueryResult{}, nil
}

func TestLedgerJob_ResolvesLandedTransaction(t *testing.T) {
	store := newFakeLedgerStore(models.Transaction{
		IdempotencyKey: "order-1",
		Status:         enums.TransactionStatusUnknown,
	})
	querier := &orderQuerier{results: map[string]*gateway.QueryResult{
		"order-1": {Transaction: &gateway.TransactionRecord{TransactionID: "gw-tx-1", Condition: "pendingsettlement"}},
	}}
	job, err := NewLedgerJob(LedgerJobParams{Logger: testLogger(), Repo: store, Gateway: querier})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.resolved["order-1"] != enums.TransactionStatusApproved {
		t.Fatalf("resolved to %s", store.resolved["order-1"])
	}
}

func TestLedgerJob_ClosesTransactionThatNeverLanded(t *testing.T) {
	store := newFakeLedgerStore(models.Transaction{
		IdempotencyKey: "order-2",
		Status:         enums.TransactionStatusUnknown,
	})
	job, err := NewLedgerJob(LedgerJobParams{Logger: testLogger(), Repo: store, Gateway: &orderQuerier{}})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.resolved["order-2"] != enums.TransactionStatusError {
		t.Fatalf("resolved to %s", store.resolved["order-2"])
	}
}

func TestStatusFromCondition(t *testing.T) {
	cases := map[string]enums.TransactionStatus{
		"pending":           enums.TransactionStatusApproved,
		"pendingsettlement": enums.TransactionStatusApproved,
		"complete":          enums.TransactionStatusSettled,
		"failed":            enums.TransactionStatusError,
		"canceled":          enums.TransactionStatusDeclined,
		"weird":             "",
	}
	for condition, want := range cases {
		if got := statusFromCondition(condition); got != want {
			t.Fatalf("condition %q: got %q, want %q", condition, got, want)
		}
	}
}
