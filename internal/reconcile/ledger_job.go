package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/clearlinehq/vaultbridge/internal/cron"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type ledgerStore interface {
	ListUnresolvedTransactions(ctx context.Context, limit int, grace time.Duration) ([]models.Transaction, error)
	ResolveTransaction(ctx context.Context, orderID, gatewayTransactionID string, status enums.TransactionStatus, resultCode, resultText string) (bool, error)
}

// LedgerJobParams configure the unknown-transaction sweep.
type LedgerJobParams struct {
	Logger  *logger.Logger
	Repo    ledgerStore
	Gateway gatewayQuerier
	Limit   int
	Grace   time.Duration
}

// NewLedgerJob builds the job that resolves ledger rows left in the unknown
// state by an ambiguous gateway call. The row's idempotency key doubles as the
// gateway order id, so the query finds the attempt whether or not it landed.
func NewLedgerJob(params LedgerJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	return &ledgerJob{
		logg:    params.Logger,
		repo:    params.Repo,
		gateway: params.Gateway,
		limit:   params.Limit,
		grace:   params.Grace,
	}, nil
}

type ledgerJob struct {
	logg    *logger.Logger
	repo    ledgerStore
	gateway gatewayQuerier
	limit   int
	grace   time.Duration
}

func (j *ledgerJob) Name() string { return "ledger-reconcile" }

func (j *ledgerJob) Run(ctx context.Context) error {
	transactions, err := j.repo.ListUnresolvedTransactions(ctx, j.limit, j.grace)
	if err != nil {
		return fmt.Errorf("list unresolved transactions: %w", err)
	}

	var errs error
	resolved := 0
	for i := range transactions {
		ok, err := j.reconcileTransaction(ctx, &transactions[i])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("transaction %s: %w", transactions[i].IdempotencyKey, err))
			continue
		}
		if ok {
			resolved++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(transactions),
		"resolved":   resolved,
	})
	j.logg.Info(reportCtx, "ledger reconcile sweep complete")
	return errs
}

func (j *ledgerJob) reconcileTransaction(ctx context.Context, transaction *models.Transaction) (bool, error) {
	state, err := j.gateway.Query(ctx, gateway.QueryParams{OrderID: transaction.IdempotencyKey})
	if err != nil {
		return false, err
	}

	if state.Transaction == nil || state.Transaction.TransactionID == "" {
		// The ambiguous attempt never landed. Close the row so the caller's
		// retry with a fresh key is the only live attempt.
		return j.repo.ResolveTransaction(ctx, transaction.IdempotencyKey, "",
			enums.TransactionStatusError, "", "no record at gateway")
	}

	status := statusFromCondition(state.Transaction.Condition)
	if status == "" {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"order_id":  transaction.IdempotencyKey,
			"condition": state.Transaction.Condition,
		}), "unrecognized gateway transaction condition")
		return false, nil
	}
	return j.repo.ResolveTransaction(ctx, transaction.IdempotencyKey, state.Transaction.TransactionID, status, "", "")
}

func statusFromCondition(condition string) enums.TransactionStatus {
	switch condition {
	case "pending", "pendingsettlement", "in_progress":
		return enums.TransactionStatusApproved
	case "complete":
		return enums.TransactionStatusSettled
	case "failed", "abandoned":
		return enums.TransactionStatusError
	case "canceled", "cancelled":
		return enums.TransactionStatusDeclined
	default:
		return ""
	}
}
