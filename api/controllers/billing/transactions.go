package billing

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/clearlinehq/vaultbridge/api/responses"
	"github.com/clearlinehq/vaultbridge/api/validators"
	internalbilling "github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type TransactionService interface {
	Charge(ctx context.Context, params internalbilling.ChargeParams) (*internalbilling.TransactionResult, idempotency.Outcome, error)
	Refund(ctx context.Context, params internalbilling.RefundParams) (*internalbilling.TransactionResult, idempotency.Outcome, error)
	Void(ctx context.Context, params internalbilling.VoidParams) (*internalbilling.TransactionResult, idempotency.Outcome, error)
}

type chargeRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
}

// Charge bills the stored payment method once.
func Charge(svc TransactionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		key, err := idempotencyKey(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload chargeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, outcome, err := svc.Charge(ctx, internalbilling.ChargeParams{
			CustomerID:     payload.CustomerID,
			Amount:         payload.Amount,
			IdempotencyKey: key,
		})
		writeTransactionResult(ctx, logg, w, result, outcome, err)
	}
}

type refundRequest struct {
	CustomerID           string          `json:"customer_id" validate:"required"`
	GatewayTransactionID string          `json:"gateway_transaction_id" validate:"required"`
	Amount               decimal.Decimal `json:"amount" validate:"required"`
}

// Refund returns funds for a settled transaction.
func Refund(svc TransactionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		key, err := idempotencyKey(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload refundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, outcome, err := svc.Refund(ctx, internalbilling.RefundParams{
			CustomerID:           payload.CustomerID,
			GatewayTransactionID: payload.GatewayTransactionID,
			Amount:               payload.Amount,
			IdempotencyKey:       key,
		})
		writeTransactionResult(ctx, logg, w, result, outcome, err)
	}
}

type voidRequest struct {
	CustomerID           string `json:"customer_id" validate:"required"`
	GatewayTransactionID string `json:"gateway_transaction_id" validate:"required"`
}

// Void cancels an unsettled transaction.
func Void(svc TransactionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		key, err := idempotencyKey(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload voidRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, outcome, err := svc.Void(ctx, internalbilling.VoidParams{
			CustomerID:           payload.CustomerID,
			GatewayTransactionID: payload.GatewayTransactionID,
			IdempotencyKey:       key,
		})
		writeTransactionResult(ctx, logg, w, result, outcome, err)
	}
}

// writeTransactionResult maps a ledger outcome onto the wire. Declines are
// stored outcomes and replay under the same key, but callers still see them
// as payment failures.
func writeTransactionResult(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, result *internalbilling.TransactionResult, outcome idempotency.Outcome, err error) {
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}
	if result.Declined() {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeGatewayDeclined, "gateway declined the transaction").
			WithDetails(map[string]any{
				"transaction_id": result.TransactionID,
				"status":         result.Status,
				"result_code":    result.ResultCode,
				"result_text":    result.ResultText,
			}))
		return
	}
	responses.WriteSuccessStatus(w, statusForOutcome(outcome, http.StatusCreated), result)
}
