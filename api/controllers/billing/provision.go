package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/clearlinehq/vaultbridge/api/responses"
	"github.com/clearlinehq/vaultbridge/api/validators"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/saga"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type ProvisionService interface {
	Provision(ctx context.Context, params saga.ProvisionParams) (*saga.ProvisionResult, idempotency.Outcome, error)
}

type provisionRequest struct {
	CustomerID   string                 `json:"customer_id" validate:"required"`
	PlanID       string                 `json:"plan_id" validate:"required"`
	PaymentToken string                 `json:"payment_token" validate:"required"`
	Billing      gateway.BillingAddress `json:"billing"`
	StartDate    time.Time              `json:"start_date,omitempty"`
}

// Provision vaults the payment method and enrolls the subscription as one
// compensable unit. A declined saga is a recorded outcome; it surfaces as a
// payment failure, not a retryable server error.
func Provision(svc ProvisionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "provisioning service unavailable"))
			return
		}

		key, err := idempotencyKey(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload provisionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, outcome, err := svc.Provision(ctx, saga.ProvisionParams{
			CustomerID:     payload.CustomerID,
			PlanID:         payload.PlanID,
			PaymentToken:   payload.PaymentToken,
			Billing:        payload.Billing,
			StartDate:      payload.StartDate,
			IdempotencyKey: key,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if !result.Provisioned() {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeGatewayDeclined, "provisioning was declined").
				WithDetails(map[string]any{
					"saga_id":      result.SagaID,
					"failed_step":  result.FailedStep,
					"result_code":  result.ResultCode,
					"result_text":  result.ResultText,
					"compensation": result.Compensation,
				}))
			return
		}
		responses.WriteSuccessStatus(w, statusForOutcome(outcome, http.StatusCreated), result)
	}
}
