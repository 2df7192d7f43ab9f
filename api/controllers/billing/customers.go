package billing

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clearlinehq/vaultbridge/api/responses"
	"github.com/clearlinehq/vaultbridge/api/validators"
	internalbilling "github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type CustomerService interface {
	GetStatus(ctx context.Context, customerID string) (*internalbilling.StatusView, error)
	CancelSubscription(ctx context.Context, params internalbilling.CancelParams) (*internalbilling.CancelResult, idempotency.Outcome, error)
	UpdateProfile(ctx context.Context, params internalbilling.UpdateProfileParams) (idempotency.Outcome, error)
	DeleteProfile(ctx context.Context, params internalbilling.DeleteProfileParams) (idempotency.Outcome, error)
}

// CustomerStatus returns the customer's billing state, including the
// resolution of provisioning that was ambiguous at request time.
func CustomerStatus(svc CustomerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		view, err := svc.GetStatus(ctx, chi.URLParam(r, "customerID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// SubscriptionCancel stops the customer's recurring billing.
func SubscriptionCancel(svc CustomerService, logg *logger.Logger) http.HandlerFunc {
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

		result, _, err := svc.CancelSubscription(ctx, internalbilling.CancelParams{
			CustomerID:     chi.URLParam(r, "customerID"),
			IdempotencyKey: key,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

type profileUpdateRequest struct {
	PaymentToken string                 `json:"payment_token" validate:"required"`
	Billing      gateway.BillingAddress `json:"billing"`
}

// PaymentProfileUpdate swaps the vaulted payment method for a new token.
func PaymentProfileUpdate(svc CustomerService, logg *logger.Logger) http.HandlerFunc {
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

		var payload profileUpdateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if _, err := svc.UpdateProfile(ctx, internalbilling.UpdateProfileParams{
			CustomerID:     chi.URLParam(r, "customerID"),
			PaymentToken:   payload.PaymentToken,
			Billing:        payload.Billing,
			IdempotencyKey: key,
		}); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"updated": true})
	}
}

// PaymentProfileDelete removes the vaulted payment method.
func PaymentProfileDelete(svc CustomerService, logg *logger.Logger) http.HandlerFunc {
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

		if _, err := svc.DeleteProfile(ctx, internalbilling.DeleteProfileParams{
			CustomerID:     chi.URLParam(r, "customerID"),
			IdempotencyKey: key,
		}); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"deleted": true})
	}
}
