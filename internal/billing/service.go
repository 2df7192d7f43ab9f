package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// GatewayClient is the gateway surface billing depends on.
type GatewayClient interface {
	Execute(ctx context.Context, op gateway.Operation) (*gateway.Result, error)
	Query(ctx context.Context, params gateway.QueryParams) (*gateway.QueryResult, error)
}

// Transactor runs a function inside a database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo        Repository
	Gateway     GatewayClient
	DB          Transactor
	Idempotency *idempotency.Store
	Logger      *logger.Logger
}

// Service orchestrates customer billing operations against the gateway and
// owns the shared transition appliers.
type Service struct {
	repo    Repository
	gateway GatewayClient
	db      Transactor
	idem    *idempotency.Store
	logg    *logger.Logger
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Gateway == nil {
		return nil, errors.New("gateway client is required")
	}
	if params.DB == nil {
		return nil, errors.New("db transactor is required")
	}
	if params.Idempotency == nil {
		return nil, errors.New("idempotency store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		repo:    params.Repo,
		gateway: params.Gateway,
		db:      params.DB,
		idem:    params.Idempotency,
		logg:    params.Logger,
	}, nil
}

// Repo exposes the repository for workers that need read access.
func (s *Service) Repo() Repository {
	return s.repo
}

// ChargeParams describes a one-off charge against the stored payment profile.
type ChargeParams struct {
	CustomerID     string          `json:"customer_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey string          `json:"-" validate:"required"`
}

// TransactionResult is the caller-visible outcome of a ledger operation. It
// is what the idempotency store persists and replays.
type TransactionResult struct {
	TransactionID        string `json:"transaction_id"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Status               string `json:"status"`
	ResultCode           string `json:"result_code"`
	ResultText           string `json:"result_text"`
	AuthCode             string `json:"auth_code,omitempty"`
	Amount               string `json:"amount"`
}

// Declined reports whether the gateway refused the operation.
func (r *TransactionResult) Declined() bool {
	return r != nil && (r.Status == string(enums.TransactionStatusDeclined) || r.Status == string(enums.TransactionStatusError))
}

// Charge bills the customer's vaulted payment method once. Replays of the
// same idempotency key return the stored outcome without touching the
// gateway; declines are outcomes, so they replay too.
func (s *Service) Charge(ctx context.Context, params ChargeParams) (*TransactionResult, idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	data, outcome, err := s.idem.Run(logCtx, "charge", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		profile, err := s.activeProfile(ctx, params.CustomerID)
		if err != nil {
			return nil, err
		}
		return s.runLedgerOp(ctx, ledgerOp{
			op: gateway.Sale{
				CustomerID:     profile.VaultID,
				Amount:         params.Amount,
				IdempotencyKey: params.IdempotencyKey,
			},
			customerID:     params.CustomerID,
			txType:         enums.TransactionTypeSale,
			amount:         params.Amount,
			idempotencyKey: params.IdempotencyKey,
		})
	})
	if err != nil {
		return nil, outcome, err
	}
	return decodeTransactionResult(data, outcome)
}

// RefundParams describes a refund referencing a prior gateway transaction.
type RefundParams struct {
	CustomerID           string          `json:"customer_id" validate:"required"`
	GatewayTransactionID string          `json:"gateway_transaction_id" validate:"required"`
	Amount               decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey       string          `json:"-" validate:"required"`
}

// Refund returns funds for a settled transaction.
func (s *Service) Refund(ctx context.Context, params RefundParams) (*TransactionResult, idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	data, outcome, err := s.idem.Run(logCtx, "refund", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		return s.runLedgerOp(ctx, ledgerOp{
			op: gateway.Refund{
				TransactionID:  params.GatewayTransactionID,
				Amount:         params.Amount,
				IdempotencyKey: params.IdempotencyKey,
			},
			customerID:     params.CustomerID,
			txType:         enums.TransactionTypeRefund,
			amount:         params.Amount,
			idempotencyKey: params.IdempotencyKey,
		})
	})
	if err != nil {
		return nil, outcome, err
	}
	return decodeTransactionResult(data, outcome)
}

// VoidParams describes voiding an unsettled transaction.
type VoidParams struct {
	CustomerID           string `json:"customer_id" validate:"required"`
	GatewayTransactionID string `json:"gateway_transaction_id" validate:"required"`
	IdempotencyKey       string `json:"-" validate:"required"`
}

// Void cancels an unsettled transaction by issuing the gateway's compensating
// operation against it.
func (s *Service) Void(ctx context.Context, params VoidParams) (*TransactionResult, idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	data, outcome, err := s.idem.Run(logCtx, "void", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		return s.runLedgerOp(ctx, ledgerOp{
			op: gateway.Void{
				TransactionID:  params.GatewayTransactionID,
				IdempotencyKey: params.IdempotencyKey,
			},
			customerID:     params.CustomerID,
			txType:         enums.TransactionTypeVoid,
			amount:         decimal.Zero,
			idempotencyKey: params.IdempotencyKey,
		})
	})
	if err != nil {
		return nil, outcome, err
	}
	return decodeTransactionResult(data, outcome)
}

type ledgerOp struct {
	op             gateway.Operation
	customerID     string
	txType         enums.TransactionType
	amount         decimal.Decimal
	idempotencyKey string
}

// runLedgerOp executes one transact operation and appends the ledger row.
// Terminal outcomes (approved, declined, gateway error) complete the
// idempotency key; an ambiguous transport failure records an unknown row for
// the reconcile worker and leaves the key open.
func (s *Service) runLedgerOp(ctx context.Context, op ledgerOp) ([]byte, error) {
	result, err := s.gateway.Execute(ctx, op.op)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeAmbiguousOutcome) {
			if recErr := s.recordUnknownTransaction(ctx, op); recErr != nil {
				s.logg.Error(ctx, "failed to record ambiguous transaction", recErr)
			}
		}
		return nil, err
	}

	transaction := &models.Transaction{
		CustomerID:           op.customerID,
		GatewayTransactionID: result.TransactionID,
		IdempotencyKey:       op.idempotencyKey,
		Type:                 op.txType,
		Amount:               op.amount,
		ResultCode:           result.ResponseCode,
		ResultText:           result.ResponseText,
		AuthCode:             result.AuthCode,
		Status:               transactionStatus(result.Outcome),
	}
	if err := s.repo.CreateTransaction(ctx, transaction); err != nil {
		return nil, err
	}

	return json.Marshal(&TransactionResult{
		TransactionID:        transaction.ID.String(),
		GatewayTransactionID: transaction.GatewayTransactionID,
		Status:               string(transaction.Status),
		ResultCode:           transaction.ResultCode,
		ResultText:           transaction.ResultText,
		AuthCode:             transaction.AuthCode,
		Amount:               op.amount.StringFixed(2),
	})
}

func (s *Service) recordUnknownTransaction(ctx context.Context, op ledgerOp) error {
	existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, op.idempotencyKey)
	if err != nil || existing != nil {
		return err
	}
	return s.repo.CreateTransaction(ctx, &models.Transaction{
		CustomerID:     op.customerID,
		IdempotencyKey: op.idempotencyKey,
		Type:           op.txType,
		Amount:         op.amount,
		Status:         enums.TransactionStatusUnknown,
	})
}

func transactionStatus(outcome gateway.Outcome) enums.TransactionStatus {
	switch outcome {
	case gateway.OutcomeApproved:
		return enums.TransactionStatusApproved
	case gateway.OutcomeDeclined:
		return enums.TransactionStatusDeclined
	default:
		return enums.TransactionStatusError
	}
}

func decodeTransactionResult(data []byte, outcome idempotency.Outcome) (*TransactionResult, idempotency.Outcome, error) {
	var result TransactionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, outcome, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decoding stored transaction result")
	}
	return &result, outcome, nil
}

// CancelParams describes a subscription cancellation.
type CancelParams struct {
	CustomerID     string `json:"customer_id" validate:"required"`
	IdempotencyKey string `json:"-" validate:"required"`
}

// CancelResult is the stored outcome of a cancellation.
type CancelResult struct {
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
}

// CancelSubscription deletes the customer's subscription at the gateway and
// applies the cancellation locally. Cancelling an already-cancelled
// subscription converges without calling the gateway.
func (s *Service) CancelSubscription(ctx context.Context, params CancelParams) (*CancelResult, idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	data, outcome, err := s.idem.Run(logCtx, "cancel", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		subscription, err := s.repo.FindSubscriptionByCustomer(ctx, params.CustomerID)
		if err != nil {
			return nil, err
		}
		if subscription == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").
				WithDetails(map[string]any{"customer_id": params.CustomerID})
		}
		if subscription.Status == enums.SubscriptionStatusCancelled {
			return json.Marshal(&CancelResult{CustomerID: params.CustomerID, Status: string(subscription.Status)})
		}

		if subscription.GatewaySubscriptionID != nil {
			result, err := s.gateway.Execute(ctx, gateway.SubscriptionCancel{
				SubscriptionID: *subscription.GatewaySubscriptionID,
				IdempotencyKey: params.IdempotencyKey,
			})
			if err != nil {
				return nil, err
			}
			if !result.Approved() {
				return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, "gateway refused subscription cancellation").
					WithDetails(map[string]any{"result_code": result.ResponseCode, "result_text": result.ResponseText})
			}
		}

		var cancelled *models.Subscription
		err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
			applied, _, err := s.ApplySubscriptionEvent(ctx, tx, params.CustomerID, statemachine.SubscriptionCancelled{})
			cancelled = applied
			return err
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(&CancelResult{CustomerID: params.CustomerID, Status: string(cancelled.Status)})
	})
	if err != nil {
		return nil, outcome, err
	}

	var result CancelResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, outcome, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decoding stored cancel result")
	}
	return &result, outcome, nil
}

// UpdateProfileParams describes replacing the stored payment method.
type UpdateProfileParams struct {
	CustomerID     string                 `json:"customer_id" validate:"required"`
	PaymentToken   string                 `json:"payment_token" validate:"required"`
	Billing        gateway.BillingAddress `json:"billing"`
	IdempotencyKey string                 `json:"-" validate:"required"`
}

// UpdateProfile swaps the vaulted payment method for a newly tokenized card.
func (s *Service) UpdateProfile(ctx context.Context, params UpdateProfileParams) (idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	_, outcome, err := s.idem.Run(logCtx, "profile_update", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		profile, err := s.activeProfile(ctx, params.CustomerID)
		if err != nil {
			return nil, err
		}
		result, err := s.gateway.Execute(ctx, gateway.VaultUpdate{
			CustomerID:     profile.VaultID,
			PaymentToken:   params.PaymentToken,
			Billing:        params.Billing,
			IdempotencyKey: params.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		if !result.Approved() {
			return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, "gateway refused payment method update").
				WithDetails(map[string]any{"result_code": result.ResponseCode, "result_text": result.ResponseText})
		}
		return []byte(`{"updated":true}`), nil
	})
	return outcome, err
}

// DeleteProfileParams describes removing the stored payment method.
type DeleteProfileParams struct {
	CustomerID     string
	IdempotencyKey string
}

// DeleteProfile removes the vaulted payment method. A live subscription must
// be cancelled first; deleting the funding source underneath it would strand
// the recurring billing.
func (s *Service) DeleteProfile(ctx context.Context, params DeleteProfileParams) (idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	_, outcome, err := s.idem.Run(logCtx, "profile_delete", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		profile, err := s.repo.FindPaymentProfile(ctx, params.CustomerID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment profile not found").
				WithDetails(map[string]any{"customer_id": params.CustomerID})
		}
		if profile.VaultStatus == enums.VaultStatusDeleted {
			return []byte(`{"deleted":true}`), nil
		}

		subscription, err := s.repo.FindSubscriptionByCustomer(ctx, params.CustomerID)
		if err != nil {
			return nil, err
		}
		if subscription != nil && !subscription.Status.IsTerminal() && subscription.Status != enums.SubscriptionStatusNone {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "subscription must be cancelled before removing the payment profile").
				WithDetails(map[string]any{"subscription_status": subscription.Status})
		}

		result, err := s.gateway.Execute(ctx, gateway.VaultDelete{
			CustomerID:     profile.VaultID,
			IdempotencyKey: params.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		if !result.Approved() {
			return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, "gateway refused vault deletion").
				WithDetails(map[string]any{"result_code": result.ResponseCode, "result_text": result.ResponseText})
		}

		err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
			_, _, err := s.ApplyVaultEvent(ctx, tx, params.CustomerID, statemachine.VaultRemoved{})
			return err
		})
		if err != nil {
			return nil, err
		}
		return []byte(`{"deleted":true}`), nil
	})
	return outcome, err
}

// StatusView is the read model returned to callers polling for state,
// including the resolution of previously ambiguous provisioning.
type StatusView struct {
	CustomerID   string            `json:"customer_id"`
	Vault        VaultView         `json:"vault"`
	Subscription *SubscriptionView `json:"subscription,omitempty"`
	Transactions []TransactionView `json:"transactions"`
}

type VaultView struct {
	Status   string `json:"status"`
	LastFour string `json:"last_four,omitempty"`
	Version  int64  `json:"version"`
}

type SubscriptionView struct {
	Status                string  `json:"status"`
	PlanID                string  `json:"plan_id"`
	GatewaySubscriptionID *string `json:"gateway_subscription_id,omitempty"`
	Version               int64   `json:"version"`
}

type TransactionView struct {
	TransactionID        string `json:"transaction_id"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
	Type                 string `json:"type"`
	Status               string `json:"status"`
	Amount               string `json:"amount"`
	CreatedAt            string `json:"created_at"`
}

// GetStatus returns the customer's current billing state.
func (s *Service) GetStatus(ctx context.Context, customerID string) (*StatusView, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}

	profile, err := s.repo.FindPaymentProfile(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment profile not found").
			WithDetails(map[string]any{"customer_id": customerID})
	}

	view := &StatusView{
		CustomerID: customerID,
		Vault: VaultView{
			Status:   string(profile.VaultStatus),
			LastFour: profile.LastFour,
			Version:  profile.Version,
		},
		Transactions: []TransactionView{},
	}

	subscription, err := s.repo.FindSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if subscription != nil {
		view.Subscription = &SubscriptionView{
			Status:                string(subscription.Status),
			PlanID:                subscription.PlanID,
			GatewaySubscriptionID: subscription.GatewaySubscriptionID,
			Version:               subscription.Version,
		}
	}

	transactions, err := s.repo.ListTransactionsByCustomer(ctx, customerID, 20)
	if err != nil {
		return nil, err
	}
	for _, tx := range transactions {
		view.Transactions = append(view.Transactions, TransactionView{
			TransactionID:        tx.ID.String(),
			GatewayTransactionID: tx.GatewayTransactionID,
			Type:                 string(tx.Type),
			Status:               string(tx.Status),
			Amount:               tx.Amount.StringFixed(2),
			CreatedAt:            tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return view, nil
}

func (s *Service) activeProfile(ctx context.Context, customerID string) (*models.PaymentProfile, error) {
	profile, err := s.repo.FindPaymentProfile(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment profile not found").
			WithDetails(map[string]any{"customer_id": customerID})
	}
	if profile.VaultStatus != enums.VaultStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment profile is not active").
			WithDetails(map[string]any{"vault_status": profile.VaultStatus})
	}
	return profile, nil
}
