// Package saga drives customer provisioning: vault the payment method, then
// enroll the subscription, with vault deletion as the compensating action
// when enrollment is refused. Each step carries a key derived from the saga
// id, so a step that may have landed can be re-issued without double effect.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
)

const (
	StepVaultCreate        = "vault_create"
	StepSubscriptionCreate = "subscription_create"
	stepVaultDelete        = "vault_delete"

	statusProvisioned = "provisioned"
	statusFailed      = "failed"

	compensationDone    = "compensated"
	compensationPending = "pending"
)

// stepKey derives the gateway idempotency key for one saga step. Re-issuing
// a step after an ambiguous outcome reuses the key, so the gateway collapses
// the duplicate.
func stepKey(record *models.SagaRecord, step string) string {
	return fmt.Sprintf("%s:%s", record.ID, step)
}

// ServiceParams groups dependencies for the provisioning saga.
type ServiceParams struct {
	Repo        Repository
	Billing     *billing.Service
	Gateway     billing.GatewayClient
	DB          billing.Transactor
	Idempotency *idempotency.Store
	Outbox      *outbox.Service
	Logger      *logger.Logger
}

// Service runs provisioning sagas.
type Service struct {
	repo    Repository
	billing *billing.Service
	gateway billing.GatewayClient
	db      billing.Transactor
	idem    *idempotency.Store
	outbox  *outbox.Service
	logg    *logger.Logger
}

// NewService builds the saga service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Billing == nil {
		return nil, errors.New("billing service is required")
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
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		repo:    params.Repo,
		billing: params.Billing,
		gateway: params.Gateway,
		db:      params.DB,
		idem:    params.Idempotency,
		outbox:  params.Outbox,
		logg:    params.Logger,
	}, nil
}

// ProvisionParams describes one provisioning request.
type ProvisionParams struct {
	CustomerID     string                 `json:"customer_id" validate:"required"`
	PlanID         string                 `json:"plan_id" validate:"required"`
	PaymentToken   string                 `json:"payment_token" validate:"required"`
	Billing        gateway.BillingAddress `json:"billing"`
	StartDate      time.Time              `json:"start_date"`
	IdempotencyKey string                 `json:"-" validate:"required"`
}

// ProvisionResult is the caller-visible saga outcome, stored on the record
// and replayed for retries of the same idempotency key.
type ProvisionResult struct {
	SagaID         string `json:"saga_id"`
	Status         string `json:"status"`
	FailedStep     string `json:"failed_step,omitempty"`
	VaultID        string `json:"vault_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ResultCode     string `json:"result_code,omitempty"`
	ResultText     string `json:"result_text,omitempty"`
	Compensation   string `json:"compensation,omitempty"`
}

// Provisioned reports whether the saga completed both steps.
func (r *ProvisionResult) Provisioned() bool {
	return r != nil && r.Status == statusProvisioned
}

// Provision runs or resumes the provisioning saga for one idempotency key.
// A retry after a crash or an ambiguous gateway outcome picks up from the
// recorded step state instead of starting over.
func (s *Service) Provision(ctx context.Context, params ProvisionParams) (*ProvisionResult, idempotency.Outcome, error) {
	logCtx := s.logg.WithCustomerID(ctx, params.CustomerID)

	data, outcome, err := s.idem.Run(logCtx, "provision", params.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		return s.execute(ctx, params)
	})
	if err != nil {
		return nil, outcome, err
	}

	var result ProvisionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, outcome, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decoding stored provision result")
	}
	return &result, outcome, nil
}

func (s *Service) execute(ctx context.Context, params ProvisionParams) ([]byte, error) {
	record, err := s.repo.FindByIdempotencyKey(ctx, params.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &models.SagaRecord{
			IdempotencyKey: params.IdempotencyKey,
			CustomerID:     params.CustomerID,
			PlanID:         params.PlanID,
			Status:         enums.SagaStatusPending,
		}
		if err := record.SetStepList([]models.SagaStep{
			{Name: StepVaultCreate, Status: enums.SagaStepPending},
			{Name: StepSubscriptionCreate, Status: enums.SagaStepPending},
		}); err != nil {
			return nil, err
		}
		if err := s.repo.Create(ctx, record); err != nil {
			return nil, err
		}
	} else if record.Status.IsTerminal() && len(record.Outcome) > 0 {
		return record.Outcome, nil
	}

	return s.run(s.logg.WithSagaID(ctx, record.ID.String()), record, params)
}

func (s *Service) run(ctx context.Context, record *models.SagaRecord, params ProvisionParams) ([]byte, error) {
	steps, err := record.StepList()
	if err != nil {
		return nil, err
	}

	if stepStatus(steps, StepVaultCreate) != enums.SagaStepDone {
		done, outcome, err := s.runVaultCreate(ctx, record, params)
		if err != nil {
			return nil, err
		}
		if !done {
			return outcome, nil
		}
	}

	return s.runSubscriptionCreate(ctx, record, params.StartDate)
}

// runVaultCreate executes step one. done=false means the saga reached a
// terminal failure and outcome holds the stored result.
func (s *Service) runVaultCreate(ctx context.Context, record *models.SagaRecord, params ProvisionParams) (bool, []byte, error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, _, err := s.billing.ApplyVaultEvent(ctx, tx, record.CustomerID, statemachine.VaultRequested{})
		return err
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return false, nil, err
	}

	result, err := s.gateway.Execute(ctx, gateway.VaultCreate{
		CustomerID:     record.CustomerID,
		PaymentToken:   params.PaymentToken,
		Billing:        params.Billing,
		IdempotencyKey: stepKey(record, StepVaultCreate),
	})
	if err != nil {
		// Ambiguous and transport failures leave the saga pending; a caller
		// retry resumes it and the reconcile worker is the backstop.
		return false, nil, err
	}

	if !result.Approved() {
		outcome, err := s.failSaga(ctx, record, StepVaultCreate, result, "")
		return false, outcome, err
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.billing.ApplyVaultEvent(ctx, tx, record.CustomerID, statemachine.VaultConfirmed{VaultID: result.VaultID}); err != nil {
			return err
		}
		return s.setStepStatus(ctx, tx, record, StepVaultCreate, enums.SagaStepDone)
	})
	if err != nil {
		return false, nil, err
	}
	s.logg.Info(ctx, "vault step confirmed")
	return true, nil, nil
}

func (s *Service) runSubscriptionCreate(ctx context.Context, record *models.SagaRecord, startDate time.Time) ([]byte, error) {
	profile, err := s.billing.Repo().FindPaymentProfile(ctx, record.CustomerID)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.VaultID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "vault step done but profile missing").
			WithDetails(map[string]any{"customer_id": record.CustomerID})
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billing.Repo().WithTx(tx)
		subscription, err := repo.FindSubscriptionByCustomer(ctx, record.CustomerID)
		if err != nil {
			return err
		}
		if subscription == nil {
			start := startDate
			subscription = &models.Subscription{
				CustomerID: record.CustomerID,
				PlanID:     record.PlanID,
				Status:     enums.SubscriptionStatusNone,
			}
			if !start.IsZero() {
				subscription.StartDate = &start
			}
			if err := repo.CreateSubscription(ctx, subscription); err != nil {
				return err
			}
		}
		_, _, err = s.billing.ApplySubscriptionEvent(ctx, tx, record.CustomerID, statemachine.SubscriptionRequested{})
		return err
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return nil, err
	}

	result, err := s.gateway.Execute(ctx, gateway.SubscriptionCreate{
		CustomerID:     profile.VaultID,
		PlanID:         record.PlanID,
		StartDate:      startDate,
		IdempotencyKey: stepKey(record, StepSubscriptionCreate),
	})
	if err != nil {
		return nil, err
	}

	if !result.Approved() {
		return s.compensate(ctx, record, result)
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.billing.ApplySubscriptionEvent(ctx, tx, record.CustomerID, statemachine.SubscriptionActivated{SubscriptionID: result.SubscriptionID}); err != nil {
			return err
		}
		if err := s.setStepStatus(ctx, tx, record, StepSubscriptionCreate, enums.SagaStepDone); err != nil {
			return err
		}
		record.Status = enums.SagaStatusDone
		if result.SubscriptionID != "" {
			id := result.SubscriptionID
			record.GatewaySubscriptionID = &id
		}
		outcome := &ProvisionResult{
			SagaID:         record.ID.String(),
			Status:         statusProvisioned,
			VaultID:        profile.VaultID,
			SubscriptionID: result.SubscriptionID,
		}
		return s.storeOutcome(ctx, tx, record, outcome)
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "provisioning saga completed")
	return record.Outcome, nil
}

// compensate undoes the vault step after the gateway refused enrollment. A
// failed compensating call parks the saga for the reconcile worker instead of
// leaving a half-provisioned customer unaccounted for.
func (s *Service) compensate(ctx context.Context, record *models.SagaRecord, declined *gateway.Result) ([]byte, error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, _, err := s.billing.ApplySubscriptionEvent(ctx, tx, record.CustomerID, statemachine.SubscriptionFailed{
			Code: declined.ResponseCode,
			Text: declined.ResponseText,
		})
		if err != nil {
			return err
		}
		return s.setStepStatus(ctx, tx, record, StepSubscriptionCreate, enums.SagaStepFailed)
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return nil, err
	}

	compensation, err := s.runCompensation(ctx, record)
	if err != nil {
		return nil, err
	}

	outcome := &ProvisionResult{
		SagaID:       record.ID.String(),
		Status:       statusFailed,
		FailedStep:   StepSubscriptionCreate,
		ResultCode:   declined.ResponseCode,
		ResultText:   declined.ResponseText,
		Compensation: compensation,
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.storeOutcome(ctx, tx, record, outcome)
	})
	if err != nil {
		return nil, err
	}
	return record.Outcome, nil
}

// runCompensation issues the vault delete and settles the saga status. It
// returns the compensation disposition for the caller-visible outcome.
func (s *Service) runCompensation(ctx context.Context, record *models.SagaRecord) (string, error) {
	result, err := s.gateway.Execute(ctx, gateway.VaultDelete{
		CustomerID:     record.CustomerID,
		IdempotencyKey: stepKey(record, stepVaultDelete),
	})
	if err != nil || !result.Approved() {
		if err != nil {
			s.logg.Error(ctx, "compensating vault delete failed", err)
		} else {
			s.logg.Warn(s.logg.WithField(ctx, "result_code", result.ResponseCode), "compensating vault delete refused")
		}
		record.Status = enums.SagaStatusCompensationPending
		if updateErr := s.repo.Update(ctx, record); updateErr != nil {
			return "", updateErr
		}
		return compensationPending, nil
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.billing.ApplyVaultEvent(ctx, tx, record.CustomerID, statemachine.VaultRemoved{}); err != nil {
			return err
		}
		if err := s.setStepStatus(ctx, tx, record, StepVaultCreate, enums.SagaStepCompensated); err != nil {
			return err
		}
		record.Status = enums.SagaStatusCompensated
		if err := s.repo.WithTx(tx).Update(ctx, record); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, enums.EventSagaCompensated, record.CustomerID, map[string]any{
			"saga_id":     record.ID.String(),
			"customer_id": record.CustomerID,
			"plan_id":     record.PlanID,
		})
	})
	if err != nil {
		return "", err
	}
	s.logg.Info(ctx, "saga compensated")
	return compensationDone, nil
}

// failSaga finalizes a terminal decline on the named step.
func (s *Service) failSaga(ctx context.Context, record *models.SagaRecord, step string, result *gateway.Result, compensation string) ([]byte, error) {
	outcome := &ProvisionResult{
		SagaID:       record.ID.String(),
		Status:       statusFailed,
		FailedStep:   step,
		ResultCode:   result.ResponseCode,
		ResultText:   result.ResponseText,
		Compensation: compensation,
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if step == StepVaultCreate {
			if _, _, err := s.billing.ApplyVaultEvent(ctx, tx, record.CustomerID, statemachine.VaultRejected{
				Code: result.ResponseCode,
				Text: result.ResponseText,
			}); err != nil {
				return err
			}
		}
		if err := s.setStepStatus(ctx, tx, record, step, enums.SagaStepFailed); err != nil {
			return err
		}
		return s.storeOutcome(ctx, tx, record, outcome)
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "failed_step", step), "provisioning saga failed")
	return record.Outcome, nil
}

func (s *Service) storeOutcome(ctx context.Context, tx *gorm.DB, record *models.SagaRecord, outcome *ProvisionResult) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	record.Outcome = encoded
	if record.Status == enums.SagaStatusPending {
		record.Status = enums.SagaStatusFailed
	}
	return s.repo.WithTx(tx).Update(ctx, record)
}

func (s *Service) setStepStatus(ctx context.Context, tx *gorm.DB, record *models.SagaRecord, name string, status enums.SagaStepStatus) error {
	steps, err := record.StepList()
	if err != nil {
		return err
	}
	for i := range steps {
		if steps[i].Name == name {
			steps[i].Status = status
		}
	}
	if err := record.SetStepList(steps); err != nil {
		return err
	}
	return s.repo.WithTx(tx).Update(ctx, record)
}

func stepStatus(steps []models.SagaStep, name string) enums.SagaStepStatus {
	for _, step := range steps {
		if step.Name == name {
			return step.Status
		}
	}
	return enums.SagaStepPending
}
