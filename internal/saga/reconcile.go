package saga

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// ListStuck returns sagas that have sat non-terminal past the grace window.
func (s *Service) ListStuck(ctx context.Context, limit int, grace time.Duration) ([]models.SagaRecord, error) {
	return s.repo.ListStuck(ctx, limit, grace)
}

// ReconcileRecord drives one stuck saga to a terminal state using the
// gateway's authoritative view. It is called only after the grace window, so
// every webhook redelivery has had its chance first.
func (s *Service) ReconcileRecord(ctx context.Context, record *models.SagaRecord) error {
	logCtx := s.logg.WithSagaID(s.logg.WithCustomerID(ctx, record.CustomerID), record.ID.String())

	switch record.Status {
	case enums.SagaStatusCompensationPending:
		return s.retryCompensation(logCtx, record)
	case enums.SagaStatusPending:
		return s.resolveAmbiguous(logCtx, record)
	default:
		return nil
	}
}

// retryCompensation re-issues the vault delete with its original derived key.
func (s *Service) retryCompensation(ctx context.Context, record *models.SagaRecord) error {
	disposition, err := s.runCompensation(ctx, record)
	if err != nil {
		return err
	}
	if disposition != compensationDone {
		// Still failing well past the grace window; surface it downstream
		// rather than waiting silently for the next pass.
		return s.outbox.Emit(ctx, nil, enums.EventCompensationStuck, record.CustomerID, map[string]any{
			"saga_id":     record.ID.String(),
			"customer_id": record.CustomerID,
		})
	}
	return s.patchOutcomeCompensation(ctx, record, compensationDone)
}

func (s *Service) patchOutcomeCompensation(ctx context.Context, record *models.SagaRecord, disposition string) error {
	if len(record.Outcome) == 0 {
		return nil
	}
	var outcome ProvisionResult
	if err := json.Unmarshal(record.Outcome, &outcome); err != nil {
		return err
	}
	outcome.Compensation = disposition
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.storeOutcome(ctx, tx, record, &outcome)
	})
}

// resolveAmbiguous queries the gateway for what actually happened and replays
// the answer through the same transitions the synchronous path uses.
func (s *Service) resolveAmbiguous(ctx context.Context, record *models.SagaRecord) error {
	state, err := s.gateway.Query(ctx, gateway.QueryParams{CustomerID: record.CustomerID})
	if err != nil {
		return err
	}

	switch {
	case state.Subscription != nil && state.Subscription.SubscriptionID != "":
		return s.replayProvisioned(ctx, record, state)
	case state.Vault != nil && state.Vault.VaultID != "":
		// The vault landed but enrollment never did. Finishing step two here
		// is safe: the derived key collapses any half-landed attempt.
		if err := s.confirmVault(ctx, record, state.Vault); err != nil {
			return err
		}
		_, err := s.runSubscriptionCreate(ctx, record, time.Time{})
		return err
	default:
		// Nothing materialized at the gateway. The original request never
		// landed and its payment token is long dead, so fail the saga.
		_, err := s.failSaga(ctx, record, StepVaultCreate, &gateway.Result{
			Outcome:      gateway.OutcomeError,
			ResponseText: "vault never materialized at gateway",
		}, "")
		return err
	}
}

func (s *Service) confirmVault(ctx context.Context, record *models.SagaRecord, vault *gateway.VaultRecord) error {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.billing.ApplyVaultEvent(ctx, tx, record.CustomerID, statemachine.VaultConfirmed{
			VaultID:  vault.VaultID,
			LastFour: vault.LastFour,
		}); err != nil {
			return err
		}
		return s.setStepStatus(ctx, tx, record, StepVaultCreate, enums.SagaStepDone)
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return err
	}
	return nil
}

func (s *Service) replayProvisioned(ctx context.Context, record *models.SagaRecord, state *gateway.QueryResult) error {
	if state.Vault != nil {
		if err := s.confirmVault(ctx, record, state.Vault); err != nil {
			return err
		}
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billing.Repo().WithTx(tx)
		subscription, err := repo.FindSubscriptionByCustomer(ctx, record.CustomerID)
		if err != nil {
			return err
		}
		if subscription == nil {
			if err := repo.CreateSubscription(ctx, &models.Subscription{
				CustomerID: record.CustomerID,
				PlanID:     record.PlanID,
				Status:     enums.SubscriptionStatusNone,
			}); err != nil {
				return err
			}
		}
		if _, _, err := s.billing.ApplySubscriptionEvent(ctx, tx, record.CustomerID, statemachine.SubscriptionActivated{
			SubscriptionID: state.Subscription.SubscriptionID,
		}); err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
			return err
		}
		if err := s.setStepStatus(ctx, tx, record, StepSubscriptionCreate, enums.SagaStepDone); err != nil {
			return err
		}
		record.Status = enums.SagaStatusDone
		id := state.Subscription.SubscriptionID
		record.GatewaySubscriptionID = &id
		vaultID := record.CustomerID
		if state.Vault != nil && state.Vault.VaultID != "" {
			vaultID = state.Vault.VaultID
		}
		return s.storeOutcome(ctx, tx, record, &ProvisionResult{
			SagaID:         record.ID.String(),
			Status:         statusProvisioned,
			VaultID:        vaultID,
			SubscriptionID: state.Subscription.SubscriptionID,
		})
	})
}
