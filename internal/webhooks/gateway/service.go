// Package gatewaywebhook ingests the gateway's asynchronous event stream.
// Deliveries are at-least-once with a 24 hour redelivery horizon and no
// ordering guarantee, so every event passes the deduplicator and the shared
// transition appliers before it can touch state.
package gatewaywebhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/dedup"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/metrics"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
)

// Disposition is the acknowledgement category for one delivery.
type Disposition string

const (
	// DispositionApplied: the event moved state.
	DispositionApplied Disposition = "applied"
	// DispositionDuplicate: the event key was already processed.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionSuperseded: first sighting, but local state already moved
	// past it.
	DispositionSuperseded Disposition = "superseded"
	// DispositionAccepted: the delivery was acknowledged and recorded but not
	// applied, either unparsable or inapplicable to current state.
	DispositionAccepted Disposition = "accepted"
)

// ProcessResult is what the controller turns into the HTTP acknowledgement.
type ProcessResult struct {
	EventKey    string
	EventType   string
	Disposition Disposition
}

// ServiceParams groups dependencies for the webhook service.
type ServiceParams struct {
	Billing *billing.Service
	Dedup   *dedup.Deduplicator
	Outbox  *outbox.Service
	DB      billing.Transactor
	Metrics *metrics.WebhookMetrics
	Logger  *logger.Logger
}

// Service processes verified webhook deliveries.
type Service struct {
	billing *billing.Service
	dedup   *dedup.Deduplicator
	outbox  *outbox.Service
	db      billing.Transactor
	metrics *metrics.WebhookMetrics
	logg    *logger.Logger
}

// NewService builds the webhook service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Billing == nil {
		return nil, errors.New("billing service is required")
	}
	if params.Dedup == nil {
		return nil, errors.New("deduplicator is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	if params.DB == nil {
		return nil, errors.New("db transactor is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		billing: params.Billing,
		dedup:   params.Dedup,
		outbox:  params.Outbox,
		db:      params.DB,
		metrics: params.Metrics,
		logg:    params.Logger,
	}, nil
}

// Process handles one verified delivery. The returned error is reserved for
// infrastructure faults the gateway should redeliver on; everything else is
// acknowledged with a disposition.
func (s *Service) Process(ctx context.Context, raw []byte) (*ProcessResult, error) {
	envelope, parseErr := ParseEnvelope(raw)
	key := EventKey(envelope, raw)
	logCtx := s.logg.WithEventKey(ctx, key)

	if parseErr != nil {
		return s.acceptBroken(logCtx, key, "unparsable", parseErr)
	}
	logCtx = s.logg.WithField(logCtx, "event_type", envelope.EventType)

	var result *ProcessResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		currentVersion, err := s.currentVersion(logCtx, tx, envelope)
		if err != nil {
			return err
		}

		admission, err := s.dedup.Admit(logCtx, tx, key, envelope.EventType, envelope.Body.EntityVersion, currentVersion)
		if err != nil {
			return err
		}
		switch admission {
		case dedup.Duplicate:
			result = &ProcessResult{EventKey: key, EventType: envelope.EventType, Disposition: DispositionDuplicate}
			return nil
		case dedup.Superseded:
			result = &ProcessResult{EventKey: key, EventType: envelope.EventType, Disposition: DispositionSuperseded}
			return nil
		}

		appliedVersion, applyErr := s.apply(logCtx, tx, key, envelope)
		if applyErr != nil {
			if !recordable(applyErr) {
				return applyErr
			}
			// Signed and well-formed but inapplicable. Record why and
			// acknowledge; redelivering the same payload cannot succeed.
			if err := s.dedup.RecordError(logCtx, tx, key, applyErr); err != nil {
				return err
			}
			s.logg.Warn(s.logg.WithField(logCtx, "apply_error", applyErr.Error()), "webhook event recorded without applying")
			result = &ProcessResult{EventKey: key, EventType: envelope.EventType, Disposition: DispositionAccepted}
			return nil
		}

		if err := s.dedup.RecordApplied(logCtx, tx, key, appliedVersion); err != nil {
			return err
		}
		result = &ProcessResult{EventKey: key, EventType: envelope.EventType, Disposition: DispositionApplied}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.count(result)
	return result, nil
}

func (s *Service) acceptBroken(ctx context.Context, key, eventType string, cause error) (*ProcessResult, error) {
	var result *ProcessResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		admission, err := s.dedup.Admit(ctx, tx, key, eventType, 0, 0)
		if err != nil {
			return err
		}
		if admission == dedup.Duplicate {
			result = &ProcessResult{EventKey: key, EventType: eventType, Disposition: DispositionDuplicate}
			return nil
		}
		if err := s.dedup.RecordError(ctx, tx, key, cause); err != nil {
			return err
		}
		result = &ProcessResult{EventKey: key, EventType: eventType, Disposition: DispositionAccepted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncOutcome(eventType, metrics.WebhookOutcomeUnparsable)
	return result, nil
}

func (s *Service) count(result *ProcessResult) {
	switch result.Disposition {
	case DispositionApplied:
		s.metrics.IncOutcome(result.EventType, metrics.WebhookOutcomeAdmitted)
	case DispositionDuplicate:
		s.metrics.IncOutcome(result.EventType, metrics.WebhookOutcomeDuplicate)
	case DispositionSuperseded:
		s.metrics.IncOutcome(result.EventType, metrics.WebhookOutcomeSuperseded)
	default:
		s.metrics.IncOutcome(result.EventType, metrics.WebhookOutcomeRejected)
	}
}

// currentVersion reads the entity version an event's ordering hint competes
// against, inside the same transaction that will apply it.
func (s *Service) currentVersion(ctx context.Context, tx *gorm.DB, envelope *Envelope) (int64, error) {
	switch envelope.EventType {
	case EventSubscriptionAdd, EventSubscriptionUpdate, EventSubscriptionDelete:
		repo := s.billing.Repo().WithTx(tx)
		if envelope.Body.SubscriptionID != "" {
			subscription, err := repo.FindSubscriptionByGatewayID(ctx, envelope.Body.SubscriptionID)
			if err != nil {
				return 0, err
			}
			if subscription != nil {
				return subscription.Version, nil
			}
		}
		if envelope.Body.CustomerVaultID != "" {
			subscription, err := repo.FindSubscriptionByCustomer(ctx, envelope.Body.CustomerVaultID)
			if err != nil {
				return 0, err
			}
			if subscription != nil {
				return subscription.Version, nil
			}
		}
		return 0, nil
	default:
		return 0, nil
	}
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, key string, envelope *Envelope) (int64, error) {
	body := envelope.Body

	switch envelope.EventType {
	case EventSubscriptionAdd:
		return s.applySubscriptionAdd(ctx, tx, body)
	case EventSubscriptionUpdate:
		return s.applySubscriptionUpdate(ctx, tx, body)
	case EventSubscriptionDelete:
		return s.applySubscriptionEvent(ctx, tx, body.CustomerVaultID, statemachine.SubscriptionCancelled{})
	case EventSaleSuccess:
		return 0, s.resolveSale(ctx, tx, body, enums.TransactionStatusApproved)
	case EventSaleFailure:
		return 0, s.resolveSale(ctx, tx, body, enums.TransactionStatusDeclined)
	case EventPaymentSuccess:
		return 0, s.recordRecurringPayment(ctx, tx, key, body, enums.TransactionStatusApproved)
	case EventPaymentFailure:
		return 0, s.recordRecurringPayment(ctx, tx, key, body, enums.TransactionStatusDeclined)
	case EventSettlementComplete:
		return 0, s.applySettlement(ctx, tx, body)
	case EventChargebackReceived:
		return 0, s.applyChargeback(ctx, tx, body)
	default:
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "unrecognized event type").
			WithDetails(map[string]any{"event_type": envelope.EventType})
	}
}

// applySubscriptionAdd confirms enrollment. The vault confirmation rides
// along: an enrollment notice implies the vault is live, and whichever
// channel said so first wins.
func (s *Service) applySubscriptionAdd(ctx context.Context, tx *gorm.DB, body EventBody) (int64, error) {
	customerID := body.CustomerVaultID
	if customerID == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "event missing customer_vault_id")
	}
	if _, _, err := s.billing.ApplyVaultEvent(ctx, tx, customerID, statemachine.VaultConfirmed{VaultID: customerID}); err != nil {
		return 0, err
	}
	return s.applySubscriptionEvent(ctx, tx, customerID, statemachine.SubscriptionActivated{SubscriptionID: body.SubscriptionID})
}

func (s *Service) applySubscriptionUpdate(ctx context.Context, tx *gorm.DB, body EventBody) (int64, error) {
	var event statemachine.SubscriptionEvent
	switch strings.ToLower(strings.TrimSpace(body.State)) {
	case "paused":
		event = statemachine.SubscriptionPaused{}
	case "active":
		event = statemachine.SubscriptionResumed{}
	case "cancelled", "canceled":
		event = statemachine.SubscriptionCancelled{}
	case "failed":
		event = statemachine.SubscriptionFailed{Code: body.ResponseCode, Text: body.ResponseText}
	default:
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "unrecognized subscription state").
			WithDetails(map[string]any{"state": body.State})
	}
	return s.applySubscriptionEvent(ctx, tx, body.CustomerVaultID, event)
}

func (s *Service) applySubscriptionEvent(ctx context.Context, tx *gorm.DB, customerID string, event statemachine.SubscriptionEvent) (int64, error) {
	if customerID == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "event missing customer_vault_id")
	}
	subscription, decision, err := s.billing.ApplySubscriptionEvent(ctx, tx, customerID, event)
	if err != nil {
		return 0, err
	}
	if decision == statemachine.DecisionReject {
		return 0, pkgerrors.New(pkgerrors.CodeStateConflict, "event does not apply to current subscription state").
			WithDetails(map[string]any{"status": subscription.Status})
	}
	return subscription.Version, nil
}

// resolveSale settles the open ledger row the sale notice refers to. When no
// row exists, the charge happened outside this service's ledger window and a
// fresh row is appended so the books still balance.
func (s *Service) resolveSale(ctx context.Context, tx *gorm.DB, body EventBody, status enums.TransactionStatus) error {
	repo := s.billing.Repo().WithTx(tx)
	updated, err := repo.ResolveTransaction(ctx, body.OrderID, body.TransactionID, status, body.ResponseCode, body.ResponseText)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	if body.TransactionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "sale event matches no ledger row and carries no transaction_id")
	}
	idempotencyKey := body.OrderID
	if idempotencyKey == "" {
		idempotencyKey = "evt:" + body.TransactionID
	}
	return repo.CreateTransaction(ctx, &models.Transaction{
		CustomerID:           body.CustomerVaultID,
		GatewayTransactionID: body.TransactionID,
		IdempotencyKey:       idempotencyKey,
		Type:                 enums.TransactionTypeSale,
		Amount:               body.Amount,
		ResultCode:           body.ResponseCode,
		ResultText:           body.ResponseText,
		Status:               status,
	})
}

// recordRecurringPayment appends the gateway-initiated billing cycle charge.
func (s *Service) recordRecurringPayment(ctx context.Context, tx *gorm.DB, key string, body EventBody, status enums.TransactionStatus) error {
	if body.CustomerVaultID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event missing customer_vault_id")
	}
	repo := s.billing.Repo().WithTx(tx)
	subscription, err := repo.FindSubscriptionByGatewayID(ctx, body.SubscriptionID)
	if err != nil {
		return err
	}
	transaction := &models.Transaction{
		CustomerID:           body.CustomerVaultID,
		GatewayTransactionID: body.TransactionID,
		IdempotencyKey:       "evt:" + key,
		Type:                 enums.TransactionTypeSale,
		Amount:               body.Amount,
		ResultCode:           body.ResponseCode,
		ResultText:           body.ResponseText,
		Status:               status,
	}
	if subscription != nil {
		transaction.SubscriptionID = &subscription.ID
	}
	return repo.CreateTransaction(ctx, transaction)
}

// applySettlement finalizes every referenced row and emits the bookkeeping
// notice. Rows already terminal are left alone; the batch notice is not an
// ordering signal.
func (s *Service) applySettlement(ctx context.Context, tx *gorm.DB, body EventBody) error {
	ids := body.TransactionIDs
	if len(ids) == 0 && body.TransactionID != "" {
		ids = []string{body.TransactionID}
	}
	if len(ids) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "settlement event carries no transaction ids")
	}

	repo := s.billing.Repo().WithTx(tx)
	now := time.Now().UTC()
	settled := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := repo.FinalizeTransaction(ctx, id, enums.TransactionStatusSettled, &now); err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
				continue
			}
			return err
		}
		settled = append(settled, id)
	}

	return s.outbox.Emit(ctx, tx, enums.EventSettlementRecorded, body.CustomerVaultID, map[string]any{
		"transaction_ids": settled,
		"settled_at":      now.Format(time.RFC3339),
	})
}

// applyChargeback is pure bookkeeping: downstream finance systems consume it,
// no provisioning state moves.
func (s *Service) applyChargeback(ctx context.Context, tx *gorm.DB, body EventBody) error {
	if body.TransactionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "chargeback event missing transaction_id")
	}
	return s.outbox.Emit(ctx, tx, enums.EventChargebackRecorded, body.CustomerVaultID, map[string]any{
		"transaction_id": body.TransactionID,
		"amount":         body.Amount.StringFixed(2),
		"reason":         body.Reason,
	})
}

// recordable reports whether an apply failure should be recorded and
// acknowledged rather than redelivered.
func recordable(err error) bool {
	return pkgerrors.HasCode(err, pkgerrors.CodeValidation) ||
		pkgerrors.HasCode(err, pkgerrors.CodeNotFound) ||
		pkgerrors.HasCode(err, pkgerrors.CodeStateConflict)
}
