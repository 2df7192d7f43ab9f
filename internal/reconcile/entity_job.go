package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/cron"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type transitions interface {
	ApplyVaultEvent(ctx context.Context, tx *gorm.DB, customerID string, event statemachine.VaultEvent) (*models.PaymentProfile, statemachine.Decision, error)
	ApplySubscriptionEvent(ctx context.Context, tx *gorm.DB, customerID string, event statemachine.SubscriptionEvent) (*models.Subscription, statemachine.Decision, error)
}

type entityLister interface {
	ListPaymentProfilesForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.PaymentProfile, error)
	ListSubscriptionsForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.Subscription, error)
}

type gatewayQuerier interface {
	Query(ctx context.Context, params gateway.QueryParams) (*gateway.QueryResult, error)
}

// EntityJobParams configure the pending-entity sweep.
type EntityJobParams struct {
	Logger      *logger.Logger
	Repo        entityLister
	Transitions transitions
	Gateway     gatewayQuerier
	DB          billing.Transactor
	Limit       int
	Grace       time.Duration
}

// NewEntityJob builds the job that resolves payment profiles and subscriptions
// still pending after the grace window. Entities covered by a stuck saga are
// normally settled by the saga sweep first; this job catches the rest, such as
// rows whose confirming webhook was lost for the full redelivery horizon.
func NewEntityJob(params EntityJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Transitions == nil {
		return nil, fmt.Errorf("transition appliers required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db transactor required")
	}
	return &entityJob{
		logg:        params.Logger,
		repo:        params.Repo,
		transitions: params.Transitions,
		gateway:     params.Gateway,
		db:          params.DB,
		limit:       params.Limit,
		grace:       params.Grace,
	}, nil
}

type entityJob struct {
	logg        *logger.Logger
	repo        entityLister
	transitions transitions
	gateway     gatewayQuerier
	db          billing.Transactor
	limit       int
	grace       time.Duration
}

func (j *entityJob) Name() string { return "entity-reconcile" }

// Run sweeps profiles before subscriptions: an activation replay is gated on
// the vault being active, so the vault answer must land first.
func (j *entityJob) Run(ctx context.Context) error {
	var errs error
	if err := j.sweepProfiles(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := j.sweepSubscriptions(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (j *entityJob) sweepProfiles(ctx context.Context) error {
	profiles, err := j.repo.ListPaymentProfilesForReconciliation(ctx, j.limit, j.grace)
	if err != nil {
		return fmt.Errorf("list pending profiles: %w", err)
	}

	var errs error
	for i := range profiles {
		if err := j.reconcileProfile(ctx, &profiles[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("profile %s: %w", profiles[i].CustomerID, err))
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "candidates", len(profiles)), "profile reconcile sweep complete")
	return errs
}

func (j *entityJob) reconcileProfile(ctx context.Context, profile *models.PaymentProfile) error {
	logCtx := j.logg.WithCustomerID(ctx, profile.CustomerID)

	state, err := j.gateway.Query(logCtx, gateway.QueryParams{CustomerID: profile.CustomerID})
	if err != nil {
		return err
	}

	var event statemachine.VaultEvent
	if state.Vault != nil && state.Vault.VaultID != "" {
		event = statemachine.VaultConfirmed{VaultID: state.Vault.VaultID, LastFour: state.Vault.LastFour}
	} else {
		// Still nothing at the gateway past the grace window: the create never
		// landed and will not land now.
		event = statemachine.VaultRejected{Text: "vault never materialized at gateway"}
	}

	return j.applyVault(logCtx, profile.CustomerID, event)
}

func (j *entityJob) applyVault(ctx context.Context, customerID string, event statemachine.VaultEvent) error {
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, _, err := j.transitions.ApplyVaultEvent(ctx, tx, customerID, event)
		return err
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return err
	}
	return nil
}

func (j *entityJob) sweepSubscriptions(ctx context.Context) error {
	subscriptions, err := j.repo.ListSubscriptionsForReconciliation(ctx, j.limit, j.grace)
	if err != nil {
		return fmt.Errorf("list pending subscriptions: %w", err)
	}

	var errs error
	for i := range subscriptions {
		if err := j.reconcileSubscription(ctx, &subscriptions[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", subscriptions[i].CustomerID, err))
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "candidates", len(subscriptions)), "subscription reconcile sweep complete")
	return errs
}

func (j *entityJob) reconcileSubscription(ctx context.Context, subscription *models.Subscription) error {
	logCtx := j.logg.WithCustomerID(ctx, subscription.CustomerID)

	params := gateway.QueryParams{CustomerID: subscription.CustomerID}
	if subscription.GatewaySubscriptionID != nil {
		params = gateway.QueryParams{SubscriptionID: *subscription.GatewaySubscriptionID}
	}
	state, err := j.gateway.Query(logCtx, params)
	if err != nil {
		return err
	}

	if state.Subscription == nil || state.Subscription.SubscriptionID == "" {
		return j.applySubscription(logCtx, subscription.CustomerID,
			statemachine.SubscriptionFailed{Text: "subscription never materialized at gateway"})
	}

	events := []statemachine.SubscriptionEvent{
		statemachine.SubscriptionActivated{SubscriptionID: state.Subscription.SubscriptionID},
	}
	switch state.Subscription.State {
	case "paused":
		events = append(events, statemachine.SubscriptionPaused{})
	case "canceled", "cancelled":
		events = append(events, statemachine.SubscriptionCancelled{})
	}
	for _, event := range events {
		if err := j.applySubscription(logCtx, subscription.CustomerID, event); err != nil {
			return err
		}
	}
	return nil
}

func (j *entityJob) applySubscription(ctx context.Context, customerID string, event statemachine.SubscriptionEvent) error {
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, _, err := j.transitions.ApplySubscriptionEvent(ctx, tx, customerID, event)
		return err
	})
	if err != nil && !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		return err
	}
	return nil
}
