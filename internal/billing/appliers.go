package billing

import (
	"context"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// ApplyVaultEvent runs one vault transition against the payment profile's
// current row. Every channel that moves a profile (saga steps, admitted
// webhooks, reconciliation) funnels through here so the transition rules and
// the version compare-and-swap apply identically.
//
// A missing profile is created on VaultRequested; any other event against a
// missing profile is a not-found error.
func (s *Service) ApplyVaultEvent(ctx context.Context, tx *gorm.DB, customerID string, event statemachine.VaultEvent) (*models.PaymentProfile, statemachine.Decision, error) {
	repo := s.repo.WithTx(tx)

	profile, err := repo.FindPaymentProfile(ctx, customerID)
	if err != nil {
		return nil, statemachine.DecisionReject, err
	}
	if profile == nil {
		if _, ok := event.(statemachine.VaultRequested); !ok {
			return nil, statemachine.DecisionReject, pkgerrors.New(pkgerrors.CodeNotFound, "payment profile not found").
				WithDetails(map[string]any{"customer_id": customerID})
		}
		profile = &models.PaymentProfile{
			CustomerID:  customerID,
			VaultStatus: enums.VaultStatusAbsent,
		}
		if err := repo.CreatePaymentProfile(ctx, profile); err != nil {
			return nil, statemachine.DecisionReject, err
		}
	}

	next, decision := statemachine.NextVault(profile.VaultStatus, event)
	if decision != statemachine.DecisionApply {
		return profile, decision, nil
	}

	expected := profile.Version
	profile.VaultStatus = next
	switch ev := event.(type) {
	case statemachine.VaultConfirmed:
		if ev.VaultID != "" {
			profile.VaultID = ev.VaultID
		}
		if ev.LastFour != "" {
			profile.LastFour = ev.LastFour
		}
	}
	if err := repo.UpdatePaymentProfileCAS(ctx, profile, expected); err != nil {
		return nil, statemachine.DecisionReject, err
	}
	return profile, statemachine.DecisionApply, nil
}

// ApplySubscriptionEvent runs one subscription transition. The subscription
// row must already exist; the provisioning saga creates it before dispatching
// the first event. The owning profile's vault status gates activation.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, tx *gorm.DB, customerID string, event statemachine.SubscriptionEvent) (*models.Subscription, statemachine.Decision, error) {
	repo := s.repo.WithTx(tx)

	subscription, err := repo.FindSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return nil, statemachine.DecisionReject, err
	}
	if subscription == nil {
		return nil, statemachine.DecisionReject, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").
			WithDetails(map[string]any{"customer_id": customerID})
	}

	vaultStatus := enums.VaultStatusAbsent
	profile, err := repo.FindPaymentProfile(ctx, customerID)
	if err != nil {
		return nil, statemachine.DecisionReject, err
	}
	if profile != nil {
		vaultStatus = profile.VaultStatus
	}

	next, decision := statemachine.NextSubscription(subscription.Status, vaultStatus, event)
	if decision != statemachine.DecisionApply {
		return subscription, decision, nil
	}

	expected := subscription.Version
	subscription.Status = next
	switch ev := event.(type) {
	case statemachine.SubscriptionActivated:
		if ev.SubscriptionID != "" {
			id := ev.SubscriptionID
			subscription.GatewaySubscriptionID = &id
		}
	}
	if err := repo.UpdateSubscriptionCAS(ctx, subscription, expected); err != nil {
		return nil, statemachine.DecisionReject, err
	}
	return subscription, statemachine.DecisionApply, nil
}
