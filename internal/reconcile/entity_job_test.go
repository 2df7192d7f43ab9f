package reconcile

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

type noopTransactor struct{}

func (noopTransactor) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeLister struct {
	profiles      []models.PaymentProfile
	subscriptions []models.Subscription
}

func (f *fakeLister) ListPaymentProfilesForReconciliation(context.Context, int, time.Duration) ([]models.PaymentProfile, error) {
	return f.profiles, nil
}

func (f *fakeLister) ListSubscriptionsForReconciliation(context.Context, int, time.Duration) ([]models.Subscription, error) {
	return f.subscriptions, nil
}

type capturedTransitions struct {
	vaultEvents        map[string][]statemachine.VaultEvent
	subscriptionEvents map[string][]statemachine.SubscriptionEvent
}

func newCapturedTransitions() *capturedTransitions {
	return &capturedTransitions{
		vaultEvents:        map[string][]statemachine.VaultEvent{},
		subscriptionEvents: map[string][]statemachine.SubscriptionEvent{},
	}
}

func (c *capturedTransitions) ApplyVaultEvent(_ context.Context, _ *gorm.DB, customerID string, event statemachine.VaultEvent) (*models.PaymentProfile, statemachine.Decision, error) {
	c.vaultEvents[customerID] = append(c.vaultEvents[customerID], event)
	return &models.PaymentProfile{CustomerID: customerID}, statemachine.DecisionApply, nil
}

func (c *capturedTransitions) ApplySubscriptionEvent(_ context.Context, _ *gorm.DB, customerID string, event statemachine.SubscriptionEvent) (*models.Subscription, statemachine.Decision, error) {
	c.subscriptionEvents[customerID] = append(c.subscriptionEvents[customerID], event)
	return &models.Subscription{CustomerID: customerID}, statemachine.DecisionApply, nil
}

type scriptedQuerier struct {
	results map[string]*gateway.QueryResult
}

func (s *scriptedQuerier) Query(_ context.Context, params gateway.QueryParams) (*gateway.QueryResult, error) {
	key := params.CustomerID
	if key == "" {
		key = params.SubscriptionID
	}
	if result, ok := s.results[key]; ok {
		return result, nil
	}
	return &gateway.QueryResult{}, nil
}

func entityHarness(t *testing.T, lister *fakeLister, querier *scriptedQuerier) (*capturedTransitions, func() error) {
	t.Helper()
	captured := newCapturedTransitions()
	job, err := NewEntityJob(EntityJobParams{
		Logger:      testLogger(),
		Repo:        lister,
		Transitions: captured,
		Gateway:     querier,
		DB:          noopTransactor{},
		Limit:       50,
		Grace:       25 * time.Hour,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	return captured, func() error { return job.Run(context.Background()) }
}

func TestEntityJob_ConfirmsVaultFoundAtGateway(t *testing.T) {
	lister := &fakeLister{profiles: []models.PaymentProfile{
		{CustomerID: "cust-1", VaultStatus: enums.VaultStatusPending},
	}}
	querier := &scriptedQuerier{results: map[string]*gateway.QueryResult{
		"cust-1": {Vault: &gateway.VaultRecord{VaultID: "cust-1", LastFour: "4242"}},
	}}
	captured, run := entityHarness(t, lister, querier)
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := captured.vaultEvents["cust-1"]
	if len(events) != 1 {
		t.Fatalf("vault events %v", events)
	}
	confirmed, ok := events[0].(statemachine.VaultConfirmed)
	if !ok || confirmed.VaultID != "cust-1" || confirmed.LastFour != "4242" {
		t.Fatalf("event %+v", events[0])
	}
}

func TestEntityJob_RejectsVaultAbsentAtGateway(t *testing.T) {
	lister := &fakeLister{profiles: []models.PaymentProfile{
		{CustomerID: "cust-2", VaultStatus: enums.VaultStatusPending},
	}}
	captured, run := entityHarness(t, lister, &scriptedQuerier{})
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := captured.vaultEvents["cust-2"]
	if len(events) != 1 {
		t.Fatalf("vault events %v", events)
	}
	if _, ok := events[0].(statemachine.VaultRejected); !ok {
		t.Fatalf("event %+v", events[0])
	}
}

func TestEntityJob_ActivatesSubscriptionFoundAtGateway(t *testing.T) {
	lister := &fakeLister{subscriptions: []models.Subscription{
		{CustomerID: "cust-3", Status: enums.SubscriptionStatusPending},
	}}
	querier := &scriptedQuerier{results: map[string]*gateway.QueryResult{
		"cust-3": {Subscription: &gateway.SubscriptionRecord{SubscriptionID: "gw-sub-1", State: "active"}},
	}}
	captured, run := entityHarness(t, lister, querier)
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := captured.subscriptionEvents["cust-3"]
	if len(events) != 1 {
		t.Fatalf("subscription events %v", events)
	}
	activated, ok := events[0].(statemachine.SubscriptionActivated)
	if !ok || activated.SubscriptionID != "gw-sub-1" {
		t.Fatalf("event %+v", events[0])
	}
}

func TestEntityJob_ReplaysCancelledSubscriptionState(t *testing.T) {
	lister := &fakeLister{subscriptions: []models.Subscription{
		{CustomerID: "cust-4", Status: enums.SubscriptionStatusPending},
	}}
	querier := &scriptedQuerier{results: map[string]*gateway.QueryResult{
		"cust-4": {Subscription: &gateway.SubscriptionRecord{SubscriptionID: "gw-sub-2", State: "canceled"}},
	}}
	captured, run := entityHarness(t, lister, querier)
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := captured.subscriptionEvents["cust-4"]
	if len(events) != 2 {
		t.Fatalf("subscription events %v", events)
	}
	if _, ok := events[0].(statemachine.SubscriptionActivated); !ok {
		t.Fatalf("first event %+v", events[0])
	}
	if _, ok := events[1].(statemachine.SubscriptionCancelled); !ok {
		t.Fatalf("second event %+v", events[1])
	}
}

func TestEntityJob_FailsSubscriptionAbsentAtGateway(t *testing.T) {
	lister := &fakeLister{subscriptions: []models.Subscription{
		{CustomerID: "cust-5", Status: enums.SubscriptionStatusPending},
	}}
	captured, run := entityHarness(t, lister, &scriptedQuerier{})
	if err := run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := captured.subscriptionEvents["cust-5"]
	if len(events) != 1 {
		t.Fatalf("subscription events %v", events)
	}
	if _, ok := events[0].(statemachine.SubscriptionFailed); !ok {
		t.Fatalf("event %+v", events[0])
	}
}
