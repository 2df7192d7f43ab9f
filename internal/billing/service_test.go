package billing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type memoryRepo struct {
	mu            sync.Mutex
	profiles      map[string]*models.PaymentProfile
	subscriptions map[string]*models.Subscription
	transactions  []*models.Transaction
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		profiles:      map[string]*models.PaymentProfile{},
		subscriptions: map[string]*models.Subscription{},
	}
}

func (m *memoryRepo) WithTx(*gorm.DB) Repository { return m }

func (m *memoryRepo) CreatePaymentProfile(_ context.Context, profile *models.PaymentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	copied := *profile
	m.profiles[profile.CustomerID] = &copied
	return nil
}

func (m *memoryRepo) FindPaymentProfile(_ context.Context, customerID string) (*models.PaymentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[customerID]
	if !ok {
		return nil, nil
	}
	copied := *profile
	return &copied, nil
}

func (m *memoryRepo) UpdatePaymentProfileCAS(_ context.Context, profile *models.PaymentProfile, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.profiles[profile.CustomerID]
	if !ok || current.Version != expectedVersion {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment profile version moved")
	}
	copied := *profile
	copied.Version = expectedVersion + 1
	m.profiles[profile.CustomerID] = &copied
	profile.Version = copied.Version
	return nil
}

func (m *memoryRepo) ListPaymentProfilesForReconciliation(context.Context, int, time.Duration) ([]models.PaymentProfile, error) {
	return nil, nil
}

func (m *memoryRepo) CreateSubscription(_ context.Context, subscription *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subscription.ID == uuid.Nil {
		subscription.ID = uuid.New()
	}
	copied := *subscription
	m.subscriptions[subscription.CustomerID] = &copied
	return nil
}

func (m *memoryRepo) FindSubscriptionByCustomer(_ context.Context, customerID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscription, ok := m.subscriptions[customerID]
	if !ok {
		return nil, nil
	}
	copied := *subscription
	return &copied, nil
}

func (m *memoryRepo) FindSubscriptionByGatewayID(_ context.Context, gatewayID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subscription := range m.subscriptions {
		if subscription.GatewaySubscriptionID != nil && *subscription.GatewaySubscriptionID == gatewayID {
			copied := *subscription
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) UpdateSubscriptionCAS(_ context.Context, subscription *models.Subscription, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.subscriptions[subscription.CustomerID]
	if !ok || current.Version != expectedVersion {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription version moved")
	}
	copied := *subscription
	copied.Version = expectedVersion + 1
	m.subscriptions[subscription.CustomerID] = &copied
	subscription.Version = copied.Version
	return nil
}

func (m *memoryRepo) ListSubscriptionsForReconciliation(context.Context, int, time.Duration) ([]models.Subscription, error) {
	return nil, nil
}

func (m *memoryRepo) CreateTransaction(_ context.Context, transaction *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if transaction.ID == uuid.Nil {
		transaction.ID = uuid.New()
	}
	copied := *transaction
	m.transactions = append(m.transactions, &copied)
	return nil
}

func (m *memoryRepo) FindTransactionByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, transaction := range m.transactions {
		if transaction.IdempotencyKey == key {
			copied := *transaction
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) FindTransactionByGatewayID(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, transaction := range m.transactions {
		if transaction.GatewayTransactionID == id {
			copied := *transaction
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) ListTransactionsByCustomer(_ context.Context, customerID string, _ int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, transaction := range m.transactions {
		if transaction.CustomerID == customerID {
			out = append(out, *transaction)
		}
	}
	return out, nil
}

func (m *memoryRepo) ResolveTransaction(_ context.Context, orderID, gatewayTransactionID string, status enums.TransactionStatus, resultCode, resultText string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, transaction := range m.transactions {
		if transaction.Status != enums.TransactionStatusPending && transaction.Status != enums.TransactionStatusUnknown {
			continue
		}
		matched := (orderID != "" && transaction.IdempotencyKey == orderID) ||
			(orderID == "" && gatewayTransactionID != "" && transaction.GatewayTransactionID == gatewayTransactionID)
		if !matched {
			continue
		}
		transaction.Status = status
		transaction.ResultCode = resultCode
		transaction.ResultText = resultText
		if gatewayTransactionID != "" {
			transaction.GatewayTransactionID = gatewayTransactionID
		}
		return true, nil
	}
	return false, nil
}

func (m *memoryRepo) FinalizeTransaction(_ context.Context, gatewayTransactionID string, status enums.TransactionStatus, settledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, transaction := range m.transactions {
		if transaction.GatewayTransactionID == gatewayTransactionID && !transaction.Status.IsTerminal() {
			transaction.Status = status
			transaction.SettledAt = settledAt
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, "transaction already terminal")
}

func (m *memoryRepo) ListUnresolvedTransactions(_ context.Context, limit int, _ time.Duration) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, transaction := range m.transactions {
		if transaction.Status == enums.TransactionStatusUnknown {
			out = append(out, *transaction)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gateway.Operation
	execute func(op gateway.Operation) (*gateway.Result, error)
}

func (f *fakeGateway) Execute(_ context.Context, op gateway.Operation) (*gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	return f.execute(op)
}

func (f *fakeGateway) Query(context.Context, gateway.QueryParams) (*gateway.QueryResult, error) {
	return &gateway.QueryResult{}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type noopTransactor struct{}

func (noopTransactor) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newStubKV() *stubKV { return &stubKV{data: map[string]string{}} }

func (s *stubKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (s *stubKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = fmt.Sprint(value)
	return nil
}

func (s *stubKV) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = fmt.Sprint(value)
	return true, nil
}

func (s *stubKV) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *stubKV) IdempotencyKey(scope, id string) string { return "vb:idempotency:" + scope + ":" + id }
func (s *stubKV) DedupKey(scope, id string) string       { return "vb:dedup:" + scope + ":" + id }

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
}

func testService(t *testing.T, repo Repository, gw GatewayClient) *Service {
	t.Helper()
	logg := testLogger()
	store, err := idempotency.NewStore(idempotency.StoreParams{
		KV:     newStubKV(),
		Config: config.IdempotencyConfig{ResultTTL: time.Hour, FlightTTL: time.Second, PollEvery: 5 * time.Millisecond},
		Logger: logg,
	})
	if err != nil {
		t.Fatalf("idempotency store: %v", err)
	}
	service, err := NewService(ServiceParams{
		Repo:        repo,
		Gateway:     gw,
		DB:          noopTransactor{},
		Idempotency: store,
		Logger:      logg,
	})
	if err != nil {
		t.Fatalf("service setup: %v", err)
	}
	return service
}

func seedActiveProfile(t *testing.T, repo *memoryRepo, customerID string) {
	t.Helper()
	if err := repo.CreatePaymentProfile(context.Background(), &models.PaymentProfile{
		CustomerID:  customerID,
		VaultID:     "vault-" + customerID,
		VaultStatus: enums.VaultStatusActive,
		LastFour:    "4242",
		Version:     2,
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func TestCharge_ApprovedRecordsLedgerRow(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		return &gateway.Result{Outcome: gateway.OutcomeApproved, ResponseCode: "100", TransactionID: "txn-1", AuthCode: "A1"}, nil
	}}
	service := testService(t, repo, gw)

	result, outcome, err := service.Charge(context.Background(), ChargeParams{
		CustomerID:     "cust-1",
		Amount:         decimal.NewFromFloat(19.99),
		IdempotencyKey: "charge-1",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if outcome != idempotency.FirstAttempt {
		t.Fatalf("expected first attempt, got %d", outcome)
	}
	if result.Status != string(enums.TransactionStatusApproved) || result.GatewayTransactionID != "txn-1" {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, err := repo.FindTransactionByIdempotencyKey(context.Background(), "charge-1")
	if err != nil || stored == nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if stored.Amount.StringFixed(2) != "19.99" {
		t.Fatalf("ledger amount %s", stored.Amount.StringFixed(2))
	}
}

func TestCharge_ReplayDoesNotHitGateway(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		return &gateway.Result{Outcome: gateway.OutcomeApproved, TransactionID: "txn-1"}, nil
	}}
	service := testService(t, repo, gw)

	params := ChargeParams{CustomerID: "cust-1", Amount: decimal.NewFromInt(10), IdempotencyKey: "charge-2"}
	if _, _, err := service.Charge(context.Background(), params); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	result, outcome, err := service.Charge(context.Background(), params)
	if err != nil {
		t.Fatalf("replay charge: %v", err)
	}
	if outcome != idempotency.AlreadyCompleted {
		t.Fatalf("expected replay, got %d", outcome)
	}
	if result.GatewayTransactionID != "txn-1" {
		t.Fatalf("replay result %+v", result)
	}
	if gw.callCount() != 1 {
		t.Fatalf("gateway called %d times", gw.callCount())
	}
}

func TestCharge_DeclineIsACompletedOutcome(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		return &gateway.Result{Outcome: gateway.OutcomeDeclined, ResponseCode: "200", ResponseText: "DECLINE"}, nil
	}}
	service := testService(t, repo, gw)

	params := ChargeParams{CustomerID: "cust-1", Amount: decimal.NewFromInt(10), IdempotencyKey: "charge-3"}
	result, _, err := service.Charge(context.Background(), params)
	if err != nil {
		t.Fatalf("declined charge should not error: %v", err)
	}
	if !result.Declined() {
		t.Fatalf("expected decline, got %+v", result)
	}

	// A new idempotency key is required to retry; the same key replays.
	replay, outcome, err := service.Charge(context.Background(), params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != idempotency.AlreadyCompleted || !replay.Declined() {
		t.Fatalf("decline must replay: outcome=%d result=%+v", outcome, replay)
	}
	if gw.callCount() != 1 {
		t.Fatalf("gateway called %d times", gw.callCount())
	}
}

func TestCharge_AmbiguousOutcomeRecordsUnknownRow(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		return nil, pkgerrors.New(pkgerrors.CodeAmbiguousOutcome, "gateway call outcome unknown")
	}}
	service := testService(t, repo, gw)

	_, _, err := service.Charge(context.Background(), ChargeParams{
		CustomerID:     "cust-1",
		Amount:         decimal.NewFromInt(10),
		IdempotencyKey: "charge-4",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeAmbiguousOutcome) {
		t.Fatalf("expected ambiguous outcome, got %v", err)
	}

	stored, findErr := repo.FindTransactionByIdempotencyKey(context.Background(), "charge-4")
	if findErr != nil || stored == nil {
		t.Fatalf("unknown ledger row missing: %v", findErr)
	}
	if stored.Status != enums.TransactionStatusUnknown {
		t.Fatalf("expected unknown status, got %s", stored.Status)
	}
}

func TestCharge_RequiresActiveProfile(t *testing.T) {
	repo := newMemoryRepo()
	if err := repo.CreatePaymentProfile(context.Background(), &models.PaymentProfile{
		CustomerID:  "cust-1",
		VaultStatus: enums.VaultStatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		t.Fatal("gateway must not be called")
		return nil, nil
	}}
	service := testService(t, repo, gw)

	_, _, err := service.Charge(context.Background(), ChargeParams{
		CustomerID:     "cust-1",
		Amount:         decimal.NewFromInt(10),
		IdempotencyKey: "charge-5",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCancelSubscription_AppliesCancellation(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	gatewayID := "gw-sub-1"
	if err := repo.CreateSubscription(context.Background(), &models.Subscription{
		CustomerID:            "cust-1",
		GatewaySubscriptionID: &gatewayID,
		PlanID:                "plan-1",
		Status:                enums.SubscriptionStatusActive,
		Version:               3,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	gw := &fakeGateway{execute: func(op gateway.Operation) (*gateway.Result, error) {
		if op.Name() != "subscription_cancel" {
			t.Fatalf("unexpected op %s", op.Name())
		}
		return &gateway.Result{Outcome: gateway.OutcomeApproved}, nil
	}}
	service := testService(t, repo, gw)

	result, _, err := service.CancelSubscription(context.Background(), CancelParams{
		CustomerID:     "cust-1",
		IdempotencyKey: "cancel-1",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Status != string(enums.SubscriptionStatusCancelled) {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}

	stored, _ := repo.FindSubscriptionByCustomer(context.Background(), "cust-1")
	if stored.Status != enums.SubscriptionStatusCancelled || stored.Version != 4 {
		t.Fatalf("subscription not cancelled: %+v", stored)
	}
}

func TestCancelSubscription_AlreadyCancelledConverges(t *testing.T) {
	repo := newMemoryRepo()
	if err := repo.CreateSubscription(context.Background(), &models.Subscription{
		CustomerID: "cust-1",
		PlanID:     "plan-1",
		Status:     enums.SubscriptionStatusCancelled,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) {
		t.Fatal("gateway must not be called")
		return nil, nil
	}}
	service := testService(t, repo, gw)

	result, _, err := service.CancelSubscription(context.Background(), CancelParams{
		CustomerID:     "cust-1",
		IdempotencyKey: "cancel-2",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Status != string(enums.SubscriptionStatusCancelled) {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
}

func TestApplyVaultEvent_VersionBumpsMonotonically(t *testing.T) {
	repo := newMemoryRepo()
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) { return nil, nil }}
	service := testService(t, repo, gw)
	ctx := context.Background()

	profile, decision, err := service.ApplyVaultEvent(ctx, nil, "cust-1", statemachine.VaultRequested{})
	if err != nil || decision != statemachine.DecisionApply {
		t.Fatalf("requested: decision=%d err=%v", decision, err)
	}
	if profile.Version != 1 {
		t.Fatalf("version after create %d", profile.Version)
	}

	profile, decision, err = service.ApplyVaultEvent(ctx, nil, "cust-1", statemachine.VaultConfirmed{VaultID: "v1", LastFour: "4242"})
	if err != nil || decision != statemachine.DecisionApply {
		t.Fatalf("confirmed: decision=%d err=%v", decision, err)
	}
	if profile.Version != 2 || profile.VaultID != "v1" || profile.LastFour != "4242" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	// Redelivered confirmation converges without moving the version.
	profile, decision, err = service.ApplyVaultEvent(ctx, nil, "cust-1", statemachine.VaultConfirmed{VaultID: "v1"})
	if err != nil || decision != statemachine.DecisionConverge {
		t.Fatalf("redelivery: decision=%d err=%v", decision, err)
	}
	if profile.Version != 2 {
		t.Fatalf("converge moved version to %d", profile.Version)
	}
}

func TestGetStatus_ReturnsFullView(t *testing.T) {
	repo := newMemoryRepo()
	seedActiveProfile(t, repo, "cust-1")
	if err := repo.CreateSubscription(context.Background(), &models.Subscription{
		CustomerID: "cust-1",
		PlanID:     "plan-1",
		Status:     enums.SubscriptionStatusActive,
		Version:    5,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if err := repo.CreateTransaction(context.Background(), &models.Transaction{
		CustomerID:     "cust-1",
		IdempotencyKey: "k1",
		Type:           enums.TransactionTypeSale,
		Amount:         decimal.NewFromInt(25),
		Status:         enums.TransactionStatusApproved,
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) { return nil, nil }}
	service := testService(t, repo, gw)

	view, err := service.GetStatus(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Vault.Status != string(enums.VaultStatusActive) || view.Vault.LastFour != "4242" {
		t.Fatalf("vault view %+v", view.Vault)
	}
	if view.Subscription == nil || view.Subscription.Status != string(enums.SubscriptionStatusActive) {
		t.Fatalf("subscription view %+v", view.Subscription)
	}
	if len(view.Transactions) != 1 || view.Transactions[0].Amount != "25.00" {
		t.Fatalf("transactions view %+v", view.Transactions)
	}
}

func TestGetStatus_UnknownCustomer(t *testing.T) {
	repo := newMemoryRepo()
	gw := &fakeGateway{execute: func(gateway.Operation) (*gateway.Result, error) { return nil, nil }}
	service := testService(t, repo, gw)

	if _, err := service.GetStatus(context.Background(), "missing"); !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
