package billing

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// Repository handles billing persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreatePaymentProfile(ctx context.Context, profile *models.PaymentProfile) error
	FindPaymentProfile(ctx context.Context, customerID string) (*models.PaymentProfile, error)
	// UpdatePaymentProfileCAS writes the profile only if the row still holds
	// expectedVersion. A lost race surfaces as CodeStateConflict.
	UpdatePaymentProfileCAS(ctx context.Context, profile *models.PaymentProfile, expectedVersion int64) error
	ListPaymentProfilesForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.PaymentProfile, error)

	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	FindSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error)
	FindSubscriptionByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*models.Subscription, error)
	UpdateSubscriptionCAS(ctx context.Context, subscription *models.Subscription, expectedVersion int64) error
	ListSubscriptionsForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.Subscription, error)

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	FindTransactionByGatewayID(ctx context.Context, gatewayTransactionID string) (*models.Transaction, error)
	ListTransactionsByCustomer(ctx context.Context, customerID string, limit int) ([]models.Transaction, error)
	// FinalizeTransaction moves a non-terminal ledger row to a terminal status
	// exactly once. Terminal rows are never rewritten.
	FinalizeTransaction(ctx context.Context, gatewayTransactionID string, status enums.TransactionStatus, settledAt *time.Time) error
	// ResolveTransaction fills in the gateway's answer on a pending or unknown
	// row, matched by order id or gateway transaction id. It reports whether a
	// row was updated.
	ResolveTransaction(ctx context.Context, orderID, gatewayTransactionID string, status enums.TransactionStatus, resultCode, resultText string) (bool, error)
	// ListUnresolvedTransactions returns ledger rows whose gateway outcome is
	// still unknown after the grace window.
	ListUnresolvedTransactions(ctx context.Context, limit int, grace time.Duration) ([]models.Transaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePaymentProfile(ctx context.Context, profile *models.PaymentProfile) error {
	return r.db.WithContext(ctx).Create(profile).Error
}

func (r *repository) FindPaymentProfile(ctx context.Context, customerID string) (*models.PaymentProfile, error) {
	var profile models.PaymentProfile
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		First(&profile).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (r *repository) UpdatePaymentProfileCAS(ctx context.Context, profile *models.PaymentProfile, expectedVersion int64) error {
	profile.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(&models.PaymentProfile{}).
		Where("id = ? AND version = ?", profile.ID, expectedVersion).
		Updates(map[string]any{
			"vault_id":     profile.VaultID,
			"vault_status": profile.VaultStatus,
			"last_four":    profile.LastFour,
			"version":      profile.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment profile version moved").
			WithDetails(map[string]any{"customer_id": profile.CustomerID, "expected_version": expectedVersion})
	}
	return nil
}

func (r *repository) ListPaymentProfilesForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.PaymentProfile, error) {
	if limit <= 0 {
		limit = 250
	}
	cutoff := time.Now().UTC().Add(-grace)
	var profiles []models.PaymentProfile
	if err := r.db.WithContext(ctx).
		Where("vault_status = ?", enums.VaultStatusPending).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func (r *repository) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) FindSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	var subscription models.Subscription
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		First(&subscription).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repository) FindSubscriptionByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*models.Subscription, error) {
	if gatewaySubscriptionID == "" {
		return nil, nil
	}
	var subscription models.Subscription
	if err := r.db.WithContext(ctx).
		Where("gateway_subscription_id = ?", gatewaySubscriptionID).
		First(&subscription).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repository) UpdateSubscriptionCAS(ctx context.Context, subscription *models.Subscription, expectedVersion int64) error {
	subscription.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", subscription.ID, expectedVersion).
		Updates(map[string]any{
			"gateway_subscription_id": subscription.GatewaySubscriptionID,
			"status":                  subscription.Status,
			"start_date":              subscription.StartDate,
			"version":                 subscription.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription version moved").
			WithDetails(map[string]any{"customer_id": subscription.CustomerID, "expected_version": expectedVersion})
	}
	return nil
}

func (r *repository) ListSubscriptionsForReconciliation(ctx context.Context, limit int, grace time.Duration) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	cutoff := time.Now().UTC().Add(-grace)
	var subscriptions []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusPending).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repository) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	return r.db.WithContext(ctx).Create(transaction).Error
}

func (r *repository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	var transaction models.Transaction
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&transaction).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (r *repository) FindTransactionByGatewayID(ctx context.Context, gatewayTransactionID string) (*models.Transaction, error) {
	if gatewayTransactionID == "" {
		return nil, nil
	}
	var transaction models.Transaction
	if err := r.db.WithContext(ctx).
		Where("gateway_transaction_id = ?", gatewayTransactionID).
		First(&transaction).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (r *repository) ListTransactionsByCustomer(ctx context.Context, customerID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	var transactions []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *repository) FinalizeTransaction(ctx context.Context, gatewayTransactionID string, status enums.TransactionStatus, settledAt *time.Time) error {
	if !status.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeValidation, "finalize requires a terminal status").
			WithDetails(map[string]any{"status": status})
	}
	nonTerminal := []enums.TransactionStatus{
		enums.TransactionStatusPending,
		enums.TransactionStatusApproved,
		enums.TransactionStatusUnknown,
	}
	result := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("gateway_transaction_id = ? AND status IN (?)", gatewayTransactionID, nonTerminal).
		Updates(map[string]any{"status": status, "settled_at": settledAt})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "transaction already terminal").
			WithDetails(map[string]any{"gateway_transaction_id": gatewayTransactionID})
	}
	return nil
}

func (r *repository) ResolveTransaction(ctx context.Context, orderID, gatewayTransactionID string, status enums.TransactionStatus, resultCode, resultText string) (bool, error) {
	if orderID == "" && gatewayTransactionID == "" {
		return false, nil
	}
	open := []enums.TransactionStatus{
		enums.TransactionStatusPending,
		enums.TransactionStatusUnknown,
	}
	query := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("status IN (?)", open)
	if orderID != "" {
		query = query.Where("idempotency_key = ?", orderID)
	} else {
		query = query.Where("gateway_transaction_id = ?", gatewayTransactionID)
	}
	updates := map[string]any{
		"status":      status,
		"result_code": resultCode,
		"result_text": resultText,
	}
	if gatewayTransactionID != "" {
		updates["gateway_transaction_id"] = gatewayTransactionID
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ListUnresolvedTransactions(ctx context.Context, limit int, grace time.Duration) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 250
	}
	cutoff := time.Now().UTC().Add(-grace)
	var transactions []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.TransactionStatusUnknown).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}
