package gateway

import (
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// Operation is one typed request against the gateway's transact endpoint.
// Every mutating operation carries a caller-supplied idempotency key that is
// passed through to the gateway as the order id.
type Operation interface {
	Name() string
	Mutating() bool
	values() (url.Values, error)
}

// BillingAddress is the minimal address block the gateway accepts alongside a
// vault operation.
type BillingAddress struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Address1  string `json:"address1"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country"`
}

func (b BillingAddress) apply(form url.Values) {
	setIfPresent(form, "first_name", b.FirstName)
	setIfPresent(form, "last_name", b.LastName)
	setIfPresent(form, "address1", b.Address1)
	setIfPresent(form, "city", b.City)
	setIfPresent(form, "state", b.State)
	setIfPresent(form, "zip", b.Zip)
	setIfPresent(form, "country", b.Country)
}

// VaultCreate stores a tokenized payment method in the customer vault.
type VaultCreate struct {
	CustomerID     string
	PaymentToken   string
	Billing        BillingAddress
	IdempotencyKey string
}

func (o VaultCreate) Name() string   { return "vault_create" }
func (o VaultCreate) Mutating() bool { return true }

func (o VaultCreate) values() (url.Values, error) {
	if strings.TrimSpace(o.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if strings.TrimSpace(o.PaymentToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment token is required")
	}
	form := url.Values{}
	form.Set("customer_vault", "add_customer")
	form.Set("customer_vault_id", o.CustomerID)
	form.Set("payment_token", o.PaymentToken)
	setIfPresent(form, "orderid", o.IdempotencyKey)
	o.Billing.apply(form)
	return form, nil
}

// VaultUpdate replaces the stored payment method with a re-tokenized card.
type VaultUpdate struct {
	CustomerID     string
	PaymentToken   string
	Billing        BillingAddress
	IdempotencyKey string
}

func (o VaultUpdate) Name() string   { return "vault_update" }
func (o VaultUpdate) Mutating() bool { return true }

func (o VaultUpdate) values() (url.Values, error) {
	if strings.TrimSpace(o.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	form := url.Values{}
	form.Set("customer_vault", "update_customer")
	form.Set("customer_vault_id", o.CustomerID)
	setIfPresent(form, "payment_token", o.PaymentToken)
	setIfPresent(form, "orderid", o.IdempotencyKey)
	o.Billing.apply(form)
	return form, nil
}

// VaultDelete removes the stored payment method. Used both by callers and as
// the saga's compensating action.
type VaultDelete struct {
	CustomerID     string
	IdempotencyKey string
}

func (o VaultDelete) Name() string   { return "vault_delete" }
func (o VaultDelete) Mutating() bool { return true }

func (o VaultDelete) values() (url.Values, error) {
	if strings.TrimSpace(o.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	form := url.Values{}
	form.Set("customer_vault", "delete_customer")
	form.Set("customer_vault_id", o.CustomerID)
	setIfPresent(form, "orderid", o.IdempotencyKey)
	return form, nil
}

// Sale charges a stored vault profile or a one-time payment token.
type Sale struct {
	CustomerID     string
	PaymentToken   string
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (o Sale) Name() string   { return "sale" }
func (o Sale) Mutating() bool { return true }

func (o Sale) values() (url.Values, error) {
	return chargeValues("sale", o.CustomerID, o.PaymentToken, o.Amount, o.IdempotencyKey)
}

// Auth places a hold without capturing funds.
type Auth struct {
	CustomerID     string
	PaymentToken   string
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (o Auth) Name() string   { return "auth" }
func (o Auth) Mutating() bool { return true }

func (o Auth) values() (url.Values, error) {
	return chargeValues("auth", o.CustomerID, o.PaymentToken, o.Amount, o.IdempotencyKey)
}

// Capture settles a previous auth.
type Capture struct {
	TransactionID  string
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (o Capture) Name() string   { return "capture" }
func (o Capture) Mutating() bool { return true }

func (o Capture) values() (url.Values, error) {
	return referenceValues("capture", o.TransactionID, o.Amount, o.IdempotencyKey)
}

// Void cancels an unsettled transaction. Per the gateway's model this is a
// new operation referencing the prior one, not a cancellation of the call.
type Void struct {
	TransactionID  string
	IdempotencyKey string
}

func (o Void) Name() string   { return "void" }
func (o Void) Mutating() bool { return true }

func (o Void) values() (url.Values, error) {
	return referenceValues("void", o.TransactionID, decimal.Decimal{}, o.IdempotencyKey)
}

// Refund returns settled funds for a prior transaction.
type Refund struct {
	TransactionID  string
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (o Refund) Name() string   { return "refund" }
func (o Refund) Mutating() bool { return true }

func (o Refund) values() (url.Values, error) {
	return referenceValues("refund", o.TransactionID, o.Amount, o.IdempotencyKey)
}

// Credit pushes funds to the stored payment method outside any prior sale.
type Credit struct {
	CustomerID     string
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (o Credit) Name() string   { return "credit" }
func (o Credit) Mutating() bool { return true }

func (o Credit) values() (url.Values, error) {
	return chargeValues("credit", o.CustomerID, "", o.Amount, o.IdempotencyKey)
}

// SubscriptionCreate attaches a plan to an existing vault profile.
type SubscriptionCreate struct {
	CustomerID     string
	PlanID         string
	StartDate      time.Time
	IdempotencyKey string
}

func (o SubscriptionCreate) Name() string   { return "subscription_create" }
func (o SubscriptionCreate) Mutating() bool { return true }

func (o SubscriptionCreate) values() (url.Values, error) {
	if strings.TrimSpace(o.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if strings.TrimSpace(o.PlanID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	form := url.Values{}
	form.Set("recurring", "add_subscription")
	form.Set("customer_vault_id", o.CustomerID)
	form.Set("plan_id", o.PlanID)
	if !o.StartDate.IsZero() {
		form.Set("start_date", o.StartDate.Format("20060102"))
	}
	setIfPresent(form, "orderid", o.IdempotencyKey)
	return form, nil
}

// SubscriptionUpdate pauses or resumes an existing subscription.
type SubscriptionUpdate struct {
	SubscriptionID string
	Paused         bool
	IdempotencyKey string
}

func (o SubscriptionUpdate) Name() string   { return "subscription_update" }
func (o SubscriptionUpdate) Mutating() bool { return true }

func (o SubscriptionUpdate) values() (url.Values, error) {
	if strings.TrimSpace(o.SubscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	form := url.Values{}
	form.Set("recurring", "update_subscription")
	form.Set("subscription_id", o.SubscriptionID)
	if o.Paused {
		form.Set("paused", "true")
	} else {
		form.Set("paused", "false")
	}
	setIfPresent(form, "orderid", o.IdempotencyKey)
	return form, nil
}

// SubscriptionCancel deletes a subscription.
type SubscriptionCancel struct {
	SubscriptionID string
	IdempotencyKey string
}

func (o SubscriptionCancel) Name() string   { return "subscription_cancel" }
func (o SubscriptionCancel) Mutating() bool { return true }

func (o SubscriptionCancel) values() (url.Values, error) {
	if strings.TrimSpace(o.SubscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	form := url.Values{}
	form.Set("recurring", "delete_subscription")
	form.Set("subscription_id", o.SubscriptionID)
	setIfPresent(form, "orderid", o.IdempotencyKey)
	return form, nil
}

func chargeValues(txType, customerID, token string, amount decimal.Decimal, idempotencyKey string) (url.Values, error) {
	if strings.TrimSpace(customerID) == "" && strings.TrimSpace(token) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id or payment token is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	form := url.Values{}
	form.Set("type", txType)
	form.Set("amount", amount.StringFixed(2))
	setIfPresent(form, "customer_vault_id", customerID)
	setIfPresent(form, "payment_token", token)
	setIfPresent(form, "orderid", idempotencyKey)
	return form, nil
}

func referenceValues(txType, transactionID string, amount decimal.Decimal, idempotencyKey string) (url.Values, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	form := url.Values{}
	form.Set("type", txType)
	form.Set("transactionid", transactionID)
	if amount.GreaterThan(decimal.Zero) {
		form.Set("amount", amount.StringFixed(2))
	}
	setIfPresent(form, "orderid", idempotencyKey)
	return form, nil
}

func setIfPresent(form url.Values, key, value string) {
	if strings.TrimSpace(value) != "" {
		form.Set(key, value)
	}
}
