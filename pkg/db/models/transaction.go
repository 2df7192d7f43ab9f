package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// Transaction is an append-only ledger record of one gateway transaction
// attempt. Rows are never rewritten after a terminal status; a settlement
// webhook may finalize an initially pending row exactly once.
type Transaction struct {
	ID                   uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID           string                  `gorm:"column:customer_id;index"`
	SubscriptionID       *uuid.UUID              `gorm:"column:subscription_id;type:uuid"`
	GatewayTransactionID string                  `gorm:"column:gateway_transaction_id;index"`
	IdempotencyKey       string                  `gorm:"column:idempotency_key;not null;unique"`
	Type                 enums.TransactionType   `gorm:"column:type;not null"`
	Amount               decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	ResultCode           string                  `gorm:"column:result_code"`
	ResultText           string                  `gorm:"column:result_text"`
	AuthCode             string                  `gorm:"column:auth_code"`
	Status               enums.TransactionStatus `gorm:"column:status;not null;default:'pending'"`
	SettledAt            *time.Time              `gorm:"column:settled_at"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
}
