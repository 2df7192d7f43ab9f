package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// PaymentProfile mirrors a tokenized payment method stored in the gateway's
// customer vault. It never holds card data, only the vault reference and the
// display suffix.
type PaymentProfile struct {
	ID          uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID  string            `gorm:"column:customer_id;not null;unique"`
	VaultID     string            `gorm:"column:vault_id"`
	VaultStatus enums.VaultStatus `gorm:"column:vault_status;not null;default:'absent'"`
	LastFour    string            `gorm:"column:last_four"`
	// Version is bumped on every admitted transition and guards the
	// compare-and-swap write path.
	Version   int64     `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
