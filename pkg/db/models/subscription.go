package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// Subscription persists one customer's plan enrollment. The gateway assigns
// GatewaySubscriptionID once the create call or its webhook confirms.
type Subscription struct {
	ID                    uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID            string                   `gorm:"column:customer_id;not null;index"`
	GatewaySubscriptionID *string                  `gorm:"column:gateway_subscription_id;unique"`
	PlanID                string                   `gorm:"column:plan_id;not null"`
	Status                enums.SubscriptionStatus `gorm:"column:status;not null;default:'none'"`
	StartDate             *time.Time               `gorm:"column:start_date"`
	// Version is monotonic; stale candidates lose the compare-and-swap.
	Version   int64     `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
