package migrate

import (
	"context"
	"fmt"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/db"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// MaybeRunDev applies the schema via AutoMigrate when the auto-migrate flag is
// set. Production schemas are managed out of band.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if cfg == nil || client == nil {
		return fmt.Errorf("config and db client are required")
	}
	if !cfg.DB.AutoMigrate {
		return nil
	}
	if cfg.App.IsProd() {
		return fmt.Errorf("auto-migrate is not permitted in prod")
	}

	err := client.DB().WithContext(ctx).AutoMigrate(
		&models.PaymentProfile{},
		&models.Subscription{},
		&models.Transaction{},
		&models.SagaRecord{},
		&models.WebhookEventRecord{},
		&models.OutboxEvent{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "dev auto-migrate applied")
	}
	return nil
}
