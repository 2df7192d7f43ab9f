package controllers

import (
	"context"
	"net/http"

	"github.com/clearlinehq/vaultbridge/api/responses"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// Pinger exposes the health check surface of a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-VaultBridge-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every backing dependency answers.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP, redisP Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("X-VaultBridge-Env", cfg.App.Env)

		checks := map[string]Pinger{
			"db":    dbP,
			"redis": redisP,
		}
		for name, pinger := range checks {
			if pinger == nil {
				continue
			}
			if err := pinger.Ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
					WithDetails(map[string]any{"dependency": name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
