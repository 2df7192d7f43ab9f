package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearlinehq/vaultbridge/api/controllers"
	billingcontrollers "github.com/clearlinehq/vaultbridge/api/controllers/billing"
	webhookcontrollers "github.com/clearlinehq/vaultbridge/api/controllers/webhooks"
	"github.com/clearlinehq/vaultbridge/api/middleware"
	gatewaywebhook "github.com/clearlinehq/vaultbridge/internal/webhooks/gateway"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type BillingService interface {
	billingcontrollers.TransactionService
	billingcontrollers.CustomerService
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	provisionService billingcontrollers.ProvisionService,
	billingService BillingService,
	webhookService webhookcontrollers.GatewayWebhookService,
	webhookVerifier *gatewaywebhook.Verifier,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/gateway", webhookcontrollers.GatewayWebhook(webhookService, webhookVerifier, logg))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Post("/provision", billingcontrollers.Provision(provisionService, logg))
		r.Post("/charges", billingcontrollers.Charge(billingService, logg))
		r.Post("/refunds", billingcontrollers.Refund(billingService, logg))
		r.Post("/voids", billingcontrollers.Void(billingService, logg))

		r.Route("/customers/{customerID}", func(r chi.Router) {
			r.Get("/", billingcontrollers.CustomerStatus(billingService, logg))
			r.Delete("/subscription", billingcontrollers.SubscriptionCancel(billingService, logg))
			r.Put("/payment-profile", billingcontrollers.PaymentProfileUpdate(billingService, logg))
			r.Delete("/payment-profile", billingcontrollers.PaymentProfileDelete(billingService, logg))
		})
	})

	return r
}
