package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/televip/televip-backend/api/controllers"
	webhookcontrollers "github.com/televip/televip-backend/api/controllers/webhooks"
	"github.com/televip/televip-backend/api/middleware"
	"github.com/televip/televip-backend/internal/ledger"
	"github.com/televip/televip-backend/internal/reconcile"
	"github.com/televip/televip-backend/internal/subscriptions"
	stripewebhook "github.com/televip/televip-backend/internal/webhooks/stripe"
	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db"
	"github.com/televip/televip-backend/pkg/logger"
	"github.com/televip/televip-backend/pkg/redis"
	pkgstripe "github.com/televip/televip-backend/pkg/stripe"
)

// RouterParams carries everything the HTTP surface needs.
type RouterParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               *db.Client
	Redis            *redis.Client
	StripeClient     *pkgstripe.Client
	Gateway          pkgstripe.Gateway
	Subscriptions    subscriptions.Service
	SubscriptionRepo subscriptions.Repository
	Ledger           ledger.Service
	Reconciler       *reconcile.Engine
	WebhookService   *stripewebhook.Service
	MetricsRegistry  *prometheus.Registry
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.DB, params.Redis))
	})

	if params.MetricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(params.WebhookService, params.StripeClient, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/subscriptions/{subscriptionID}", func(r chi.Router) {
			r.Get("/status", controllers.SubscriptionStatus(params.Subscriptions, params.Reconciler, logg))
			r.Post("/cancel", controllers.SubscriptionCancel(params.Subscriptions, logg))
		})
		r.Get("/creators/{creatorID}/balance", controllers.CreatorBalance(params.Ledger, logg))
		r.Post("/withdrawals", controllers.RequestWithdrawal(params.Ledger, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Post("/withdrawals/{withdrawalID}/process", controllers.ProcessWithdrawal(params.Ledger, logg))
		r.Post("/withdrawals/{withdrawalID}/reject", controllers.RejectWithdrawal(params.Ledger, logg))
	})

	r.Get("/billing-portal", controllers.BillingPortalRedirect(cfg.Portal, params.SubscriptionRepo, params.Gateway, logg))

	return r
}
