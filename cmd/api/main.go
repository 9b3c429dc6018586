package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/televip/televip-backend/api/routes"
	"github.com/televip/televip-backend/internal/billing"
	"github.com/televip/televip-backend/internal/fees"
	"github.com/televip/televip-backend/internal/ledger"
	"github.com/televip/televip-backend/internal/notifications"
	"github.com/televip/televip-backend/internal/reconcile"
	"github.com/televip/televip-backend/internal/subscriptions"
	stripewebhook "github.com/televip/televip-backend/internal/webhooks/stripe"
	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db"
	"github.com/televip/televip-backend/pkg/logger"
	"github.com/televip/televip-backend/pkg/metrics"
	"github.com/televip/televip-backend/pkg/migrate"
	"github.com/televip/televip-backend/pkg/redis"
	pkgstripe "github.com/televip/televip-backend/pkg/stripe"
)

const webhookIdempotencyScope = "stripe"

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}
	gateway := pkgstripe.NewGateway(stripeClient)

	calculator, err := fees.NewCalculator(cfg.Billing)
	if err != nil {
		logg.Error(context.Background(), "failed to create fee calculator", err)
		os.Exit(1)
	}

	notifier := notifications.NewLogNotifier(logg)

	subscriptionRepo := subscriptions.NewRepository(dbClient.DB())
	billingRepo := billing.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())
	evaluator := subscriptions.NewEvaluator(cfg.Billing, billingRepo)

	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:              subscriptionRepo,
		TransactionRunner: dbClient,
		Gateway:           gateway,
		Evaluator:         evaluator,
		Notifier:          notifier,
		Logger:            logg,
		SweepGraceWindow:  cfg.Billing.SweepGraceWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription service", err)
		os.Exit(1)
	}

	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:              billingRepo,
		SubscriptionRepo:  subscriptionRepo,
		LedgerRepo:        ledgerRepo,
		Calculator:        calculator,
		TransactionRunner: dbClient,
		Notifier:          notifier,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repo:              ledgerRepo,
		TransactionRunner: dbClient,
		Logger:            logg,
		Withdrawals:       cfg.Withdrawals,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	reconciler, err := reconcile.NewEngine(reconcile.EngineParams{
		SubscriptionRepo:  subscriptionRepo,
		BillingRepo:       billingRepo,
		Billing:           billingService,
		Gateway:           gateway,
		TransactionRunner: dbClient,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile engine", err)
		os.Exit(1)
	}

	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, webhookIdempotencyScope)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	metricsRegistry := prometheus.NewRegistry()
	webhookMetrics := metrics.NewWebhookMetrics(metricsRegistry)

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Billing:       billingService,
		Subscriptions: subscriptionService,
		Gateway:       gateway,
		Guard:         guard,
		Metrics:       webhookMetrics,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:           cfg,
			Logger:           logg,
			DB:               dbClient,
			Redis:            redisClient,
			StripeClient:     stripeClient,
			Gateway:          gateway,
			Subscriptions:    subscriptionService,
			SubscriptionRepo: subscriptionRepo,
			Ledger:           ledgerService,
			Reconciler:       reconciler,
			WebhookService:   webhookService,
			MetricsRegistry:  metricsRegistry,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
