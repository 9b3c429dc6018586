package cron

import (
	"context"
	"fmt"

	"github.com/televip/televip-backend/pkg/logger"
)

const defaultReconcileLimit = 250

type batchReconciler interface {
	ReconcileBatch(ctx context.Context, limit int) (int, error)
}

// SubscriptionReconcileJobParams configures the self-healing cron job.
type SubscriptionReconcileJobParams struct {
	Logger *logger.Logger
	Engine batchReconciler
	Limit  int
}

// NewSubscriptionReconcileJob builds the job that repairs subscriptions
// whose local window drifted behind the provider.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:   params.Logger,
		engine: params.Engine,
		limit:  limit,
	}, nil
}

type subscriptionReconcileJob struct {
	logg   *logger.Logger
	engine batchReconciler
	limit  int
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	healed, err := j.engine.ReconcileBatch(ctx, j.limit)
	reportCtx := j.logg.WithField(ctx, "healed", healed)
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	if err != nil {
		return fmt.Errorf("reconcile batch: %w", err)
	}
	return nil
}
