package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/televip/televip-backend/pkg/logger"
)

const defaultExpireLimit = 500

type overdueExpirer interface {
	ExpireOverdue(ctx context.Context, asOf time.Time, limit int) (int, error)
}

// SubscriptionExpireJobParams configures the expire sweep job.
type SubscriptionExpireJobParams struct {
	Logger        *logger.Logger
	Subscriptions overdueExpirer
	Limit         int
	Now           func() time.Time
}

// NewSubscriptionExpireJob builds the job that revokes access for
// subscriptions whose paid period lapsed past the sweep grace.
func NewSubscriptionExpireJob(params SubscriptionExpireJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription service required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultExpireLimit
	}
	return &subscriptionExpireJob{
		logg:  params.Logger,
		subs:  params.Subscriptions,
		now:   now,
		limit: limit,
	}, nil
}

type subscriptionExpireJob struct {
	logg  *logger.Logger
	subs  overdueExpirer
	now   func() time.Time
	limit int
}

func (j *subscriptionExpireJob) Name() string { return "subscription-expire" }

func (j *subscriptionExpireJob) Run(ctx context.Context) error {
	expired, err := j.subs.ExpireOverdue(ctx, j.now().UTC(), j.limit)
	if err != nil {
		return fmt.Errorf("expire overdue subscriptions: %w", err)
	}
	reportCtx := j.logg.WithField(ctx, "expired", expired)
	j.logg.Info(reportCtx, "subscription expire sweep complete")
	return nil
}
