/**
 * @description
 * Scheduled job implementations for the billing scheduler.
 * Each job computes today's date in the business timezone and triggers the billing service.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/reportly/billing-service/internal/config"
	"github.com/reportly/billing-service/pkg/billingclient"
)

// BillingClient defines the interface for triggering billing runs.
type BillingClient interface {
	RunBatch(ctx context.Context, today time.Time) (*billingclient.RunSummary, error)
	ExpireCancellations(ctx context.Context, today time.Time) (*billingclient.ExpirySummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client   BillingClient
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(client BillingClient, logger *slog.Logger, cfg config.SchedulerConfig) *Jobs {
	return &Jobs{
		client:   client,
		logger:   logger,
		location: cfg.Location(),
		now:      time.Now,
	}
}

func (j *Jobs) today() time.Time {
	now := j.now().In(j.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// RunRecurringBilling charges every subscription due today.
func (j *Jobs) RunRecurringBilling() {
	today := j.today()
	logger := j.logger.With("run_date", today.Format(time.DateOnly))
	logger.Info("starting recurring billing job")

	summary, err := j.client.RunBatch(context.Background(), today)
	if err != nil {
		logger.Error("failed to run recurring billing", "error", err)
		return
	}

	logger.Info("recurring billing job finished",
		"run_id", summary.RunID,
		"processed", summary.ProcessedCount,
		"succeeded", summary.SuccessCount,
		"failed", summary.FailedCount,
		"suspended", summary.SuspendedCount,
		"skipped", summary.SkippedCount,
		"total_amount", summary.TotalAmount,
	)
}

// ExpireCancellations lapses pending cancellations whose paid period has ended.
func (j *Jobs) ExpireCancellations() {
	today := j.today()
	logger := j.logger.With("run_date", today.Format(time.DateOnly))
	logger.Info("starting cancellation expiry job")

	summary, err := j.client.ExpireCancellations(context.Background(), today)
	if err != nil {
		logger.Error("failed to expire cancellations", "error", err)
		return
	}

	logger.Info("cancellation expiry job finished",
		"evaluated", summary.Evaluated,
		"expired", summary.Expired,
		"failed", summary.Failed,
	)
}
