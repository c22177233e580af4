package app

import (
	"context"
	"fmt"
	"time"

	"github.com/reportly/billing-service/internal/domain"
)

// ExpireCancellations closes every pending cancellation whose paid period ended on or before
// today. The row becomes cancelled first; the stored credential is then deleted at the gateway
// (best-effort) and the user drops to the free tier.
func (s *Service) ExpireCancellations(ctx context.Context, today time.Time) (*domain.ExpirySummary, error) {
	today = civilDate(today)
	lapsed, err := s.repo.ListLapsedCancellations(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("%w: list lapsed cancellations: %v", domain.ErrDatabase, err)
	}

	summary := &domain.ExpirySummary{RunDate: today, Evaluated: len(lapsed)}
	for _, candidate := range lapsed {
		expired, warnings, err := s.expireOne(ctx, candidate)
		summary.Warnings = append(summary.Warnings, warnings...)
		if err != nil {
			summary.Failed++
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("subscription %s: %v", candidate.ID, err))
			s.logger.Warn("failed to expire cancellation", "subscription_id", candidate.ID, "error", err)
			continue
		}
		if expired {
			summary.Expired++
		}
	}

	s.logger.Info("cancellation expiry finished", "run_date", today.Format(time.DateOnly), "evaluated", summary.Evaluated, "expired", summary.Expired, "failed", summary.Failed)
	return summary, nil
}

func (s *Service) expireOne(ctx context.Context, candidate domain.Subscription) (bool, []string, error) {
	release, err := s.locker.Acquire(ctx, subscriptionLeaseKey(candidate.ID))
	if err != nil {
		return false, nil, leaseError(err)
	}
	defer release()

	sub, err := s.repo.GetSubscriptionByID(ctx, candidate.ID)
	if err != nil {
		return false, nil, mapStoreError(err)
	}
	if !domain.CanFire(sub.Status, domain.EventExpire) {
		return false, nil, nil
	}

	expired, err := s.repo.ExpireSubscription(ctx, sub.ID, sub.Version)
	if err != nil {
		return false, nil, mapStoreError(err)
	}

	var warnings []string
	if sub.HasBillingKey() {
		warnings = s.deleteBillingKey(ctx, *sub.BillingKey)
	}

	if err := s.repo.DowngradeUser(ctx, sub.UserID); err != nil {
		return true, warnings, fmt.Errorf("%w: downgrade user: %v", domain.ErrDatabase, err)
	}

	s.publishEvent(ctx, RoutingSubscriptionExpired, subscriptionEvent(expired))
	return true, warnings, nil
}
