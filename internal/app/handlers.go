package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/internal/store"
)

// PaymentSuccess describes an approved recurring charge.
type PaymentSuccess struct {
	UserID         string
	SubscriptionID string
	OrderID        string
	PaymentKey     string
	Amount         int64
	ApprovedAt     time.Time
	Today          time.Time

	// ExpectedVersion is the row version the charge was selected at.
	ExpectedVersion int
}

// SuccessResult is returned once every write of a successful charge has been applied.
type SuccessResult struct {
	NextPaymentDate time.Time
	Version         int
}

// PaymentFailure describes a declined or errored recurring charge.
type PaymentFailure struct {
	UserID             string
	SubscriptionID     string
	OrderID            string
	Amount             int64
	ErrorCode          string
	ErrorMessage       string
	PreviousRetryCount int
	ExpectedVersion    int
	Today              time.Time
}

// FailureResult carries the new failure streak and whether it exhausts the retry budget.
type FailureResult struct {
	NewRetryCount   int
	ShouldSuspend   bool
	NextPaymentDate time.Time
	Version         int
}

// SuspensionResult is the suspended subscription plus any cleanup that could not be completed.
type SuspensionResult struct {
	Subscription *domain.Subscription
	Warnings     []string
}

// HandlePaymentSuccess records a completed payment, advances the due date by one month
// and grants the monthly allotment. Any write failure is returned as a database error;
// earlier writes are not rolled back. A row that left active or moved past ExpectedVersion
// while the charge was in flight yields domain.ErrConcurrentModification.
func (s *Service) HandlePaymentSuccess(ctx context.Context, in PaymentSuccess) (*SuccessResult, error) {
	approvedAt := in.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = s.now()
	}
	paymentKey := in.PaymentKey

	payment := &domain.Payment{
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		OrderID:        in.OrderID,
		PaymentKey:     &paymentKey,
		Amount:         in.Amount,
		Status:         domain.PaymentCompleted,
		RetryCount:     0,
		ApprovedAt:     &approvedAt,
	}
	if err := s.repo.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("%w: insert completed payment: %v", domain.ErrDatabase, err)
	}

	return s.completeCharge(ctx, in.UserID, in.SubscriptionID, in.ExpectedVersion, in.Today)
}

// completeCharge applies the subscription and quota updates of a charge that is already in the ledger.
func (s *Service) completeCharge(ctx context.Context, userID, subscriptionID string, expectedVersion int, today time.Time) (*SuccessResult, error) {
	next := addMonthClamped(civilDate(today))
	version, err := s.repo.RecordChargeSuccess(ctx, subscriptionID, expectedVersion, next)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: advance subscription %s", domain.ErrConcurrentModification, subscriptionID)
		}
		return nil, fmt.Errorf("%w: advance subscription: %v", domain.ErrDatabase, err)
	}

	if err := s.repo.ResetMonthlyQuota(ctx, userID, domain.ProMonthlyAnalysisAllotment); err != nil {
		return nil, fmt.Errorf("%w: reset monthly quota: %v", domain.ErrDatabase, err)
	}

	return &SuccessResult{NextPaymentDate: next, Version: version}, nil
}

// HandlePaymentFailure records a failed payment and extends the failure streak by one.
// The next attempt is scheduled RetryIntervalDays after today. A ledger row already written
// for the same order by an earlier partial run is kept and the streak update still applies.
func (s *Service) HandlePaymentFailure(ctx context.Context, in PaymentFailure) (*FailureResult, error) {
	newRetryCount := in.PreviousRetryCount + 1
	code := in.ErrorCode
	message := in.ErrorMessage

	payment := &domain.Payment{
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		OrderID:        in.OrderID,
		Amount:         in.Amount,
		Status:         domain.PaymentFailed,
		RetryCount:     newRetryCount,
		FailureCode:    &code,
		FailureMessage: &message,
	}
	if err := s.repo.InsertPayment(ctx, payment); err != nil {
		if !errors.Is(err, store.ErrDuplicateOrder) {
			return nil, fmt.Errorf("%w: insert failed payment: %v", domain.ErrDatabase, err)
		}
		s.logger.Warn("failed payment already recorded", "order_id", in.OrderID, "subscription_id", in.SubscriptionID)
	}

	next := civilDate(in.Today).AddDate(0, 0, s.cfg.RetryIntervalDays)
	version, err := s.repo.RecordChargeFailure(ctx, in.SubscriptionID, in.ExpectedVersion, newRetryCount, next)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: record failure streak %s", domain.ErrConcurrentModification, in.SubscriptionID)
		}
		return nil, fmt.Errorf("%w: record failure streak: %v", domain.ErrDatabase, err)
	}

	return &FailureResult{
		NewRetryCount:   newRetryCount,
		ShouldSuspend:   newRetryCount >= domain.MaxConsecutiveFailures,
		NextPaymentDate: next,
		Version:         version,
	}, nil
}

// SuspendSubscription demotes a chronically failing subscription: the stored credential is
// deleted at the gateway (best-effort), the row becomes suspended and the user drops to free.
// Only an active row at expectedVersion is suspended; anything else leaves the credential untouched.
func (s *Service) SuspendSubscription(ctx context.Context, subscriptionID, userID, billingKey string, expectedVersion int) (*SuspensionResult, error) {
	current, err := s.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: suspend %s", domain.ErrConcurrentModification, subscriptionID)
	}
	if _, err := domain.Next(current.Status, domain.EventSuspend); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
	}

	warnings := s.deleteBillingKey(ctx, billingKey)

	sub, err := s.repo.SuspendSubscription(ctx, subscriptionID, expectedVersion, s.now().UTC(), domain.SuspensionReason)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, withWarnings(fmt.Errorf("%w: suspend %s", domain.ErrConcurrentModification, subscriptionID), warnings)
		}
		return nil, withWarnings(fmt.Errorf("%w: suspend subscription: %v", domain.ErrDatabase, err), warnings)
	}

	if err := s.repo.DowngradeUser(ctx, userID); err != nil {
		return nil, withWarnings(fmt.Errorf("%w: downgrade user: %v", domain.ErrDatabase, err), warnings)
	}

	s.logger.Info("subscription suspended", "subscription_id", subscriptionID, "user_id", userID)
	s.publishEvent(ctx, RoutingSubscriptionSuspended, subscriptionEvent(sub))

	return &SuspensionResult{Subscription: sub, Warnings: warnings}, nil
}
