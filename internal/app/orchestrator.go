package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/pkg/gateway"
)

// Outcome codes reported for targets that were not charged or not fully recorded.
const (
	CodeInternalError  = "INTERNAL_ERROR"
	CodeLeaseBusy      = "LEASE_BUSY"
	CodeStateChanged   = "STATE_CHANGED"
	CodeAlreadyCharged = "ALREADY_CHARGED"
	CodeDatabaseError  = "DATABASE_ERROR"
	CodeRecordFailed   = "RECORDING_FAILED"
	CodeRunBudget      = "RUN_BUDGET_EXCEEDED"
	CodeRunCancelled   = "RUN_CANCELLED"
)

// OrderID builds the recurring order id. It is deterministic per user per calendar day.
func OrderID(today time.Time, userID string) string {
	return fmt.Sprintf("SUBSCRIPTION_%s_%s", civilDate(today).Format("20060102"), userID)
}

// FirstOrderID builds the order id of a signup charge.
func FirstOrderID(today time.Time, userID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("SUBSCRIPTION_FIRST_%s_%s_%s", civilDate(today).Format("20060102"), userID, suffix)
}

func subscriptionLeaseKey(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

// RunBatch charges every subscription due on or before today, one at a time.
// A selector failure aborts the run and is returned together with the failed summary;
// per-target failures never abort the run.
func (s *Service) RunBatch(ctx context.Context, today time.Time) (*domain.BatchSummary, error) {
	today = civilDate(today)
	summary := &domain.BatchSummary{
		RunID:     uuid.NewString(),
		RunDate:   today,
		Status:    domain.BatchRunCompleted,
		StartedAt: s.now().UTC(),
		Outcomes:  []domain.TargetOutcome{},
	}
	logger := s.logger.With("run_id", summary.RunID, "run_date", today.Format(time.DateOnly))

	targets, err := s.repo.ListPaymentTargets(ctx, today)
	if err != nil {
		summary.Status = domain.BatchRunFailed
		summary.Error = err.Error()
		s.finishBatch(ctx, summary)
		logger.Error("failed to select payment targets", "error", err)
		return summary, fmt.Errorf("%w: select payment targets: %v", domain.ErrDatabase, err)
	}
	logger.Info("billing batch started", "targets", len(targets))

	var deadline time.Time
	if s.cfg.MaxRunDuration > 0 {
		deadline = summary.StartedAt.Add(s.cfg.MaxRunDuration)
	}

	for i, target := range targets {
		stop := ""
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.ChargeDelay); err != nil {
				stop = CodeRunCancelled
			}
		}
		if stop == "" {
			stop = s.stopReason(ctx, deadline)
		}
		if stop != "" {
			skipRemaining(summary, targets[i:], today, stop)
			logger.Warn("billing batch stopped early", "reason", stop, "skipped", len(targets)-i)
			break
		}

		outcome := s.processTarget(ctx, target, today)
		summary.Outcomes = append(summary.Outcomes, outcome)

		switch outcome.Status {
		case domain.OutcomeSucceeded:
			summary.ProcessedCount++
			summary.SuccessCount++
			summary.TotalAmount += outcome.Amount
		case domain.OutcomeFailed:
			summary.ProcessedCount++
			summary.FailedCount++
		case domain.OutcomeSuspended:
			summary.ProcessedCount++
			summary.FailedCount++
			summary.SuspendedCount++
		case domain.OutcomeSkipped:
			summary.SkippedCount++
		}
	}

	s.finishBatch(ctx, summary)
	logger.Info("billing batch finished",
		"processed", summary.ProcessedCount,
		"succeeded", summary.SuccessCount,
		"failed", summary.FailedCount,
		"suspended", summary.SuspendedCount,
		"skipped", summary.SkippedCount,
		"total_amount", summary.TotalAmount,
	)
	return summary, nil
}

func (s *Service) stopReason(ctx context.Context, deadline time.Time) string {
	if ctx.Err() != nil {
		return CodeRunCancelled
	}
	if !deadline.IsZero() && !s.now().UTC().Before(deadline) {
		return CodeRunBudget
	}
	return ""
}

func skipRemaining(summary *domain.BatchSummary, targets []domain.PaymentTarget, today time.Time, code string) {
	for _, target := range targets {
		summary.Outcomes = append(summary.Outcomes, domain.TargetOutcome{
			SubscriptionID: target.SubscriptionID,
			UserID:         target.UserID,
			OrderID:        OrderID(today, target.UserID),
			Status:         domain.OutcomeSkipped,
			ErrorCode:      code,
			RetryCount:     target.RetryCount,
		})
		summary.SkippedCount++
	}
}

// finishBatch stamps the run duration and writes the audit row. The audit write is
// best-effort and detached from cancellation of the triggering request.
func (s *Service) finishBatch(ctx context.Context, summary *domain.BatchSummary) {
	summary.FinishedAt = s.now().UTC()
	summary.DurationMillis = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()

	if err := s.repo.InsertBatchRun(context.WithoutCancel(ctx), summary); err != nil {
		s.logger.Warn("failed to persist billing batch run", "run_id", summary.RunID, "error", err)
	}
}

func (s *Service) processTarget(ctx context.Context, target domain.PaymentTarget, today time.Time) domain.TargetOutcome {
	outcome := domain.TargetOutcome{
		SubscriptionID: target.SubscriptionID,
		UserID:         target.UserID,
		OrderID:        OrderID(today, target.UserID),
		RetryCount:     target.RetryCount,
	}
	logger := s.logger.With("subscription_id", target.SubscriptionID, "user_id", target.UserID, "order_id", outcome.OrderID)

	release, err := s.locker.Acquire(ctx, subscriptionLeaseKey(target.SubscriptionID))
	if err != nil {
		logger.Info("skipping target, lease unavailable", "error", err)
		return skipped(outcome, CodeLeaseBusy, err.Error())
	}
	defer release()

	current, err := s.repo.GetSubscriptionByID(ctx, target.SubscriptionID)
	if err != nil {
		logger.Error("failed to reload subscription", "error", err)
		return skipped(outcome, CodeDatabaseError, err.Error())
	}
	if !current.Chargeable() || current.Version != target.Version {
		logger.Info("skipping target, subscription changed since selection", "status", current.Status)
		return skipped(outcome, CodeStateChanged, string(current.Status))
	}

	charged, err := s.repo.HasCompletedPayment(ctx, outcome.OrderID)
	if err != nil {
		logger.Error("failed to check ledger", "error", err)
		return skipped(outcome, CodeDatabaseError, err.Error())
	}
	if charged {
		// The ledger already holds today's charge; only the follow-up writes are replayed.
		if _, err := s.completeCharge(ctx, target.UserID, target.SubscriptionID, target.Version, today); err != nil {
			logger.Error("failed to complete previously recorded charge", "error", err)
			outcome.Warnings = append(outcome.Warnings, err.Error())
		}
		outcome.RetryCount = 0
		return skipped(outcome, CodeAlreadyCharged, "completed payment already recorded for order")
	}

	charge, chargeErr := s.gateway.Charge(ctx, gatewayCharge(target, outcome.OrderID, s.cfg.OrderName))
	if chargeErr != nil {
		return s.handleChargeError(ctx, target, outcome, today, chargeErr)
	}

	outcome.Status = domain.OutcomeSucceeded
	outcome.Amount = target.Price
	outcome.RetryCount = 0

	result, err := s.HandlePaymentSuccess(ctx, PaymentSuccess{
		UserID:          target.UserID,
		SubscriptionID:  target.SubscriptionID,
		OrderID:         outcome.OrderID,
		PaymentKey:      charge.PaymentKey,
		Amount:          target.Price,
		ApprovedAt:      charge.ApprovedAt,
		Today:           today,
		ExpectedVersion: target.Version,
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		// Cancelled or otherwise changed mid-charge: the money goes back.
		logger.Warn("subscription changed while charge was in flight, refunding", "error", err)
		outcome.Amount = 0
		outcome.RetryCount = target.RetryCount
		outcome.Warnings = append(outcome.Warnings, s.cancelCharge(ctx, charge.PaymentKey, "subscription changed during renewal")...)
		return skipped(outcome, CodeStateChanged, err.Error())
	}
	if err != nil {
		logger.Error("charge approved but recording failed", "error", err)
		outcome.ErrorCode = CodeRecordFailed
		outcome.ErrorMessage = err.Error()
		return outcome
	}

	next := result.NextPaymentDate
	s.publishEvent(ctx, RoutingPaymentSucceeded, billingEvent{
		UserID:          target.UserID,
		SubscriptionID:  target.SubscriptionID,
		Status:          domain.StatusActive,
		OrderID:         outcome.OrderID,
		Amount:          target.Price,
		NextPaymentDate: &next,
	})
	logger.Info("recurring charge succeeded", "amount", target.Price, "next_payment_date", next.Format(time.DateOnly))
	return outcome
}

func (s *Service) handleChargeError(ctx context.Context, target domain.PaymentTarget, outcome domain.TargetOutcome, today time.Time, chargeErr error) domain.TargetOutcome {
	logger := s.logger.With("subscription_id", target.SubscriptionID, "user_id", target.UserID, "order_id", outcome.OrderID)

	code, message := CodeInternalError, chargeErr.Error()
	if gwErr, ok := gateway.AsError(chargeErr); ok {
		code, message = gwErr.Code, gwErr.Message
	}
	outcome.Status = domain.OutcomeFailed
	outcome.ErrorCode = code
	outcome.ErrorMessage = message
	logger.Warn("recurring charge failed", "code", code, "message", message, "previous_retry_count", target.RetryCount)

	failure, err := s.HandlePaymentFailure(ctx, PaymentFailure{
		UserID:             target.UserID,
		SubscriptionID:     target.SubscriptionID,
		OrderID:            outcome.OrderID,
		Amount:             target.Price,
		ErrorCode:          code,
		ErrorMessage:       message,
		PreviousRetryCount: target.RetryCount,
		ExpectedVersion:    target.Version,
		Today:              today,
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		logger.Info("subscription changed while charge was in flight, streak untouched", "error", err)
		outcome.RetryCount = target.RetryCount
		return skipped(outcome, CodeStateChanged, err.Error())
	}
	if err != nil {
		logger.Error("failed to record charge failure", "error", err)
		outcome.Warnings = append(outcome.Warnings, err.Error())
		return outcome
	}
	outcome.RetryCount = failure.NewRetryCount

	next := failure.NextPaymentDate
	s.publishEvent(ctx, RoutingPaymentFailed, billingEvent{
		UserID:          target.UserID,
		SubscriptionID:  target.SubscriptionID,
		Status:          domain.StatusActive,
		OrderID:         outcome.OrderID,
		Amount:          target.Price,
		RetryCount:      failure.NewRetryCount,
		NextPaymentDate: &next,
		FailureCode:     code,
		FailureMessage:  message,
	})

	if !failure.ShouldSuspend {
		return outcome
	}

	suspension, err := s.SuspendSubscription(ctx, target.SubscriptionID, target.UserID, target.BillingKey, failure.Version)
	if err != nil {
		logger.Error("failed to suspend subscription", "error", err)
		var compensated *CompensatedError
		if errors.As(err, &compensated) {
			outcome.Warnings = append(outcome.Warnings, compensated.Warnings...)
		}
		outcome.Warnings = append(outcome.Warnings, err.Error())
		return outcome
	}

	outcome.Status = domain.OutcomeSuspended
	outcome.Warnings = append(outcome.Warnings, suspension.Warnings...)
	return outcome
}

func gatewayCharge(target domain.PaymentTarget, orderID, orderName string) gateway.ChargeRequest {
	return gateway.ChargeRequest{
		BillingKey:    target.BillingKey,
		CustomerKey:   target.CustomerKey,
		Amount:        target.Price,
		OrderID:       orderID,
		OrderName:     orderName,
		CustomerEmail: target.Email,
		CustomerName:  target.Name,
	}
}

func skipped(outcome domain.TargetOutcome, code, message string) domain.TargetOutcome {
	outcome.Status = domain.OutcomeSkipped
	outcome.ErrorCode = code
	outcome.ErrorMessage = message
	return outcome
}
