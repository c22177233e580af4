package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/pkg/gateway"
)

func declined() error {
	return &gateway.Error{Code: "REJECT_CARD_PAYMENT", Message: "limit exceeded", Status: 400}
}

func TestOrderID_DeterministicPerUserPerDay(t *testing.T) {
	morning := time.Date(2026, time.October, 19, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2026, time.October, 19, 23, 0, 0, 0, time.UTC)

	assert.Equal(t, "SUBSCRIPTION_20261019_user-1", OrderID(morning, "user-1"))
	assert.Equal(t, OrderID(morning, "user-1"), OrderID(evening, "user-1"))
	assert.NotEqual(t, OrderID(morning, "user-1"), OrderID(morning.AddDate(0, 0, 1), "user-1"))

	first := FirstOrderID(morning, "user-1")
	assert.Regexp(t, `^SUBSCRIPTION_FIRST_20261019_user-1_[0-9a-f]{8}$`, first)
	assert.NotEqual(t, first, FirstOrderID(morning, "user-1"))
}

func TestAddMonthClamped(t *testing.T) {
	cases := map[string]struct {
		in   time.Time
		want time.Time
	}{
		"mid month":     {time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), time.Date(2026, 11, 19, 0, 0, 0, 0, time.UTC)},
		"jan 31":        {time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		"leap jan 31":   {time.Date(2028, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		"december":      {time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
		"march 31":      {time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)},
		"end of august": {time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, addMonthClamped(tc.in))
		})
	}
}

func TestRunBatch_NoTargets(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(func() domain.Subscription {
		s := activeSub("sub-later", "user-1", 0)
		s.NextPaymentDate = testToday.AddDate(0, 0, 3)
		return s
	}())

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ProcessedCount)
	assert.Equal(t, domain.BatchRunCompleted, summary.Status)
	assert.Empty(t, summary.Outcomes)
	assert.Empty(t, h.gw.charges)
	assert.Empty(t, h.sleeps)
	require.Len(t, h.repo.batchRuns, 1)
}

func TestRunBatch_SuccessResetsRetryAndQuota(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 2))

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, int64(9900), summary.TotalAmount)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, domain.OutcomeSucceeded, summary.Outcomes[0].Status)
	assert.Equal(t, 0, summary.Outcomes[0].RetryCount)

	require.Len(t, h.gw.charges, 1)
	charge := h.gw.charges[0]
	assert.Equal(t, "bk_sub-1", charge.BillingKey)
	assert.Equal(t, "SUBSCRIPTION_20261019_user-1", charge.OrderID)
	assert.Equal(t, "user-1@example.com", charge.CustomerEmail)
	assert.Equal(t, int64(9900), charge.Amount)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, 0, sub.RetryCount)
	assert.Equal(t, time.Date(2026, time.November, 19, 0, 0, 0, 0, time.UTC), sub.NextPaymentDate)
	assert.Equal(t, domain.ProMonthlyAnalysisAllotment, h.repo.quota("user-1").MonthlyAnalysisCount)

	payments := h.repo.paymentsFor("sub-1")
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentCompleted, payments[0].Status)
	assert.Equal(t, 0, payments[0].RetryCount)
	require.NotNil(t, payments[0].PaymentKey)
	require.NotNil(t, payments[0].ApprovedAt)

	assert.Contains(t, h.publisher.published(), RoutingPaymentSucceeded)
}

func TestRunBatch_FailureIncrementsRetryAndReschedules(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))
	h.gw.chargeErr = declined()

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 0, summary.SuspendedCount)
	outcome := summary.Outcomes[0]
	assert.Equal(t, domain.OutcomeFailed, outcome.Status)
	assert.Equal(t, "REJECT_CARD_PAYMENT", outcome.ErrorCode)
	assert.Equal(t, 1, outcome.RetryCount)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, 1, sub.RetryCount)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, testToday.AddDate(0, 0, 1), sub.NextPaymentDate)

	payments := h.repo.paymentsFor("sub-1")
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentFailed, payments[0].Status)
	assert.Equal(t, 1, payments[0].RetryCount)
	assert.Nil(t, payments[0].PaymentKey)
	assert.Equal(t, "REJECT_CARD_PAYMENT", *payments[0].FailureCode)
}

func TestRunBatch_NonGatewayErrorCountsAsFailure(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 1))
	h.gw.chargeErr = errors.New("connection reset")

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, CodeInternalError, summary.Outcomes[0].ErrorCode)
	assert.Equal(t, 2, h.repo.sub("sub-1").RetryCount)
}

// Scenario A: third consecutive failure suspends.
func TestRunBatch_ThirdFailureSuspends(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 2))
	h.repo.users["user-1"].MonthlyAnalysisCount = 4
	h.gw.chargeErr = declined()

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 1, summary.SuspendedCount)
	outcome := summary.Outcomes[0]
	assert.Equal(t, domain.OutcomeSuspended, outcome.Status)
	assert.Equal(t, 3, outcome.RetryCount)
	assert.Empty(t, outcome.Warnings)

	assert.Equal(t, []string{"bk_sub-1"}, h.gw.deleted)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, domain.StatusSuspended, sub.Status)
	assert.Nil(t, sub.BillingKey)
	assert.False(t, sub.AutoRenewal)
	require.NotNil(t, sub.CancellationReason)
	assert.Equal(t, domain.SuspensionReason, *sub.CancellationReason)
	assert.NotNil(t, sub.CancelledAt)

	quota := h.repo.quota("user-1")
	assert.Equal(t, domain.TierFree, quota.SubscriptionTier)
	assert.Equal(t, 0, quota.MonthlyAnalysisCount)
	assert.Equal(t, 3, quota.FreeAnalysisCount)

	assert.Contains(t, h.publisher.published(), RoutingSubscriptionSuspended)
}

// Scenario E: failed credential delete does not stop suspension.
func TestRunBatch_SuspensionSurvivesDeleteFailure(t *testing.T) {
	h := newHarness()
	h.svc.cfg.CleanupRetries = 2
	h.repo.addSubscription(activeSub("sub-1", "user-1", 2))
	h.gw.chargeErr = declined()
	h.gw.deleteErr = &gateway.Error{Code: "PROVIDER_ERROR", Message: "down", Status: 503}

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	outcome := summary.Outcomes[0]
	assert.Equal(t, domain.OutcomeSuspended, outcome.Status)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "delete billing key")
	assert.Equal(t, 3, h.gw.deleteCalls, "transient delete errors are retried")

	sub := h.repo.sub("sub-1")
	assert.Equal(t, domain.StatusSuspended, sub.Status)
	assert.Nil(t, sub.BillingKey)
	assert.Equal(t, domain.TierFree, h.repo.quota("user-1").SubscriptionTier)
}

func TestRunBatch_NoSuspensionBelowThreshold(t *testing.T) {
	for _, previous := range []int{0, 1} {
		h := newHarness()
		h.repo.addSubscription(activeSub("sub-1", "user-1", previous))
		h.gw.chargeErr = declined()

		summary, err := h.svc.RunBatch(t.Context(), testToday)
		require.NoError(t, err)

		assert.Equal(t, 0, summary.SuspendedCount)
		assert.Equal(t, domain.StatusActive, h.repo.sub("sub-1").Status)
		assert.Empty(t, h.gw.deleted)
	}
}

func TestRunBatch_ThreeDailyFailuresSuspend(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))
	h.gw.chargeErr = declined()

	for day := 0; day < 3; day++ {
		today := testToday.AddDate(0, 0, day)
		summary, err := h.svc.RunBatch(t.Context(), today)
		require.NoError(t, err)
		require.Len(t, summary.Outcomes, 1, "day %d", day)
	}

	assert.Equal(t, domain.StatusSuspended, h.repo.sub("sub-1").Status)
	assert.Len(t, h.gw.charges, 3)

	summary, err := h.svc.RunBatch(t.Context(), testToday.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Empty(t, summary.Outcomes)
}

func TestRunBatch_IsolatesFailuresAndDelaysBetweenTargets(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-a", "user-a", 0))
	h.repo.addSubscription(activeSub("sub-b", "user-b", 0))
	h.repo.addSubscription(activeSub("sub-c", "user-c", 0))
	h.gw.chargeErrs["bk_sub-b"] = declined()

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.ProcessedCount)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, int64(19800), summary.TotalAmount)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)

	order := []string{}
	for _, o := range summary.Outcomes {
		order = append(order, o.SubscriptionID)
	}
	assert.Equal(t, []string{"sub-a", "sub-b", "sub-c"}, order)
}

func TestRunBatch_SelectorFailureAbortsRun(t *testing.T) {
	h := newHarness()
	h.repo.selectErr = errors.New("connection refused")

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabase)

	require.NotNil(t, summary)
	assert.Equal(t, domain.BatchRunFailed, summary.Status)
	assert.Equal(t, 0, summary.ProcessedCount)
	require.Len(t, h.repo.batchRuns, 1)
	assert.Equal(t, domain.BatchRunFailed, h.repo.batchRuns[0].Status)
	assert.Empty(t, h.gw.charges)
}

func TestRunBatch_SameDayRerunDoesNotChargeTwice(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))
	// The first run charged and wrote the ledger row, then failed to advance the subscription.
	h.repo.successErr = errors.New("deadlock detected")

	first, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)
	assert.Equal(t, CodeRecordFailed, first.Outcomes[0].ErrorCode)
	assert.Equal(t, 1, first.SuccessCount)

	h.repo.successErr = nil
	second, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, domain.OutcomeSkipped, second.Outcomes[0].Status)
	assert.Equal(t, CodeAlreadyCharged, second.Outcomes[0].ErrorCode)
	assert.Len(t, h.gw.charges, 1)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, time.Date(2026, time.November, 19, 0, 0, 0, 0, time.UTC), sub.NextPaymentDate)
	assert.Equal(t, domain.ProMonthlyAnalysisAllotment, h.repo.quota("user-1").MonthlyAnalysisCount)
}

func TestRunBatch_CatchesUpOverdueSubscriptions(t *testing.T) {
	h := newHarness()
	overdue := activeSub("sub-1", "user-1", 1)
	overdue.NextPaymentDate = testToday.AddDate(0, 0, -4)
	h.repo.addSubscription(overdue)

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
}

func TestRunBatch_SkipsWhenLeaseIsHeld(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))
	h.repo.addSubscription(activeSub("sub-2", "user-2", 0))
	h.svc.SetLocker(&busyLocker{busy: map[string]bool{"subscription:sub-1": true}})

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, CodeLeaseBusy, summary.Outcomes[0].ErrorCode)
	require.Len(t, h.gw.charges, 1)
	assert.Equal(t, "bk_sub-2", h.gw.charges[0].BillingKey)
}

func TestRunBatch_SkipsTargetChangedAfterSelection(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))

	targets, err := h.repo.ListPaymentTargets(t.Context(), testToday)
	require.NoError(t, err)
	_, err = h.svc.CancelSubscription(t.Context(), "user-1", CancelSubscriptionRequest{})
	require.NoError(t, err)

	outcome := h.svc.processTarget(t.Context(), targets[0], testToday)
	assert.Equal(t, domain.OutcomeSkipped, outcome.Status)
	assert.Equal(t, CodeStateChanged, outcome.ErrorCode)
	assert.Empty(t, h.gw.charges)
}

func TestRunBatch_BudgetExceededSkipsRemainingTargets(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-a", "user-a", 0))
	h.repo.addSubscription(activeSub("sub-b", "user-b", 0))
	h.repo.addSubscription(activeSub("sub-c", "user-c", 0))
	h.svc.cfg.MaxRunDuration = 90 * time.Second

	clock := testToday
	h.svc.now = func() time.Time { return clock }
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		clock = clock.Add(time.Minute)
		return nil
	}

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.SkippedCount)
	assert.Equal(t, CodeRunBudget, summary.Outcomes[2].ErrorCode)
	assert.Len(t, h.gw.charges, 2)
}

func TestRunBatch_CancelledContextSkipsRemainingTargets(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-a", "user-a", 0))
	h.repo.addSubscription(activeSub("sub-b", "user-b", 0))

	ctx, cancel := context.WithCancel(t.Context())
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := h.svc.RunBatch(ctx, testToday)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.SkippedCount)
	assert.Equal(t, CodeRunCancelled, summary.Outcomes[1].ErrorCode)
	require.Len(t, h.repo.batchRuns, 1, "audit row is written even after cancellation")
}

func TestRunBatch_PublishFailureDoesNotFailTarget(t *testing.T) {
	h := newHarness()
	h.publisher.failOn = RoutingPaymentSucceeded
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
}

func TestRunBatch_CancelDuringFailingChargeIsNotSuspended(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 2))
	h.gw.chargeErr = &gateway.Error{Code: "CARD_DECLINED", Message: "declined", Status: 400}
	h.gw.onCharge = func(gateway.ChargeRequest) {
		_, err := h.svc.CancelSubscription(context.Background(), "user-1", CancelSubscriptionRequest{})
		require.NoError(t, err)
	}

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	require.Len(t, summary.Outcomes, 1)
	outcome := summary.Outcomes[0]
	assert.Equal(t, domain.OutcomeSkipped, outcome.Status)
	assert.Equal(t, CodeStateChanged, outcome.ErrorCode)
	assert.Equal(t, 0, summary.SuspendedCount)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, domain.StatusPendingCancellation, sub.Status)
	assert.Equal(t, 2, sub.RetryCount)
	assert.NotNil(t, sub.BillingKey)
	assert.Empty(t, h.gw.deleted)
	assert.Equal(t, domain.TierPro, h.repo.quota("user-1").SubscriptionTier)
	assert.NotContains(t, h.publisher.published(), RoutingSubscriptionSuspended)
}

func TestRunBatch_CancelDuringApprovedChargeRefunds(t *testing.T) {
	h := newHarness()
	h.repo.addSubscription(activeSub("sub-1", "user-1", 0))
	h.gw.onCharge = func(gateway.ChargeRequest) {
		_, err := h.svc.CancelSubscription(context.Background(), "user-1", CancelSubscriptionRequest{})
		require.NoError(t, err)
	}

	summary, err := h.svc.RunBatch(t.Context(), testToday)
	require.NoError(t, err)

	outcome := summary.Outcomes[0]
	assert.Equal(t, domain.OutcomeSkipped, outcome.Status)
	assert.Equal(t, CodeStateChanged, outcome.ErrorCode)
	assert.Zero(t, summary.TotalAmount)
	assert.Equal(t, []string{"pay_" + OrderID(testToday, "user-1")}, h.gw.cancelled)

	sub := h.repo.sub("sub-1")
	assert.Equal(t, domain.StatusPendingCancellation, sub.Status)
	assert.Equal(t, testToday, sub.NextPaymentDate)
	assert.NotContains(t, h.publisher.published(), RoutingPaymentSucceeded)
}

func TestRunBatch_PendingCancellationIsNeverCharged(t *testing.T) {
	h := newHarness()
	pending := pendingSub(h)
	require.NotNil(t, pending.BillingKey, "credential is kept until the cancellation lapses")
	require.False(t, pending.NextPaymentDate.After(testToday))

	for _, day := range []time.Time{testToday, testToday.AddDate(0, 0, 5)} {
		summary, err := h.svc.RunBatch(t.Context(), day)
		require.NoError(t, err)
		assert.Empty(t, summary.Outcomes)
	}

	assert.Empty(t, h.gw.charges)
	assert.Empty(t, h.repo.paymentsFor("sub-1"))
	assert.Equal(t, domain.StatusPendingCancellation, h.repo.sub("sub-1").Status)
}
