/**
 * @description
 * Core business logic for recurring subscription billing.
 * The Service owns the batch orchestrator, the charge outcome handlers,
 * the user-initiated lifecycle operations and the expiry of lapsed cancellations.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/pkg/gateway"
)

// Repository defines the database operations the service needs.
type Repository interface {
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	GetUserContact(ctx context.Context, userID string) (*domain.UserContact, error)
	GetUserQuota(ctx context.Context, userID string) (*domain.UserQuota, error)
	ResetMonthlyQuota(ctx context.Context, userID string, allotment int) error
	DowngradeUser(ctx context.Context, userID string) error

	GetSubscriptionByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	GetLatestSubscriptionByUserID(ctx context.Context, userID string) (*domain.Subscription, error)
	ListPaymentTargets(ctx context.Context, today time.Time) ([]domain.PaymentTarget, error)
	RecordChargeSuccess(ctx context.Context, subscriptionID string, expectedVersion int, nextPaymentDate time.Time) (int, error)
	RecordChargeFailure(ctx context.Context, subscriptionID string, expectedVersion, retryCount int, nextPaymentDate time.Time) (int, error)
	SuspendSubscription(ctx context.Context, subscriptionID string, expectedVersion int, suspendedAt time.Time, reason string) (*domain.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, expectedVersion int, effectiveUntil, cancelledAt time.Time, reason *string) (*domain.Subscription, error)
	InsertCancellationFeedback(ctx context.Context, subscriptionID, userID string, reason, feedback *string) error
	ReactivateSubscription(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error)
	UpdateBillingKey(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error)
	ListLapsedCancellations(ctx context.Context, today time.Time) ([]domain.Subscription, error)
	ExpireSubscription(ctx context.Context, subscriptionID string, expectedVersion int) (*domain.Subscription, error)
	CreateSubscriptionWithPayment(ctx context.Context, sub *domain.Subscription, payment *domain.Payment, monthlyAllotment int) (*domain.Subscription, error)

	InsertPayment(ctx context.Context, payment *domain.Payment) error
	HasCompletedPayment(ctx context.Context, orderID string) (bool, error)
	ListPaymentsByUserID(ctx context.Context, userID string, limit int) ([]domain.Payment, error)
	InsertBatchRun(ctx context.Context, summary *domain.BatchSummary) error
}

// Gateway defines the stored-credential operations of the billing provider.
type Gateway interface {
	IssueBillingKey(ctx context.Context, req gateway.IssueRequest) (*gateway.BillingKey, error)
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error)
	DeleteBillingKey(ctx context.Context, billingKey string) error
	CancelPayment(ctx context.Context, paymentKey, reason string) error
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// ErrLeaseBusy is returned by a Locker when another worker holds the lease.
var ErrLeaseBusy = errors.New("lease is held by another worker")

// Locker hands out short leases keyed by subscription or user.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RateLimiter admits events per scope and subject from a token bucket of limit tokens
// refilled evenly over window. A rejected event consumes nothing and reports how long
// until the next token.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Config holds the billing parameters of the service.
type Config struct {
	Price                        int64
	OrderName                    string
	ChargeDelay                  time.Duration
	RetryIntervalDays            int
	MaxRunDuration               time.Duration
	CardRegistrationLimitPerHour int
	CleanupRetries               uint64
	CleanupBackoff               time.Duration
	Location                     *time.Location
}

// Service provides the business logic for subscription billing.
type Service struct {
	repo      Repository
	gateway   Gateway
	publisher EventPublisher
	locker    Locker
	limiter   RateLimiter
	logger    *slog.Logger
	cfg       Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a new billing service.
func NewService(repo Repository, gw Gateway, publisher EventPublisher, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetryIntervalDays <= 0 {
		cfg.RetryIntervalDays = 1
	}
	if cfg.OrderName == "" {
		cfg.OrderName = "Pro monthly subscription"
	}
	if cfg.CleanupBackoff <= 0 {
		cfg.CleanupBackoff = 200 * time.Millisecond
	}

	return &Service{
		repo:      repo,
		gateway:   gw,
		publisher: publisher,
		locker:    noopLocker{},
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// SetLocker installs a distributed lease provider.
func (s *Service) SetLocker(locker Locker) {
	if locker == nil {
		s.locker = noopLocker{}
		return
	}
	s.locker = locker
}

// SetRateLimiter installs the limiter used for card registration.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// today returns the current calendar date in the business timezone.
func (s *Service) today() time.Time {
	return civilDate(s.now().In(s.cfg.Location))
}

// civilDate strips the clock and location, keeping the calendar date as UTC midnight.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// addMonthClamped adds one calendar month, clamping to the last day of the target month.
func addMonthClamped(date time.Time) time.Time {
	y, m, d := date.Date()
	lastDay := time.Date(y, m+2, 0, 0, 0, 0, 0, time.UTC).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(y, m+1, d, 0, 0, 0, 0, time.UTC)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}
