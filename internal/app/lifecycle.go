package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reportly/billing-service/internal/domain"
	"github.com/reportly/billing-service/internal/store"
	"github.com/reportly/billing-service/pkg/gateway"
)

const (
	cardRegistrationScope  = "card_registration"
	cardRegistrationWindow = time.Hour

	defaultPaymentListLimit = 12
	maxPaymentListLimit     = 100
)

// CreateSubscriptionRequest carries the card widget's authorization proof.
type CreateSubscriptionRequest struct {
	AuthKey string `json:"auth_key"`
}

// CancelSubscriptionRequest carries the optional reason and feedback of a cancellation.
type CancelSubscriptionRequest struct {
	Reason   *string `json:"reason,omitempty"`
	Feedback *string `json:"feedback,omitempty"`
}

// ReactivateSubscriptionRequest selects between the stored card and a newly registered one.
type ReactivateSubscriptionRequest struct {
	UseExistingCard bool   `json:"use_existing_card"`
	AuthKey         string `json:"auth_key,omitempty"`
}

// ChangeCardRequest carries the authorization proof of the replacement card.
type ChangeCardRequest struct {
	AuthKey string `json:"auth_key"`
}

// LifecycleResult is the subscription snapshot after a lifecycle operation.
type LifecycleResult struct {
	Subscription *domain.Subscription `json:"subscription"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// ResolveUserID maps the identity provider's user id to the internal user id.
func (s *Service) ResolveUserID(ctx context.Context, clerkUserID string) (string, error) {
	if strings.TrimSpace(clerkUserID) == "" {
		return "", fmt.Errorf("%w: user id cannot be empty", domain.ErrValidation)
	}
	userID, err := s.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", domain.ErrUserNotFound
		}
		return "", fmt.Errorf("%w: resolve user: %v", domain.ErrDatabase, err)
	}
	return userID, nil
}

// GetSubscription returns the user's open subscription, or the latest terminal one.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.repo.GetLatestSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return sub, nil
}

// GetEntitlement returns the user's tier and analysis allowance.
func (s *Service) GetEntitlement(ctx context.Context, userID string) (*domain.UserQuota, error) {
	quota, err := s.repo.GetUserQuota(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return quota, nil
}

// ListPayments returns the user's most recent ledger rows.
func (s *Service) ListPayments(ctx context.Context, userID string, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = defaultPaymentListLimit
	}
	if limit > maxPaymentListLimit {
		limit = maxPaymentListLimit
	}
	payments, err := s.repo.ListPaymentsByUserID(ctx, userID, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return payments, nil
}

// CreateSubscription registers the card, takes the first payment and opens the subscription.
// When persisting fails after the charge, the charge is cancelled and the key deleted (best-effort).
func (s *Service) CreateSubscription(ctx context.Context, userID string, req CreateSubscriptionRequest) (*LifecycleResult, error) {
	if strings.TrimSpace(req.AuthKey) == "" {
		return nil, fmt.Errorf("%w: auth_key is required", domain.ErrValidation)
	}

	release, err := s.locker.Acquire(ctx, "user:"+userID)
	if err != nil {
		return nil, leaseError(err)
	}
	defer release()

	existing, err := s.repo.GetLatestSubscriptionByUserID(ctx, userID)
	switch {
	case err == nil && !existing.Status.IsTerminal():
		return nil, domain.ErrAlreadySubscribed
	case err != nil && !errors.Is(err, store.ErrSubscriptionNotFound):
		return nil, mapStoreError(err)
	}

	contact, err := s.repo.GetUserContact(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if err := s.consumeCardRegistration(ctx, userID); err != nil {
		return nil, err
	}

	customerKey := uuid.NewString()
	issued, err := s.gateway.IssueBillingKey(ctx, gateway.IssueRequest{AuthKey: req.AuthKey, CustomerKey: customerKey})
	if err != nil {
		return nil, gatewayError("issue billing key", err)
	}

	today := s.today()
	orderID := FirstOrderID(today, userID)
	charge, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		BillingKey:    issued.BillingKey,
		CustomerKey:   customerKey,
		Amount:        s.cfg.Price,
		OrderID:       orderID,
		OrderName:     s.cfg.OrderName,
		CustomerEmail: contact.Email,
		CustomerName:  contact.Name,
	})
	if err != nil {
		warnings := s.deleteBillingKey(context.WithoutCancel(ctx), issued.BillingKey)
		return nil, withWarnings(gatewayError("first charge", err), warnings)
	}

	approvedAt := charge.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = s.now().UTC()
	}
	billingKey := issued.BillingKey
	paymentKey := charge.PaymentKey
	sub := &domain.Subscription{
		UserID:          userID,
		CustomerKey:     customerKey,
		BillingKey:      &billingKey,
		Price:           s.cfg.Price,
		Status:          domain.StatusActive,
		NextPaymentDate: addMonthClamped(today),
		AutoRenewal:     true,
		CardLast4Digits: issued.Card.Last4(),
		CardType:        issued.Card.CardType,
	}
	payment := &domain.Payment{
		UserID:     userID,
		OrderID:    orderID,
		PaymentKey: &paymentKey,
		Amount:     s.cfg.Price,
		Status:     domain.PaymentCompleted,
		ApprovedAt: &approvedAt,
	}

	created, err := s.repo.CreateSubscriptionWithPayment(ctx, sub, payment, domain.ProMonthlyAnalysisAllotment)
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		warnings := s.cancelCharge(cleanupCtx, charge.PaymentKey, "subscription creation failed")
		warnings = append(warnings, s.deleteBillingKey(cleanupCtx, issued.BillingKey)...)
		s.logger.Error("failed to persist new subscription", "user_id", userID, "order_id", orderID, "error", err)

		if errors.Is(err, store.ErrOpenSubscription) {
			return nil, withWarnings(domain.ErrAlreadySubscribed, warnings)
		}
		return nil, withWarnings(mapStoreError(err), warnings)
	}

	s.logger.Info("subscription created", "subscription_id", created.ID, "user_id", userID, "order_id", orderID)
	event := subscriptionEvent(created)
	event.OrderID = orderID
	event.Amount = s.cfg.Price
	event.NextPaymentDate = &created.NextPaymentDate
	s.publishEvent(ctx, RoutingSubscriptionCreated, event)

	return &LifecycleResult{Subscription: created}, nil
}

// CancelSubscription moves an active subscription to pending_cancellation. Paid benefits
// continue through the current next_payment_date, which becomes effective_until.
// The stored credential stays on the row until the cancellation lapses.
func (s *Service) CancelSubscription(ctx context.Context, userID string, req CancelSubscriptionRequest) (*LifecycleResult, error) {
	return s.withUserSubscription(ctx, userID, domain.EventCancel, func(sub *domain.Subscription) (*LifecycleResult, error) {
		reason := trimmedOrNil(req.Reason)
		feedback := trimmedOrNil(req.Feedback)

		updated, err := s.repo.CancelSubscription(ctx, sub.ID, sub.Version, sub.NextPaymentDate, s.now().UTC(), reason)
		if err != nil {
			return nil, mapStoreError(err)
		}

		var warnings []string
		if reason != nil || feedback != nil {
			if err := s.repo.InsertCancellationFeedback(ctx, sub.ID, userID, reason, feedback); err != nil {
				s.logger.Warn("failed to store cancellation feedback", "subscription_id", sub.ID, "error", err)
				warnings = append(warnings, fmt.Sprintf("store cancellation feedback: %v", err))
			}
		}

		s.logger.Info("subscription cancelled", "subscription_id", sub.ID, "user_id", userID)
		s.publishEvent(ctx, RoutingSubscriptionCancelled, subscriptionEvent(updated))
		return &LifecycleResult{Subscription: updated, Warnings: warnings}, nil
	})
}

// ReactivateSubscription returns a pending cancellation to active, either with the stored
// card or with a newly registered one. A replaced key is deleted best-effort.
func (s *Service) ReactivateSubscription(ctx context.Context, userID string, req ReactivateSubscriptionRequest) (*LifecycleResult, error) {
	if !req.UseExistingCard && strings.TrimSpace(req.AuthKey) == "" {
		return nil, fmt.Errorf("%w: auth_key is required when registering a new card", domain.ErrValidation)
	}

	return s.withUserSubscription(ctx, userID, domain.EventReactivate, func(sub *domain.Subscription) (*LifecycleResult, error) {
		if req.UseExistingCard {
			if !sub.HasBillingKey() {
				return nil, fmt.Errorf("%w: no stored card on file", domain.ErrCannotReactivate)
			}
			card := domain.Card{Last4Digits: sub.CardLast4Digits, CardType: sub.CardType}
			updated, err := s.repo.ReactivateSubscription(ctx, sub.ID, sub.Version, *sub.BillingKey, card)
			if err != nil {
				return nil, mapStoreError(err)
			}
			s.publishEvent(ctx, RoutingSubscriptionReactivated, subscriptionEvent(updated))
			return &LifecycleResult{Subscription: updated}, nil
		}

		issued, err := s.registerCard(ctx, userID, sub.CustomerKey, req.AuthKey)
		if err != nil {
			return nil, err
		}
		card := domain.Card{Last4Digits: issued.Card.Last4(), CardType: issued.Card.CardType}
		updated, err := s.repo.ReactivateSubscription(ctx, sub.ID, sub.Version, issued.BillingKey, card)
		if err != nil {
			warnings := s.deleteBillingKey(context.WithoutCancel(ctx), issued.BillingKey)
			return nil, withWarnings(mapStoreError(err), warnings)
		}

		var warnings []string
		if sub.HasBillingKey() && *sub.BillingKey != issued.BillingKey {
			warnings = s.deleteBillingKey(ctx, *sub.BillingKey)
		}

		s.logger.Info("subscription reactivated with new card", "subscription_id", sub.ID, "user_id", userID)
		s.publishEvent(ctx, RoutingSubscriptionReactivated, subscriptionEvent(updated))
		return &LifecycleResult{Subscription: updated, Warnings: warnings}, nil
	})
}

// ChangeCard replaces the stored credential of an active subscription.
// Status and next_payment_date are left untouched.
func (s *Service) ChangeCard(ctx context.Context, userID string, req ChangeCardRequest) (*LifecycleResult, error) {
	if strings.TrimSpace(req.AuthKey) == "" {
		return nil, fmt.Errorf("%w: auth_key is required", domain.ErrValidation)
	}

	return s.withUserSubscription(ctx, userID, domain.EventChangeCard, func(sub *domain.Subscription) (*LifecycleResult, error) {
		issued, err := s.registerCard(ctx, userID, sub.CustomerKey, req.AuthKey)
		if err != nil {
			return nil, err
		}

		card := domain.Card{Last4Digits: issued.Card.Last4(), CardType: issued.Card.CardType}
		updated, err := s.repo.UpdateBillingKey(ctx, sub.ID, sub.Version, issued.BillingKey, card)
		if err != nil {
			warnings := s.deleteBillingKey(context.WithoutCancel(ctx), issued.BillingKey)
			return nil, withWarnings(mapStoreError(err), warnings)
		}

		var warnings []string
		if sub.HasBillingKey() && *sub.BillingKey != issued.BillingKey {
			warnings = s.deleteBillingKey(ctx, *sub.BillingKey)
		}

		s.logger.Info("subscription card changed", "subscription_id", sub.ID, "user_id", userID)
		s.publishEvent(ctx, RoutingCardChanged, subscriptionEvent(updated))
		return &LifecycleResult{Subscription: updated, Warnings: warnings}, nil
	})
}

// withUserSubscription loads the user's current subscription under its lease, checks that
// the event is allowed from its status and runs fn against the fresh row.
func (s *Service) withUserSubscription(ctx context.Context, userID string, event domain.SubscriptionEvent, fn func(sub *domain.Subscription) (*LifecycleResult, error)) (*LifecycleResult, error) {
	latest, err := s.repo.GetLatestSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	release, err := s.locker.Acquire(ctx, subscriptionLeaseKey(latest.ID))
	if err != nil {
		return nil, leaseError(err)
	}
	defer release()

	sub, err := s.repo.GetSubscriptionByID(ctx, latest.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	if !domain.CanFire(sub.Status, event) {
		if event == domain.EventReactivate {
			return nil, fmt.Errorf("%w: status is %s", domain.ErrCannotReactivate, sub.Status)
		}
		return nil, fmt.Errorf("%w: cannot %s a %s subscription", domain.ErrInvalidState, event, sub.Status)
	}

	return fn(sub)
}

func (s *Service) registerCard(ctx context.Context, userID, customerKey, authKey string) (*gateway.BillingKey, error) {
	if err := s.consumeCardRegistration(ctx, userID); err != nil {
		return nil, err
	}
	issued, err := s.gateway.IssueBillingKey(ctx, gateway.IssueRequest{AuthKey: authKey, CustomerKey: customerKey})
	if err != nil {
		return nil, gatewayError("issue billing key", err)
	}
	return issued, nil
}

// consumeCardRegistration enforces the hourly card-registration limit. Limiter outages fail open.
func (s *Service) consumeCardRegistration(ctx context.Context, userID string) error {
	if s.limiter == nil || s.cfg.CardRegistrationLimitPerHour <= 0 {
		return nil
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, cardRegistrationScope, userID, s.cfg.CardRegistrationLimitPerHour, cardRegistrationWindow)
	if err != nil {
		s.logger.Warn("card registration rate limiter unavailable", "user_id", userID, "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	return &RateLimitError{RetryAfterSeconds: max(int(math.Ceil(retryAfter.Seconds())), 1)}
}

// RateLimitError reports a rejected request and when it may be retried.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %ds", domain.ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrRateLimited
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func leaseError(err error) error {
	if errors.Is(err, ErrLeaseBusy) {
		return fmt.Errorf("%w: another operation is in progress", domain.ErrConcurrentModification)
	}
	return fmt.Errorf("%w: acquire lease: %v", domain.ErrInternal, err)
}

// GatewayError wraps a typed gateway failure so callers can read its code and message.
type GatewayError struct {
	Op  string
	Err *gateway.Error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%v: %s: %v", domain.ErrGateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	return []error{domain.ErrGateway, e.Err}
}

func gatewayError(op string, err error) error {
	if gwErr, ok := gateway.AsError(err); ok {
		return &GatewayError{Op: op, Err: gwErr}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGateway, op, err)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrSubscriptionNotFound):
		return domain.ErrSubscriptionNotFound
	case errors.Is(err, store.ErrUserNotFound):
		return domain.ErrUserNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return domain.ErrConcurrentModification
	case errors.Is(err, store.ErrOpenSubscription):
		return domain.ErrAlreadySubscribed
	default:
		return fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
}
