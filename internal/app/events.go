package app

import (
	"context"
	"time"

	"github.com/reportly/billing-service/internal/domain"
)

// EventsExchange is the topic exchange billing events are published on.
const EventsExchange = "reportly.events"

const (
	RoutingPaymentSucceeded        = "billing.payment.succeeded"
	RoutingPaymentFailed           = "billing.payment.failed"
	RoutingSubscriptionCreated     = "billing.subscription.created"
	RoutingSubscriptionSuspended   = "billing.subscription.suspended"
	RoutingSubscriptionCancelled   = "billing.subscription.cancelled"
	RoutingSubscriptionReactivated = "billing.subscription.reactivated"
	RoutingCardChanged             = "billing.subscription.card_changed"
	RoutingSubscriptionExpired     = "billing.subscription.expired"
)

type billingEvent struct {
	UserID          string                    `json:"user_id"`
	SubscriptionID  string                    `json:"subscription_id"`
	Status          domain.SubscriptionStatus `json:"status,omitempty"`
	OrderID         string                    `json:"order_id,omitempty"`
	Amount          int64                     `json:"amount,omitempty"`
	RetryCount      int                       `json:"retry_count"`
	NextPaymentDate *time.Time                `json:"next_payment_date,omitempty"`
	EffectiveUntil  *time.Time                `json:"effective_until,omitempty"`
	FailureCode     string                    `json:"failure_code,omitempty"`
	FailureMessage  string                    `json:"failure_message,omitempty"`
	Timestamp       time.Time                 `json:"timestamp"`
}

func subscriptionEvent(sub *domain.Subscription) billingEvent {
	return billingEvent{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		RetryCount:     sub.RetryCount,
		EffectiveUntil: sub.EffectiveUntil,
	}
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event billingEvent) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = s.now().UTC()

	if err := s.publisher.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish billing event", "routing_key", routingKey, "subscription_id", event.SubscriptionID, "error", err)
	}
}
