/**
 * @description
 * This file defines the core domain models for the billing service.
 * It includes the Subscription entity, its status values, and the
 * transient PaymentTarget projection used by the recurring batch.
 */
package domain

import "time"

// SubscriptionStatus is the lifecycle state of a subscription row.
type SubscriptionStatus string

const (
	StatusActive              SubscriptionStatus = "active"
	StatusPendingCancellation SubscriptionStatus = "pending_cancellation"
	StatusSuspended           SubscriptionStatus = "suspended"
	StatusCancelled           SubscriptionStatus = "cancelled"
)

// IsTerminal reports whether no user or system transition leaves this status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusSuspended || s == StatusCancelled
}

const (
	// MaxConsecutiveFailures is the number of failed charges in a row that suspends a subscription.
	MaxConsecutiveFailures = 3

	// ProMonthlyAnalysisAllotment is the monthly_analysis_count granted on every successful charge.
	ProMonthlyAnalysisAllotment = 10

	// SuspensionReason is recorded as cancellation_reason on suspension.
	SuspensionReason = "payment failure (3x)"
)

// Subscription represents the structure of a user's subscription in the database.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	CustomerKey        string             `json:"-"`
	BillingKey         *string            `json:"-"`
	Price              int64              `json:"price"`
	Status             SubscriptionStatus `json:"status"`
	NextPaymentDate    time.Time          `json:"next_payment_date"`
	RetryCount         int                `json:"retry_count"`
	AutoRenewal        bool               `json:"auto_renewal"`
	EffectiveUntil     *time.Time         `json:"effective_until,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancellationReason *string            `json:"cancellation_reason,omitempty"`
	CardLast4Digits    string             `json:"card_last_4digits"`
	CardType           string             `json:"card_type"`
	Version            int                `json:"-"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasBillingKey reports whether the subscription still references a stored credential.
func (s *Subscription) HasBillingKey() bool {
	return s.BillingKey != nil && *s.BillingKey != ""
}

// Chargeable reports whether the recurring batch may charge this subscription.
func (s *Subscription) Chargeable() bool {
	return s.Status == StatusActive && s.HasBillingKey()
}

// PaymentTarget is a subscription due for charging joined with the owner's contact fields.
// It is produced by the selector for one batch run and never persisted.
type PaymentTarget struct {
	SubscriptionID  string
	UserID          string
	CustomerKey     string
	BillingKey      string
	Price           int64
	RetryCount      int
	NextPaymentDate time.Time
	Version         int
	Email           string
	Name            string
}

// Card holds the display-only fields of a stored credential.
type Card struct {
	Last4Digits string
	CardType    string
}
