package domain

import "time"

// PaymentStatus is the outcome recorded for one charge attempt.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is an append-only ledger row, one per charge attempt.
type Payment struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	SubscriptionID string        `json:"subscription_id"`
	OrderID        string        `json:"order_id"`
	PaymentKey     *string       `json:"payment_key,omitempty"`
	Amount         int64         `json:"amount"`
	Status         PaymentStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
	FailureCode    *string       `json:"failure_code,omitempty"`
	FailureMessage *string       `json:"failure_message,omitempty"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SubscriptionTier is the user's plan tier.
type SubscriptionTier string

const (
	TierFree SubscriptionTier = "free"
	TierPro  SubscriptionTier = "pro"
)

// UserQuota holds the fields of the user row that billing keeps consistent.
type UserQuota struct {
	UserID               string           `json:"user_id"`
	SubscriptionTier     SubscriptionTier `json:"subscription_tier"`
	MonthlyAnalysisCount int              `json:"monthly_analysis_count"`
	FreeAnalysisCount    int              `json:"free_analysis_count"`
}

// UserContact is the billing-contact projection of a user.
type UserContact struct {
	UserID string
	Email  string
	Name   string
}
