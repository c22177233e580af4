package domain

import "time"

// OutcomeStatus classifies what happened to one target in a batch run.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSuspended OutcomeStatus = "suspended"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// BatchRunStatus is the overall state recorded for a batch run.
type BatchRunStatus string

const (
	BatchRunCompleted BatchRunStatus = "completed"
	BatchRunFailed    BatchRunStatus = "failed"
)

// TargetOutcome is the per-target detail of a batch run.
type TargetOutcome struct {
	SubscriptionID string        `json:"subscription_id"`
	UserID         string        `json:"user_id"`
	OrderID        string        `json:"order_id"`
	Status         OutcomeStatus `json:"status"`
	Amount         int64         `json:"amount,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	RetryCount     int           `json:"retry_count"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// BatchSummary is returned by, and persisted for, every recurring batch run.
type BatchSummary struct {
	RunID          string          `json:"run_id"`
	RunDate        time.Time       `json:"run_date"`
	Status         BatchRunStatus  `json:"status"`
	Error          string          `json:"error,omitempty"`
	ProcessedCount int             `json:"processed_count"`
	SuccessCount   int             `json:"success_count"`
	FailedCount    int             `json:"failed_count"`
	SuspendedCount int             `json:"suspended_count"`
	SkippedCount   int             `json:"skipped_count"`
	TotalAmount    int64           `json:"total_amount"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	DurationMillis int64           `json:"duration_ms"`
	Outcomes       []TargetOutcome `json:"outcomes"`
}

// ExpirySummary reports the result of lapsing pending cancellations.
type ExpirySummary struct {
	RunDate   time.Time `json:"run_date"`
	Evaluated int       `json:"evaluated"`
	Expired   int       `json:"expired"`
	Failed    int       `json:"failed"`
	Warnings  []string  `json:"warnings,omitempty"`
}
