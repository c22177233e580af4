package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reportly/billing-service/internal/domain"
)

// InsertBatchRun persists the summary of one recurring batch run.
func (r *Repository) InsertBatchRun(ctx context.Context, summary *domain.BatchSummary) error {
	outcomes := summary.Outcomes
	if outcomes == nil {
		outcomes = []domain.TargetOutcome{}
	}
	outcomesJSON, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal batch outcomes: %w", err)
	}

	var runErr *string
	if summary.Error != "" {
		runErr = &summary.Error
	}

	query := `
		INSERT INTO billing_batch_runs (
			id, run_date, status, error, processed_count, success_count, failed_count,
			suspended_count, skipped_count, total_amount, started_at, finished_at,
			duration_ms, outcomes
		)
		VALUES ($1, $2::DATE, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		summary.RunID,
		summary.RunDate,
		summary.Status,
		runErr,
		summary.ProcessedCount,
		summary.SuccessCount,
		summary.FailedCount,
		summary.SuspendedCount,
		summary.SkippedCount,
		summary.TotalAmount,
		summary.StartedAt,
		summary.FinishedAt,
		summary.DurationMillis,
		outcomesJSON,
	)
	return err
}
