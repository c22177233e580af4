package app

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/reportly/billing-service/pkg/gateway"
)

// CompensatedError is a primary failure together with the cleanup steps that could not be completed.
type CompensatedError struct {
	Err      error
	Warnings []string
}

func (e *CompensatedError) Error() string {
	if len(e.Warnings) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (cleanup warnings: %d)", e.Err, len(e.Warnings))
}

func (e *CompensatedError) Unwrap() error {
	return e.Err
}

func withWarnings(err error, warnings []string) error {
	if len(warnings) == 0 {
		return err
	}
	return &CompensatedError{Err: err, Warnings: warnings}
}

// bestEffort runs a gateway cleanup call, retrying transient gateway errors.
// A final failure is logged and returned as a warning, never as an error.
func (s *Service) bestEffort(ctx context.Context, step string, fn func(ctx context.Context) error) []string {
	backoff := retry.WithMaxRetries(s.cfg.CleanupRetries, retry.NewExponential(s.cfg.CleanupBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if gwErr, ok := gateway.AsError(err); ok && gwErr.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	s.logger.Warn("best-effort cleanup failed", "step", step, "error", err)
	return []string{fmt.Sprintf("%s: %v", step, err)}
}

func (s *Service) deleteBillingKey(ctx context.Context, billingKey string) []string {
	if billingKey == "" {
		return nil
	}
	return s.bestEffort(ctx, "delete billing key", func(ctx context.Context) error {
		return s.gateway.DeleteBillingKey(ctx, billingKey)
	})
}

func (s *Service) cancelCharge(ctx context.Context, paymentKey, reason string) []string {
	return s.bestEffort(ctx, "cancel charge", func(ctx context.Context) error {
		return s.gateway.CancelPayment(ctx, paymentKey, reason)
	})
}
