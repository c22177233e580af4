package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reportly/billing-service/internal/domain"
)

const subscriptionColumns = `
	id, user_id, customer_key, billing_key, price, status, next_payment_date, retry_count,
	auto_renewal, effective_until, cancelled_at, cancellation_reason, card_last_4digits,
	card_type, version, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.CustomerKey,
		&sub.BillingKey,
		&sub.Price,
		&sub.Status,
		&sub.NextPaymentDate,
		&sub.RetryCount,
		&sub.AutoRenewal,
		&sub.EffectiveUntil,
		&sub.CancelledAt,
		&sub.CancellationReason,
		&sub.CardLast4Digits,
		&sub.CardType,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// scanVersioned maps a missing row from a version-guarded UPDATE to ErrVersionConflict.
func scanVersioned(row pgx.Row) (*domain.Subscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionByID retrieves a subscription by its id.
func (r *Repository) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetLatestSubscriptionByUserID retrieves the user's open subscription, or the most recent
// terminal one when nothing is open.
func (r *Repository) GetLatestSubscriptionByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status IN ('active', 'pending_cancellation')) DESC, created_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListPaymentTargets returns every active, chargeable subscription due on or before today,
// joined with the owner's contact fields, oldest due date first.
func (r *Repository) ListPaymentTargets(ctx context.Context, today time.Time) ([]domain.PaymentTarget, error) {
	query := `
		SELECT s.id, s.user_id, s.customer_key, s.billing_key, s.price, s.retry_count,
		       s.next_payment_date, s.version, u.email, u.name
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.status = 'active'
		  AND s.billing_key IS NOT NULL
		  AND s.next_payment_date <= $1::DATE
		ORDER BY s.next_payment_date ASC, s.created_at ASC
	`
	rows, err := r.db.Query(ctx, query, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := []domain.PaymentTarget{}
	for rows.Next() {
		var t domain.PaymentTarget
		if err := rows.Scan(
			&t.SubscriptionID,
			&t.UserID,
			&t.CustomerKey,
			&t.BillingKey,
			&t.Price,
			&t.RetryCount,
			&t.NextPaymentDate,
			&t.Version,
			&t.Email,
			&t.Name,
		); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// RecordChargeSuccess advances the due date and clears the failure streak of an active row
// still at expectedVersion. It returns the new row version.
func (r *Repository) RecordChargeSuccess(ctx context.Context, subscriptionID string, expectedVersion int, nextPaymentDate time.Time) (int, error) {
	query := `
		UPDATE subscriptions
		SET next_payment_date = $3::DATE,
		    retry_count = 0,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active'
		RETURNING version
	`
	return r.updateReturningVersion(ctx, query, subscriptionID, expectedVersion, nextPaymentDate)
}

// RecordChargeFailure stores the new failure streak length and the next retry date
// of an active row still at expectedVersion.
func (r *Repository) RecordChargeFailure(ctx context.Context, subscriptionID string, expectedVersion, retryCount int, nextPaymentDate time.Time) (int, error) {
	query := `
		UPDATE subscriptions
		SET retry_count = $3,
		    next_payment_date = $4::DATE,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active'
		RETURNING version
	`
	return r.updateReturningVersion(ctx, query, subscriptionID, expectedVersion, retryCount, nextPaymentDate)
}

func (r *Repository) updateReturningVersion(ctx context.Context, query string, args ...any) (int, error) {
	return scanVersion(r.db.QueryRow(ctx, query, args...))
}

// scanVersion reads the RETURNING version of a guarded UPDATE. No row means ErrVersionConflict.
func scanVersion(row pgx.Row) (int, error) {
	var version int
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrVersionConflict
		}
		return 0, err
	}
	return version, nil
}

// SuspendSubscription demotes an active subscription after repeated charge failures.
func (r *Repository) SuspendSubscription(ctx context.Context, subscriptionID string, expectedVersion int, suspendedAt time.Time, reason string) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'suspended',
		    billing_key = NULL,
		    auto_renewal = FALSE,
		    cancelled_at = $3,
		    cancellation_reason = $4,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active'
		RETURNING ` + subscriptionColumns
	return scanVersioned(r.db.QueryRow(ctx, query, subscriptionID, expectedVersion, suspendedAt, reason))
}

// CancelSubscription moves an active subscription to pending_cancellation.
// Benefits stay valid through effectiveUntil.
func (r *Repository) CancelSubscription(ctx context.Context, subscriptionID string, expectedVersion int, effectiveUntil, cancelledAt time.Time, reason *string) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'pending_cancellation',
		    auto_renewal = FALSE,
		    effective_until = $3::DATE,
		    cancelled_at = $4,
		    cancellation_reason = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active'
		RETURNING ` + subscriptionColumns
	return scanVersioned(r.db.QueryRow(ctx, query, subscriptionID, expectedVersion, effectiveUntil, cancelledAt, reason))
}

// InsertCancellationFeedback stores the optional reason and free-text feedback of a cancellation.
func (r *Repository) InsertCancellationFeedback(ctx context.Context, subscriptionID, userID string, reason, feedback *string) error {
	query := `
		INSERT INTO subscription_cancellations (subscription_id, user_id, reason, feedback)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, subscriptionID, userID, reason, feedback)
	return err
}

// ReactivateSubscription returns a pending_cancellation subscription to active with the given credential.
func (r *Repository) ReactivateSubscription(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'active',
		    auto_renewal = TRUE,
		    billing_key = $3,
		    card_last_4digits = $4,
		    card_type = $5,
		    retry_count = 0,
		    effective_until = NULL,
		    cancelled_at = NULL,
		    cancellation_reason = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'pending_cancellation'
		RETURNING ` + subscriptionColumns
	return scanVersioned(r.db.QueryRow(ctx, query, subscriptionID, expectedVersion, billingKey, card.Last4Digits, card.CardType))
}

// UpdateBillingKey swaps the stored credential of an active subscription.
func (r *Repository) UpdateBillingKey(ctx context.Context, subscriptionID string, expectedVersion int, billingKey string, card domain.Card) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET billing_key = $3,
		    card_last_4digits = $4,
		    card_type = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active'
		RETURNING ` + subscriptionColumns
	return scanVersioned(r.db.QueryRow(ctx, query, subscriptionID, expectedVersion, billingKey, card.Last4Digits, card.CardType))
}

// ListLapsedCancellations returns pending cancellations whose paid period ended on or before today.
func (r *Repository) ListLapsedCancellations(ctx context.Context, today time.Time) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'pending_cancellation'
		  AND effective_until <= $1::DATE
		ORDER BY effective_until ASC
	`
	rows, err := r.db.Query(ctx, query, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ExpireSubscription closes a lapsed pending cancellation and drops its credential.
func (r *Repository) ExpireSubscription(ctx context.Context, subscriptionID string, expectedVersion int) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'cancelled',
		    billing_key = NULL,
		    auto_renewal = FALSE,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'pending_cancellation'
		RETURNING ` + subscriptionColumns
	return scanVersioned(r.db.QueryRow(ctx, query, subscriptionID, expectedVersion))
}

// CreateSubscriptionWithPayment inserts the subscription, promotes the user to pro and records
// the first completed payment in one transaction.
func (r *Repository) CreateSubscriptionWithPayment(ctx context.Context, sub *domain.Subscription, payment *domain.Payment, monthlyAllotment int) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	insertSub := `
		INSERT INTO subscriptions (
			user_id, customer_key, billing_key, price, status, next_payment_date,
			retry_count, auto_renewal, card_last_4digits, card_type
		)
		VALUES ($1, $2, $3, $4, 'active', $5::DATE, 0, TRUE, $6, $7)
		RETURNING ` + subscriptionColumns
	created, err := scanSubscription(tx.QueryRow(ctx, insertSub,
		sub.UserID,
		sub.CustomerKey,
		sub.BillingKey,
		sub.Price,
		sub.NextPaymentDate,
		sub.CardLast4Digits,
		sub.CardType,
	))
	if err != nil {
		if isUniqueViolation(err, "subscriptions_user_open_idx") {
			return nil, ErrOpenSubscription
		}
		return nil, fmt.Errorf("insert subscription: %w", err)
	}

	promote := `
		UPDATE users
		SET subscription_tier = 'pro',
		    monthly_analysis_count = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	if err := execExpectingRow(ctx, tx, ErrUserNotFound, promote, sub.UserID, monthlyAllotment); err != nil {
		return nil, fmt.Errorf("promote user: %w", err)
	}

	payment.SubscriptionID = created.ID
	if err := insertPayment(ctx, tx, payment); err != nil {
		return nil, fmt.Errorf("insert first payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}
