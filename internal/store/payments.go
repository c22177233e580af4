package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/reportly/billing-service/internal/domain"
)

const paymentColumns = `
	id, user_id, subscription_id, order_id, payment_key, amount, status, retry_count,
	failure_code, failure_message, approved_at, created_at
`

// InsertPayment appends one charge attempt to the ledger.
func (r *Repository) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	return insertPayment(ctx, r.db, payment)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPayment(ctx context.Context, db queryRower, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (
			user_id, subscription_id, order_id, payment_key, amount, status, retry_count,
			failure_code, failure_message, approved_at
		)
		VALUES ($1, NULLIF($2, '')::UUID, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := db.QueryRow(ctx, query,
		payment.UserID,
		payment.SubscriptionID,
		payment.OrderID,
		payment.PaymentKey,
		payment.Amount,
		payment.Status,
		payment.RetryCount,
		payment.FailureCode,
		payment.FailureMessage,
		payment.ApprovedAt,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "payments_order_id_key") {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

// HasCompletedPayment reports whether the order id already has a completed ledger row.
func (r *Repository) HasCompletedPayment(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'completed')`
	if err := r.db.QueryRow(ctx, query, orderID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListPaymentsByUserID returns the user's most recent ledger rows, newest first.
func (r *Repository) ListPaymentsByUserID(ctx context.Context, userID string, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		var p domain.Payment
		var subscriptionID *string
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&subscriptionID,
			&p.OrderID,
			&p.PaymentKey,
			&p.Amount,
			&p.Status,
			&p.RetryCount,
			&p.FailureCode,
			&p.FailureMessage,
			&p.ApprovedAt,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if subscriptionID != nil {
			p.SubscriptionID = *subscriptionID
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
