/**
 * @description
 * This file implements the data access layer for the billing service.
 * It contains the shared repository type, error values and user queries.
 * Subscription, payment and batch-run queries live in sibling files.
 */
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reportly/billing-service/internal/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrVersionConflict      = errors.New("subscription version conflict")
	ErrDuplicateOrder       = errors.New("duplicate order id")
	ErrOpenSubscription     = errors.New("user already has an open subscription")
)

// Repository handles database operations for billing.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindUserIDByClerkUserID resolves the internal UUID from a Clerk user id string.
func (r *Repository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// GetUserContact returns the billing-contact fields of a user.
func (r *Repository) GetUserContact(ctx context.Context, userID string) (*domain.UserContact, error) {
	contact := domain.UserContact{UserID: userID}
	err := r.db.QueryRow(ctx, "SELECT email, name FROM users WHERE id = $1", userID).Scan(&contact.Email, &contact.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &contact, nil
}

// GetUserQuota returns the tier and allowance counters of a user.
func (r *Repository) GetUserQuota(ctx context.Context, userID string) (*domain.UserQuota, error) {
	quota := domain.UserQuota{UserID: userID}
	query := `
		SELECT subscription_tier, monthly_analysis_count, free_analysis_count
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(&quota.SubscriptionTier, &quota.MonthlyAnalysisCount, &quota.FreeAnalysisCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &quota, nil
}

// ResetMonthlyQuota grants the Pro allotment after a successful recurring charge.
func (r *Repository) ResetMonthlyQuota(ctx context.Context, userID string, allotment int) error {
	query := `
		UPDATE users
		SET monthly_analysis_count = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, ErrUserNotFound, query, userID, allotment)
}

// DowngradeUser moves a user back to the free tier with no Pro allowance left.
func (r *Repository) DowngradeUser(ctx context.Context, userID string) error {
	query := `
		UPDATE users
		SET subscription_tier = 'free',
		    monthly_analysis_count = 0,
		    updated_at = NOW()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, ErrUserNotFound, query, userID)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func execExpectingRow(ctx context.Context, db execer, notFound error, query string, args ...any) error {
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
