package domain

import "errors"

// Error taxonomy shared by the billing service and the HTTP layer.
var (
	ErrValidation             = errors.New("validation failed")
	ErrAlreadySubscribed      = errors.New("already subscribed")
	ErrCannotReactivate       = errors.New("subscription cannot be reactivated")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrInvalidState           = errors.New("invalid subscription state")
	ErrConcurrentModification = errors.New("subscription was modified concurrently")
	ErrRateLimited            = errors.New("too many requests")
	ErrDatabase               = errors.New("database error")
	ErrGateway                = errors.New("billing gateway error")
	ErrInternal               = errors.New("internal error")
)
