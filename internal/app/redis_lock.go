package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements per-subscription leases with redsync.
// A lease is tried exactly once; a held lease is reported as ErrLeaseBusy.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "reportly:billing"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: trimmedPrefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	name := fmt.Sprintf("%s:lease:%s", l.prefix, key)
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseBusy, key)
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	return func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("failed to release lease", "key", key, "error", err)
		}
	}, nil
}
