package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceramicnetwork/go-cas/internal/config"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

// AnchorBatchLockID serializes batch claiming across worker processes.
const AnchorBatchLockID = 0x6361735f616e6368 // "cas_anch"

// AdvisoryLocker wraps Postgres session-level advisory locks. The lock is
// tied to one pooled connection, which is held for the whole critical
// section so the session cannot be recycled out from under the lock.
type AdvisoryLocker struct {
	pool       *pgxpool.Pool
	attempts   int
	retryDelay time.Duration
}

// NewAdvisoryLocker creates an AdvisoryLocker with the configured retry
// policy.
func NewAdvisoryLocker(pool *pgxpool.Pool, cfg config.AnchorConfig) *AdvisoryLocker {
	return &AdvisoryLocker{
		pool:       pool,
		attempts:   cfg.MutexAttempts,
		retryDelay: cfg.MutexRetryDelay,
	}
}

// WithLock runs fn while holding the advisory lock. If the lock cannot be
// taken after the configured attempts, ErrMutexAcquisition is returned and
// fn never runs.
func (l *AdvisoryLocker) WithLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	locked := false
	for attempt := 0; attempt < l.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&locked); err != nil {
			return err
		}
		if locked {
			break
		}
	}
	if !locked {
		return apierrors.ErrMutexAcquisition
	}
	defer func() {
		// Best effort: releasing the connection would drop the session
		// lock anyway, but unlocking keeps the session clean for reuse.
		var unlocked bool
		_ = conn.QueryRow(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID).Scan(&unlocked)
	}()

	return fn(ctx)
}
