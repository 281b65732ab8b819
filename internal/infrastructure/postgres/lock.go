package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Lock implements domain.Locker with a single-row lease per lock name.
// The row's locked_until is the TTL safety net: if release never happens,
// the next acquirer steals the lock once the lease expires.
type Lock struct {
	pool *pgxpool.Pool
}

// NewLock creates a new postgres Lock.
func NewLock(pool *pgxpool.Pool) *Lock {
	return &Lock{pool: pool}
}

// Acquire takes the named lock for at most ttl. The insert-or-steal is a
// single atomic statement: the conditional DO UPDATE only fires on an
// expired lease, so exactly one caller wins.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO processor_locks (name, locked_until)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (name) DO UPDATE SET locked_until = EXCLUDED.locked_until
		WHERE processor_locks.locked_until < now()
	`, name, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release frees the named lock.
func (l *Lock) Release(ctx context.Context, name string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM processor_locks WHERE name = $1`, name); err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}
