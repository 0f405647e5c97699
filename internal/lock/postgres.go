package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses transaction-scoped advisory locks. The lock lives as long as the
// transaction opened for it, so a dropped connection releases it too.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// AdvisoryKey maps a lock name onto the bigint key space of pg_try_advisory_xact_lock.
func AdvisoryKey(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (Lease, bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, AdvisoryKey(key)).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}

	if !acquired {
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to end lock transaction: %w", err)
		}
		return nil, false, nil
	}

	return &pgLease{tx: tx}, true, nil
}

type pgLease struct {
	mu sync.Mutex
	tx pgx.Tx
}

// Release commits the lock transaction, which drops the advisory lock.
func (l *pgLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tx == nil {
		return ErrLeaseReleased
	}
	tx := l.tx
	l.tx = nil

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
