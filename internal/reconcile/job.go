// Package reconcile finds and removes duplicate tickets that live ingestion let through.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/metrics"
	"go.uber.org/zap"
)

// ErrIngestionRunning is returned by Apply while an ingestion run holds the run lock.
var ErrIngestionRunning = errors.New("an ingestion run is in progress, try again later")

// Job is the offline duplicate reconciliation.
type Job struct {
	pool   *pgxpool.Pool
	locker lock.Locker
	logger *zap.Logger
}

// NewJob returns a job. When locker is not nil, Apply holds the ingestion run lock while
// deleting so it never overlaps a live run.
func NewJob(pool *pgxpool.Pool, locker lock.Locker, logger *zap.Logger) *Job {
	return &Job{pool: pool, locker: locker, logger: logger}
}

// Plan computes the deletion plan without changing any ticket. It does add the
// source_message_id column when the database lacks it.
func (j *Job) Plan(ctx context.Context) (Plan, error) {
	if err := db.EnsureSourceMessageColumn(ctx, j.pool); err != nil {
		return Plan{}, err
	}

	candidates, err := db.ListDuplicateCandidates(ctx, j.pool)
	if err != nil {
		return Plan{}, err
	}

	return BuildPlan(candidates), nil
}

// Apply recomputes the plan inside a repeatable-read transaction, deletes its tickets and
// creates the source message index if it is missing. The index is built after the delete
// so a legacy database holding duplicate source ids can still be repaired. Either every
// planned ticket is deleted or none is.
func (j *Job) Apply(ctx context.Context) (Plan, int64, error) {
	if j.locker != nil {
		lease, acquired, err := j.locker.TryLock(ctx, lock.IngestRunKey)
		if err != nil {
			return Plan{}, 0, fmt.Errorf("failed to acquire ingestion lock: %w", err)
		}
		if !acquired {
			return Plan{}, 0, ErrIngestionRunning
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				j.logger.Error("failed to release ingestion lock", zap.Error(err))
			}
		}()
	}

	if err := db.EnsureSourceMessageColumn(ctx, j.pool); err != nil {
		return Plan{}, 0, err
	}

	tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return Plan{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	candidates, err := db.ListDuplicateCandidates(ctx, tx)
	if err != nil {
		return Plan{}, 0, err
	}
	plan := BuildPlan(candidates)

	deleted, err := db.DeleteTickets(ctx, tx, plan.Delete)
	if err != nil {
		return plan, 0, err
	}
	if deleted != int64(len(plan.Delete)) {
		return plan, 0, fmt.Errorf("deleted %d tickets, planned %d; rolled back", deleted, len(plan.Delete))
	}

	if err := db.EnsureSourceMessageIndex(ctx, tx); err != nil {
		return plan, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return plan, 0, fmt.Errorf("failed to commit deletions: %w", err)
	}

	metrics.RecordReconcileDeleted(int(deleted))
	j.logger.Info("duplicate tickets deleted",
		zap.Int64("deleted", deleted),
		zap.Int("source_message_groups", len(plan.SourceMessageGroups)),
		zap.Int("heuristic_groups", len(plan.HeuristicGroups)),
	)
	return plan, deleted, nil
}
