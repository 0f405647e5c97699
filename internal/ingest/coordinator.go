package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/metrics"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
)

// Runner performs one ingestion pass.
type Runner interface {
	Run(ctx context.Context) (*models.RunReport, error)
}

// RunRecorder persists the outcome of a run.
type RunRecorder interface {
	RecordRun(ctx context.Context, record *models.RunRecord) error
}

// RunLog records runs in the run_log table.
type RunLog struct {
	pool *pgxpool.Pool
}

func NewRunLog(pool *pgxpool.Pool) *RunLog {
	return &RunLog{pool: pool}
}

func (l *RunLog) RecordRun(ctx context.Context, record *models.RunRecord) error {
	return db.InsertRun(ctx, l.pool, record)
}

// LatestRun returns the most recent run, or db.ErrRunNotFound.
func (l *RunLog) LatestRun(ctx context.Context) (*models.RunRecord, error) {
	return db.GetLatestRun(ctx, l.pool)
}

// Coordinator lets at most one ingestion run execute at a time and records every outcome.
type Coordinator struct {
	locker   lock.Locker
	runner   Runner
	recorder RunRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewCoordinator(locker lock.Locker, runner Runner, recorder RunRecorder, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		locker:   locker,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts an ingestion run unless one is already in flight, in which case it returns an
// already-running record without error. actor is the administrator behind a manual trigger.
func (c *Coordinator) Run(ctx context.Context, trigger, actor string) (*models.RunRecord, error) {
	record := &models.RunRecord{
		StartedAt: c.now().UTC(),
		Trigger:   trigger,
	}
	if actor != "" {
		record.ActorEmail = &actor
	}

	logger := c.logger.With(zap.String("trigger", trigger))

	lease, acquired, err := c.locker.TryLock(ctx, lock.IngestRunKey)
	if err != nil {
		err = fmt.Errorf("failed to acquire ingestion lock: %w", err)
		record.Outcome = models.OutcomeFailed
		record.Report = failedReport(err.Error())
		return record, c.finish(ctx, logger, record, err)
	}

	if !acquired {
		logger.Info("ingestion already running, skipping")
		record.Outcome = models.OutcomeAlreadyRunning
		record.Report = alreadyRunningReport()
		return record, c.finish(ctx, logger, record, nil)
	}

	report, runErr := c.runLocked(ctx, lease, logger)
	if report == nil {
		report = failedReport("")
	}
	record.Report = report
	record.Outcome = outcomeOf(report, runErr)
	if runErr != nil && report.Reason == "" {
		report.OK = false
		report.Reason = runErr.Error()
	}

	return record, c.finish(ctx, logger, record, runErr)
}

// runLocked runs the pipeline and releases the lease when it returns, including on panic.
func (c *Coordinator) runLocked(ctx context.Context, lease lock.Lease, logger *zap.Logger) (*models.RunReport, error) {
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to release ingestion lock", zap.Error(err))
		}
	}()
	return c.runner.Run(ctx)
}

func (c *Coordinator) finish(ctx context.Context, logger *zap.Logger, record *models.RunRecord, runErr error) error {
	record.FinishedAt = c.now().UTC()
	duration := record.FinishedAt.Sub(record.StartedAt)
	metrics.RecordRun(record.Trigger, record.Outcome, duration)

	fields := []zap.Field{
		zap.String("outcome", record.Outcome),
		zap.Duration("duration", duration),
		zap.Int("created", record.Report.Created),
		zap.Int("fetch_errors", record.Report.FetchErrors),
		zap.Int("list_errors", len(record.Report.ListErrors)),
	}
	if runErr != nil {
		logger.Error("ingestion run failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("ingestion run finished", fields...)
	}

	if err := c.recorder.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("failed to record ingestion run", zap.Error(err))
		return errors.Join(runErr, fmt.Errorf("failed to record run: %w", err))
	}
	return runErr
}

func outcomeOf(report *models.RunReport, runErr error) string {
	switch {
	case runErr != nil || !report.OK:
		return models.OutcomeFailed
	case report.FetchErrors > 0 || len(report.ListErrors) > 0:
		return models.OutcomePartial
	default:
		return models.OutcomeSuccess
	}
}

func failedReport(reason string) *models.RunReport {
	r := newReportBuilder()
	r.fail(reason)
	return r.Build()
}

func alreadyRunningReport() *models.RunReport {
	r := newReportBuilder()
	r.r.Reason = models.OutcomeAlreadyRunning
	return r.Build()
}
