package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/models"
)

// ErrRunNotFound is returned when the run log is empty.
var ErrRunNotFound = errors.New("no ingestion run recorded")

// InsertRun appends a run to the run log and sets record.ID.
func InsertRun(ctx context.Context, pool *pgxpool.Pool, record *models.RunRecord) error {
	report, err := json.Marshal(record.Report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO run_log (started_at, finished_at, trigger, actor_email, outcome, report)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		record.StartedAt,
		record.FinishedAt,
		record.Trigger,
		record.ActorEmail,
		record.Outcome,
		report,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// GetLatestRun returns the most recently finished run.
func GetLatestRun(ctx context.Context, pool *pgxpool.Pool) (*models.RunRecord, error) {
	var (
		record models.RunRecord
		report []byte
	)
	err := pool.QueryRow(ctx, `
		SELECT id, started_at, finished_at, trigger, actor_email, outcome, report
		FROM run_log
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`).Scan(
		&record.ID,
		&record.StartedAt,
		&record.FinishedAt,
		&record.Trigger,
		&record.ActorEmail,
		&record.Outcome,
		&report,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	if len(report) > 0 && string(report) != "null" {
		record.Report = &models.RunReport{}
		if err := json.Unmarshal(report, record.Report); err != nil {
			return nil, fmt.Errorf("failed to decode run report: %w", err)
		}
	}

	return &record, nil
}
