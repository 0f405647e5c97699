package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/models"
	"github.com/vdavid/ticketdesk/internal/testutil"
)

func TestRunLog(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := GetLatestRun(ctx, pool)
	assert.ErrorIs(t, err, ErrRunNotFound)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first := &models.RunRecord{
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Trigger:    models.TriggerCron,
		Outcome:    models.OutcomeSuccess,
		Report: &models.RunReport{
			OK:      true,
			Created: 2,
			Skips:   map[string]int{models.SkipNewsletter: 1},
			Samples: map[string][]models.SkipSample{
				models.SkipNewsletter: {{ConversationID: "T1", From: "news@shop.example"}},
			},
		},
	}
	require.NoError(t, InsertRun(ctx, pool, first))
	assert.NotZero(t, first.ID)

	actor := "boss@vendora.se"
	second := &models.RunRecord{
		StartedAt:  start.Add(time.Hour),
		FinishedAt: start.Add(time.Hour),
		Trigger:    models.TriggerManual,
		ActorEmail: &actor,
		Outcome:    models.OutcomeAlreadyRunning,
		Report:     &models.RunReport{OK: true},
	}
	require.NoError(t, InsertRun(ctx, pool, second))

	latest, err := GetLatestRun(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, models.TriggerManual, latest.Trigger)
	require.NotNil(t, latest.ActorEmail)
	assert.Equal(t, actor, *latest.ActorEmail)
	assert.Equal(t, models.OutcomeAlreadyRunning, latest.Outcome)
	require.NotNil(t, latest.Report)
	assert.True(t, latest.Report.OK)

	_, err = pool.Exec(ctx, `DELETE FROM run_log WHERE id = $1`, second.ID)
	require.NoError(t, err)

	latest, err = GetLatestRun(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Report.Created)
	assert.Equal(t, 1, latest.Report.SkipCount(models.SkipNewsletter))
	assert.Equal(t, "T1", latest.Report.Samples[models.SkipNewsletter][0].ConversationID)
}
