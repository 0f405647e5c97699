package reconcile_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/models"
	"github.com/vdavid/ticketdesk/internal/reconcile"
	"github.com/vdavid/ticketdesk/internal/testutil"
	"go.uber.org/zap"
)

var seeded = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seedTicket(t *testing.T, pool *pgxpool.Pool, id string, offset time.Duration, source *string) {
	t.Helper()
	ctx := context.Background()

	created := seeded.Add(offset)
	outcome, err := db.InsertTicket(ctx, pool, &models.Ticket{
		ID:              id,
		CreatedAt:       created,
		UpdatedAt:       created,
		Subject:         "[" + id + "] Damaged order",
		Status:          models.StatusNew,
		Priority:        models.PriorityNormal,
		Queue:           models.QueueRMA,
		SenderEmail:     "customer@example.com",
		ThreadID:        "thread-" + id,
		SourceMessageID: source,
		LastMessageAt:   created,
		AccountEmail:    "support@vendora.se",
	})
	require.NoError(t, err)
	require.Equal(t, db.Inserted, outcome)

	_, err = db.InsertMessage(ctx, pool, &models.Message{
		ID:       "MSG-" + id,
		TicketID: id,
		SentAt:   created,
		Body:     strings.Repeat("My order arrived damaged, please advise. ", 2),
	})
	require.NoError(t, err)
}

func ticketIDs(t *testing.T, pool *pgxpool.Pool) []string {
	t.Helper()
	rows, err := pool.Query(context.Background(), `SELECT ticket_id FROM tickets ORDER BY ticket_id`)
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

func TestJob(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	seedTicket(t, pool, "VEN-1", 0, nil)
	seedTicket(t, pool, "VEN-2", 5*time.Minute, nil)
	seedTicket(t, pool, "VEN-3", 40*time.Minute, nil)

	locker := lock.NewMemoryLocker()
	job := reconcile.NewJob(pool, locker, zap.NewNop())

	t.Run("plan does not delete", func(t *testing.T) {
		plan, err := job.Plan(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"VEN-2"}, plan.Delete)
		assert.Equal(t, []string{"VEN-1", "VEN-2", "VEN-3"}, ticketIDs(t, pool))
	})

	t.Run("apply is refused while ingestion runs", func(t *testing.T) {
		lease, ok, err := locker.TryLock(ctx, lock.IngestRunKey)
		require.NoError(t, err)
		require.True(t, ok)

		_, _, err = job.Apply(ctx)
		require.ErrorIs(t, err, reconcile.ErrIngestionRunning)
		assert.Len(t, ticketIDs(t, pool), 3)

		require.NoError(t, lease.Release(ctx))
	})

	t.Run("apply deletes duplicates and their messages", func(t *testing.T) {
		plan, deleted, err := job.Apply(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		assert.Equal(t, 1, plan.Summary().TicketsToDelete)
		assert.Equal(t, []string{"VEN-1", "VEN-3"}, ticketIDs(t, pool))

		msgs, err := db.GetMessagesForTicket(ctx, pool, "VEN-2")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.False(t, locker.Held(lock.IngestRunKey))
	})

	t.Run("second apply is a no-op", func(t *testing.T) {
		_, deleted, err := job.Apply(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestJobRepairsLegacySourceMessageDuplicates(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `DROP INDEX IF EXISTS uq_tickets_source_message_id`)
	require.NoError(t, err)

	source := "<m1@example.com>"
	seedTicket(t, pool, "VEN-2", 0, &source)
	seedTicket(t, pool, "VEN-1", 0, &source)
	seedTicket(t, pool, "VEN-3", time.Minute, &source)

	job := reconcile.NewJob(pool, nil, zap.NewNop())

	plan, err := job.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, plan.SourceMessageGroups, 1)
	assert.Equal(t, "VEN-1", plan.SourceMessageGroups[0].Keep)
	assert.Equal(t, []string{"VEN-2", "VEN-3"}, plan.Delete)

	_, deleted, err := job.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, []string{"VEN-1"}, ticketIDs(t, pool))

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_tickets_source_message_id')`,
	).Scan(&exists))
	assert.True(t, exists, "index is created once duplicates are gone")
}
