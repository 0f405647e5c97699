package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/events"
	"github.com/vdavid/ticketdesk/internal/ingest"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
	"github.com/vdavid/ticketdesk/internal/testutil"
	"go.uber.org/zap"
)

var received = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TicketCreated
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if routingKey == events.RoutingTicketCreated {
		p.events = append(p.events, payload.(events.TicketCreated))
	}
	return nil
}

type testEnv struct {
	pool      *pgxpool.Pool
	factory   *testutil.FakeFactory
	publisher *recordingPublisher
	pipeline  *ingest.Pipeline
}

func newTestEnv(t *testing.T, accounts ...string) *testEnv {
	t.Helper()
	ctx := context.Background()

	pool := testutil.NewTestDB(t)
	enc := testutil.GetTestEncryptor(t)

	factory := &testutil.FakeFactory{Mailboxes: make(map[string]*testutil.FakeMailbox)}
	for _, email := range accounts {
		require.NoError(t, db.SaveAccountCredential(ctx, pool, enc, &models.AccountCredential{
			Email:        email,
			RefreshToken: "refresh-" + email,
			Scope:        models.ScopeGmailReadonly + " " + models.ScopeGmailSend,
			IssuedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}))
		factory.Mailboxes[email] = testutil.NewFakeMailbox()
	}

	require.NoError(t, db.SetSetting(ctx, pool, db.KeywordSettingPrefix+models.QueueRMA, "retur, rma, trasig"))
	require.NoError(t, db.SetSetting(ctx, pool, db.KeywordSettingPrefix+models.QueueFinance, "faktura, invoice"))

	cfg := &config.Config{OrgDomain: "vendora.se", StartTimeISO: "2026-02-11T20:00:00"}
	publisher := &recordingPublisher{}

	return &testEnv{
		pool:      pool,
		factory:   factory,
		publisher: publisher,
		pipeline:  ingest.NewPipeline(pool, enc, factory, cfg, config.DefaultRules(cfg.OrgDomain), publisher, zap.NewNop()),
	}
}

func (e *testEnv) counts(t *testing.T) (tickets, messages int) {
	t.Helper()
	ctx := context.Background()
	tickets, err := db.CountTickets(ctx, e.pool)
	require.NoError(t, err)
	messages, err = db.CountMessages(ctx, e.pool)
	require.NoError(t, err)
	return tickets, messages
}

// withMessageID replaces the Message-ID header of m.
func withMessageID(m mailbox.Message, messageID string) mailbox.Message {
	for i, h := range m.Headers {
		if h.Name == "Message-ID" {
			m.Headers[i].Value = messageID
		}
	}
	return m
}

func TestPipelineRun(t *testing.T) {
	env := newTestEnv(t, "support@vendora.se")
	mb := env.factory.Mailboxes["support@vendora.se"]

	mb.Add("t-rma",
		testutil.Mail("m1", "Kund <kund@example.com>", "support@vendora.se", "Trasig laddare", "Laddaren fungerar inte, faktura bifogad.", received),
		testutil.Mail("m2", "Support <support@vendora.se>", "kund@example.com", "Re: Trasig laddare", "Skicka den till oss.", received.Add(time.Hour)),
		testutil.Mail("m3", "Kund <kund@example.com>", "support@vendora.se", "Re: Trasig laddare", "Okej!", received.Add(2*time.Hour)),
	)
	mb.Add("t-alias", testutil.Mail("m4", "buyer@example.org", "Sales <sales@vendora.se>", "Offert", "Kan ni skicka ett pris?", received))
	mb.Add("t-internal", testutil.Mail("m5", "anna@vendora.se", "support@vendora.se", "Lunch?", "", received))
	mb.Add("t-news", testutil.Mail("m6", "news@brand.example", "support@vendora.se", "Vårens kampanjer", "Shop now", received))
	mb.Add("t-noqueue", testutil.Mail("m7", "someone@example.net", "info@vendora.se", "Hej", "Bara en fråga", received))
	mb.Add("t-nosender", testutil.Mail("m8", "MAILER-DAEMON", "support@vendora.se", "Undeliverable", "", received))
	mb.Add("t-broken", testutil.Mail("m9", "kund@example.com", "support@vendora.se", "x", "y", received))
	mb.FetchErr["t-broken"] = errors.New("500 backend error")

	report, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.AccountsScanned)
	assert.Equal(t, 7, report.ConversationsListed)
	assert.Equal(t, 6, report.ConversationsFetched)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, 1, report.SkipCount(models.SkipInternalSender))
	assert.Equal(t, 1, report.SkipCount(models.SkipNewsletter))
	assert.Equal(t, 1, report.SkipCount(models.SkipNoQueue))
	assert.Equal(t, 1, report.SkipCount(models.SkipMissingSender))
	assert.Equal(t, "after:2026/02/11 -in:chats -in:drafts -in:trash", report.Query)
	assert.Equal(t, ingest.ReasonConfigured, report.StartTimeReason)
	require.Len(t, report.Samples[models.SkipNoQueue], 1)
	assert.Equal(t, "info@vendora.se", report.Samples[models.SkipNoQueue][0].To)

	ctx := context.Background()

	ticket, err := db.GetTicketByThreadID(ctx, env.pool, "t-rma")
	require.NoError(t, err)
	assert.Equal(t, models.QueueRMA, ticket.Queue, "classified on the last message")
	assert.Equal(t, models.StatusNew, ticket.Status)
	assert.Equal(t, models.PriorityNormal, ticket.Priority)
	assert.Nil(t, ticket.OwnerEmail)
	assert.Equal(t, "kund@example.com", ticket.SenderEmail)
	assert.True(t, strings.HasPrefix(ticket.ID, ingest.TicketIDPrefix))
	assert.Equal(t, "["+ticket.ID+"] Re: Trasig laddare", ticket.Subject)
	assert.True(t, received.Add(2*time.Hour).Equal(ticket.LastMessageAt))
	require.NotNil(t, ticket.SourceMessageID)
	assert.Equal(t, "m1@mail.example.com", *ticket.SourceMessageID)

	messages, err := db.GetMessagesForTicket(ctx, env.pool, ticket.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "MSG-m1", messages[0].ID)
	require.NotNil(t, messages[0].ProviderMessageID)
	assert.Equal(t, "m1", *messages[0].ProviderMessageID)

	alias, err := db.GetTicketByThreadID(ctx, env.pool, "t-alias")
	require.NoError(t, err)
	assert.Equal(t, models.QueueSales, alias.Queue)

	assert.Len(t, env.publisher.events, 2)
}

func TestPipelineIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "support@vendora.se")
	mb := env.factory.Mailboxes["support@vendora.se"]
	mb.Add("t1", testutil.Mail("m1", "kund@example.com", "support@vendora.se", "Retur", "Jag vill returnera", received))
	mb.Add("t2", testutil.Mail("m2", "other@example.com", "invoice@vendora.se", "Betalning", "Hur betalar jag?", received))

	ctx := context.Background()

	first, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	tickets, messages := env.counts(t)

	fetchesBefore := mb.Fetches
	second, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.SkipCount(models.SkipExistingThread))
	assert.Equal(t, fetchesBefore, mb.Fetches, "known threads are not fetched again")

	ticketsAfter, messagesAfter := env.counts(t)
	assert.Equal(t, tickets, ticketsAfter)
	assert.Equal(t, messages, messagesAfter)
}

func TestPipelineSingleTicketPerThread(t *testing.T) {
	env := newTestEnv(t, "rma@vendora.se", "support@vendora.se")
	conv := testutil.Mail("m1", "kund@example.com", "rma@vendora.se, support@vendora.se", "Retur", "Trasig", received)
	env.factory.Mailboxes["rma@vendora.se"].Add("shared-thread", conv)
	env.factory.Mailboxes["support@vendora.se"].Add("shared-thread", conv)

	report, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.SkipCount(models.SkipExistingThread))

	tickets, _ := env.counts(t)
	assert.Equal(t, 1, tickets)
}

func TestPipelineDuplicateSourceMessageID(t *testing.T) {
	env := newTestEnv(t, "support@vendora.se")
	mb := env.factory.Mailboxes["support@vendora.se"]
	mb.Add("T1", withMessageID(testutil.Mail("a1", "kund@example.com", "support@vendora.se", "Retur", "Trasig", received), "<msg-1>"))
	mb.Add("T2", withMessageID(testutil.Mail("a2", "kund@example.com", "support@vendora.se", "Retur", "Trasig", received), "<MSG-1>"))

	report, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.SkipCount(models.SkipDuplicateMessageID))
	require.Len(t, report.Samples[models.SkipDuplicateMessageID], 1)
	assert.Equal(t, "msg-1", report.Samples[models.SkipDuplicateMessageID][0].SourceMessageID)

	ctx := context.Background()
	_, err = db.GetTicketByThreadID(ctx, env.pool, "T1")
	require.NoError(t, err)
	_, err = db.GetTicketByThreadID(ctx, env.pool, "T2")
	require.ErrorIs(t, err, db.ErrTicketNotFound)

	tickets, messages := env.counts(t)
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 1, messages)
}

func TestPipelineCountsEmptyConversations(t *testing.T) {
	env := newTestEnv(t, "support@vendora.se")
	mb := env.factory.Mailboxes["support@vendora.se"]
	mb.Add("t-empty")
	mb.Add("t1", testutil.Mail("m1", "kund@example.com", "support@vendora.se", "Retur", "Trasig", received))

	report, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ConversationsFetched)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.SkipCount(models.SkipEmptyConversation))
	require.Len(t, report.Samples[models.SkipEmptyConversation], 1)
	assert.Equal(t, "t-empty", report.Samples[models.SkipEmptyConversation][0].ConversationID)
}

func TestPipelineBackfillsTicketWithoutMessages(t *testing.T) {
	env := newTestEnv(t, "support@vendora.se")
	ctx := context.Background()

	source := "m1@mail.example.com"
	_, err := db.InsertTicket(ctx, env.pool, &models.Ticket{
		ID:              "VEN-PARTIAL",
		CreatedAt:       received,
		UpdatedAt:       received,
		Subject:         "[VEN-PARTIAL] Retur",
		Status:          models.StatusNew,
		Priority:        models.PriorityNormal,
		Queue:           models.QueueRMA,
		SenderEmail:     "kund@example.com",
		ThreadID:        "t1",
		SourceMessageID: &source,
		LastMessageAt:   received,
		AccountEmail:    "support@vendora.se",
	})
	require.NoError(t, err)

	mb := env.factory.Mailboxes["support@vendora.se"]
	mb.Add("t1",
		testutil.Mail("m1", "kund@example.com", "support@vendora.se", "Retur", "Trasig", received),
		testutil.Mail("m2", "kund@example.com", "support@vendora.se", "Re: Retur", "Hallå?", received.Add(time.Hour)),
	)

	first, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Created)
	assert.Equal(t, 1, first.SkipCount(models.SkipExistingThread))
	assert.Equal(t, 1, mb.Fetches, "a ticket without messages is not a known thread")

	messages, err := db.GetMessagesForTicket(ctx, env.pool, "VEN-PARTIAL")
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	second, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.SkipCount(models.SkipExistingThread))
	assert.Equal(t, 1, mb.Fetches, "complete tickets are skipped before fetching")

	tickets, stored := env.counts(t)
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 2, stored)
}

func TestPipelineIsolatesAccountErrors(t *testing.T) {
	env := newTestEnv(t, "broken@vendora.se", "support@vendora.se")
	env.factory.Mailboxes["broken@vendora.se"].ListErr = errors.New("invalid_grant")
	env.factory.Mailboxes["support@vendora.se"].Add("t1", testutil.Mail("m1", "kund@example.com", "support@vendora.se", "Retur", "", received))

	report, err := env.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.ListErrors, 1)
	assert.Equal(t, "broken@vendora.se", report.ListErrors[0].Account)
	assert.Equal(t, "invalid_grant", report.ListErrors[0].Error)
}

func TestPipelineNoEligibleAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, db.SaveAccountCredential(ctx, env.pool, testutil.GetTestEncryptor(t), &models.AccountCredential{
		Email:        "sender-only@vendora.se",
		RefreshToken: "r",
		Scope:        models.ScopeGmailSend,
	}))

	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, ingest.ReasonNoEligibleAccounts, report.Reason)
}

// gatedFactory blocks the first mailbox lookup until released.
type gatedFactory struct {
	inner   mailbox.Factory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedFactory) ForAccount(ctx context.Context, cred models.AccountCredential) (mailbox.Client, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.inner.ForAccount(ctx, cred)
}

func TestCoordinatorWithPostgresLock(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestDB(t)
	enc := testutil.GetTestEncryptor(t)

	require.NoError(t, db.SaveAccountCredential(ctx, pool, enc, &models.AccountCredential{
		Email:        "support@vendora.se",
		RefreshToken: "r",
		Scope:        models.ScopeGmailReadonly,
	}))
	mb := testutil.NewFakeMailbox()
	mb.Add("t1", testutil.Mail("m1", "kund@example.com", "rma@vendora.se", "Hej", "", received))
	mb.Add("t2", testutil.Mail("m2", "kund2@example.com", "rma@vendora.se", "Hej", "", received))

	gate := &gatedFactory{
		inner:   &testutil.FakeFactory{Mailboxes: map[string]*testutil.FakeMailbox{"support@vendora.se": mb}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg := &config.Config{OrgDomain: "vendora.se", StartTimeISO: "2026-02-11"}
	pipeline := ingest.NewPipeline(pool, enc, gate, cfg, config.DefaultRules(cfg.OrgDomain), nil, zap.NewNop())

	// Two coordinators sharing only the database, like two server replicas.
	runLog := ingest.NewRunLog(pool)
	a := ingest.NewCoordinator(lock.NewPostgresLocker(pool), pipeline, runLog, zap.NewNop())
	b := ingest.NewCoordinator(lock.NewPostgresLocker(pool), pipeline, runLog, zap.NewNop())

	done := make(chan *models.RunRecord)
	go func() {
		record, err := a.Run(ctx, models.TriggerCron, "")
		assert.NoError(t, err)
		done <- record
	}()

	<-gate.entered
	skipped, err := b.Run(ctx, models.TriggerManual, "boss@vendora.se")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyRunning, skipped.Outcome)
	assert.Equal(t, 0, skipped.Report.Created)

	close(gate.release)
	ran := <-done
	assert.Equal(t, models.OutcomeSuccess, ran.Outcome)
	assert.Equal(t, 2, ran.Report.Created)

	tickets, err := db.CountTickets(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 2, tickets)

	latest, err := db.GetLatestRun(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, ran.ID, latest.ID)
	assert.Equal(t, models.OutcomeSuccess, latest.Outcome)

	again, err := b.Run(ctx, models.TriggerManual, "boss@vendora.se")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, again.Outcome, "lock is free after the first run")
	assert.Equal(t, 0, again.Report.Created)
}
