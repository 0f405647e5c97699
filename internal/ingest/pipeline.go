// Package ingest turns new mailbox conversations into tickets.
package ingest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/crypto"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/events"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
)

// ReasonNoEligibleAccounts is reported when no connected account may be read.
const ReasonNoEligibleAccounts = "no_eligible_accounts"

// Pipeline runs one ingestion pass over every eligible account. Accounts and conversations
// are processed one at a time.
type Pipeline struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	mailboxes mailbox.Factory
	rules     *config.Rules
	writer    *Writer
	logger    *zap.Logger

	orgDomain    string
	startTimeISO string
	now          func() time.Time
}

func NewPipeline(
	pool *pgxpool.Pool,
	encryptor *crypto.Encryptor,
	mailboxes mailbox.Factory,
	cfg *config.Config,
	rules *config.Rules,
	publisher events.Publisher,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		pool:         pool,
		encryptor:    encryptor,
		mailboxes:    mailboxes,
		rules:        rules,
		writer:       NewWriter(pool, publisher, logger),
		logger:       logger,
		orgDomain:    cfg.OrgDomain,
		startTimeISO: cfg.StartTimeISO,
		now:          time.Now,
	}
}

// Run scans every eligible account. Mailbox failures are isolated to their account or
// conversation and only show up in the report. Store failures end the run and are returned
// together with the report built so far.
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	report := newReportBuilder()

	creds, err := db.ListAccountCredentials(ctx, p.pool, p.encryptor)
	if err != nil {
		report.fail(err.Error())
		return report.Build(), err
	}

	var accounts []models.AccountCredential
	for _, cred := range creds {
		if cred.CanRead() {
			accounts = append(accounts, cred)
		}
	}
	if len(accounts) == 0 {
		report.fail(ReasonNoEligibleAccounts)
		return report.Build(), nil
	}
	report.accounts(len(accounts))

	window := ResolveWindow(p.startTimeISO, p.now())
	report.window(window, mailbox.BuildQuery(window.Used).String())
	if window.Reason != ReasonConfigured {
		p.logger.Warn("configured start time not usable, scanning the last 30 days",
			zap.String("configured", window.Configured),
			zap.String("reason", window.Reason),
		)
	}

	keywords, err := LoadKeywordSnapshot(ctx, p.pool)
	if err != nil {
		report.fail(err.Error())
		return report.Build(), err
	}

	threadIDs, err := db.ListThreadIDs(ctx, p.pool)
	if err != nil {
		report.fail(err.Error())
		return report.Build(), err
	}

	blocked, err := db.ListBlockedSenders(ctx, p.pool)
	if err != nil {
		report.fail(err.Error())
		return report.Build(), err
	}

	s := &scan{
		p:          p,
		report:     report,
		known:      NewKnownThreads(threadIDs),
		filter:     NewFilter(p.orgDomain, p.rules, blocked),
		classifier: NewClassifier(keywords, p.rules),
	}

	for _, cred := range accounts {
		if err := s.account(ctx, cred, window); err != nil {
			report.fail(err.Error())
			return report.Build(), err
		}
	}

	return report.Build(), nil
}

// scan is the state of one run.
type scan struct {
	p          *Pipeline
	report     *reportBuilder
	known      *KnownThreads
	filter     *Filter
	classifier *Classifier
}

func (s *scan) account(ctx context.Context, cred models.AccountCredential, window Window) error {
	logger := s.p.logger.With(zap.String("account", cred.Email))

	client, err := s.p.mailboxes.ForAccount(ctx, cred)
	if err != nil {
		logger.Warn("failed to open mailbox", zap.Error(err))
		s.report.listError(cred.Email, err)
		return nil
	}

	query := mailbox.BuildQuery(window.StartFor(cred.IssuedAt))
	ids, err := ListAccountConversations(ctx, client, query)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("failed to list conversations", zap.String("query", query.String()), zap.Error(err))
		s.report.listError(cred.Email, err)
		return nil
	}
	s.report.listed(len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conversation(ctx, logger, client, cred.Email, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *scan) conversation(ctx context.Context, logger *zap.Logger, client mailbox.Client, account, id string) error {
	if s.known.Has(id) {
		s.report.skip(models.SkipExistingThread, models.SkipSample{ConversationID: id})
		return nil
	}

	conv, err := client.GetConversation(ctx, id)
	if err != nil {
		logger.Warn("failed to fetch conversation", zap.String("conversation_id", id), zap.Error(err))
		s.report.fetchError()
		return nil
	}
	s.report.fetched()

	last := conv.Last()
	if last == nil {
		logger.Warn("fetched conversation has no messages", zap.String("conversation_id", id))
		s.report.skip(models.SkipEmptyConversation, models.SkipSample{ConversationID: id})
		return nil
	}

	sample := models.SkipSample{
		ConversationID: id,
		From:           last.Header("From"),
		Subject:        last.Header("Subject"),
	}

	if reason := s.filter.Check(last); reason != "" {
		s.report.skip(reason, sample)
		return nil
	}

	queue, ok := s.classifier.Classify(last.Header("To"), last.Header("Subject"), last.Body)
	if !ok {
		sample.To = last.Header("To")
		s.report.skip(models.SkipNoQueue, sample)
		return nil
	}

	res, err := s.p.writer.Write(ctx, account, conv, queue)
	if err != nil {
		return err
	}
	s.known.Add(conv.ID)

	if !res.Created {
		sample.SourceMessageID = res.SourceMessageID
		s.report.skip(res.SkipReason, sample)
		return nil
	}

	s.report.created(queue)
	logger.Info("created ticket",
		zap.String("ticket_id", res.Ticket.ID),
		zap.String("queue", queue),
		zap.String("conversation_id", conv.ID),
		zap.Int("messages", res.MessagesInserted),
	)
	return nil
}
