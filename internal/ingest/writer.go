package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/events"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
)

// TicketIDPrefix prefixes every ticket id.
const TicketIDPrefix = "VEN-"

const maxTicketIDAttempts = 3

// ErrTicketIDExhausted is returned when every generated ticket id was already taken.
var ErrTicketIDExhausted = errors.New("could not allocate a free ticket id")

// NewTicketID returns a short random ticket id such as VEN-3F9A12C0.
func NewTicketID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return TicketIDPrefix + strings.ToUpper(hex[:8])
}

// WriteResult describes what happened to one conversation.
type WriteResult struct {
	Ticket           *models.Ticket
	Created          bool
	SkipReason       string
	SourceMessageID  string
	MessagesInserted int
}

// Writer persists a classified conversation as a ticket with its message history.
type Writer struct {
	pool      *pgxpool.Pool
	publisher events.Publisher
	logger    *zap.Logger

	newID func() string
	now   func() time.Time
}

func NewWriter(pool *pgxpool.Pool, publisher events.Publisher, logger *zap.Logger) *Writer {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Writer{
		pool:      pool,
		publisher: publisher,
		logger:    logger,
		newID:     NewTicketID,
		now:       time.Now,
	}
}

// Write creates the ticket for conv. A ticket that already exists for the thread or for the
// source message id is not an error: the result carries the skip reason instead.
func (w *Writer) Write(ctx context.Context, account string, conv *mailbox.Conversation, queue string) (WriteResult, error) {
	last := conv.Last()
	if last == nil {
		return WriteResult{}, fmt.Errorf("conversation %s has no messages", conv.ID)
	}

	now := w.now().UTC()
	lastAt := last.InternalDate
	if lastAt.IsZero() {
		lastAt = now
	}

	result := WriteResult{SourceMessageID: mailbox.NormalizeMessageID(conv.Messages[0].Header("Message-ID"))}
	var sourceID *string
	if result.SourceMessageID != "" {
		sourceID = &result.SourceMessageID
	}

	ticket := &models.Ticket{
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          models.StatusNew,
		Priority:        models.PriorityNormal,
		Queue:           queue,
		SenderEmail:     mailbox.SenderAddress(last.Header("From")),
		ThreadID:        conv.ID,
		SourceMessageID: sourceID,
		LastMessageAt:   lastAt,
		AccountEmail:    strings.ToLower(account),
	}

	inserted := false
	for attempt := 0; attempt < maxTicketIDAttempts; attempt++ {
		ticket.ID = w.newID()
		ticket.Subject = strings.TrimSpace(fmt.Sprintf("[%s] %s", ticket.ID, last.Header("Subject")))

		outcome, err := db.InsertTicket(ctx, w.pool, ticket)
		if err != nil {
			return result, err
		}
		if outcome == db.Inserted {
			inserted = true
			break
		}

		cause, err := db.FindConflictCause(ctx, w.pool, ticket.ThreadID, sourceID)
		if err != nil {
			return result, err
		}
		if cause != db.ConflictNone {
			backfilled, err := w.backfill(ctx, conv, now, &result)
			if err != nil || backfilled {
				return result, err
			}
		}
		switch cause {
		case db.ConflictSourceMessage:
			result.SkipReason = models.SkipDuplicateMessageID
			return result, nil
		case db.ConflictThread:
			result.SkipReason = models.SkipExistingThread
			return result, nil
		}
		w.logger.Debug("ticket id already taken, retrying", zap.String("ticket_id", ticket.ID))
	}
	if !inserted {
		return result, ErrTicketIDExhausted
	}

	result.Ticket = ticket
	result.Created = true

	n, err := w.insertMessages(ctx, ticket.ID, conv, now)
	result.MessagesInserted = n
	if err != nil {
		return result, err
	}

	w.publish(ctx, ticket)
	return result, nil
}

// backfill writes the message history of conv into the ticket already holding its thread
// when an earlier run created that ticket but failed before storing any message.
func (w *Writer) backfill(ctx context.Context, conv *mailbox.Conversation, now time.Time, result *WriteResult) (bool, error) {
	existing, err := db.GetTicketByThreadID(ctx, w.pool, conv.ID)
	if errors.Is(err, db.ErrTicketNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	has, err := db.HasMessages(ctx, w.pool, existing.ID)
	if err != nil || has {
		return false, err
	}

	n, err := w.insertMessages(ctx, existing.ID, conv, now)
	if err != nil {
		return false, err
	}

	w.logger.Info("backfilled messages of incomplete ticket",
		zap.String("ticket_id", existing.ID),
		zap.String("conversation_id", conv.ID),
		zap.Int("messages", n),
	)
	result.Ticket = existing
	result.SkipReason = models.SkipExistingThread
	result.MessagesInserted = n
	return true, nil
}

func (w *Writer) insertMessages(ctx context.Context, ticketID string, conv *mailbox.Conversation, now time.Time) (int, error) {
	inserted := 0
	threadID := conv.ID
	for _, m := range conv.Messages {
		msg := &models.Message{
			TicketID:    ticketID,
			SentAt:      m.InternalDate,
			FromAddress: m.Header("From"),
			ToAddress:   m.Header("To"),
			Subject:     m.Header("Subject"),
			Body:        m.Body,
			ThreadID:    &threadID,
		}
		if msg.SentAt.IsZero() {
			msg.SentAt = now
		}
		if m.ID != "" {
			providerID := m.ID
			msg.ID = "MSG-" + providerID
			msg.ProviderMessageID = &providerID
		} else {
			msg.ID = "MSG-" + uuid.NewString()
		}

		outcome, err := db.InsertMessage(ctx, w.pool, msg)
		if err != nil {
			return inserted, fmt.Errorf("ticket %s: %w", ticketID, err)
		}
		if outcome == db.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (w *Writer) publish(ctx context.Context, ticket *models.Ticket) {
	err := w.publisher.Publish(ctx, events.RoutingTicketCreated, events.TicketCreated{
		TicketID:     ticket.ID,
		Queue:        ticket.Queue,
		SenderEmail:  ticket.SenderEmail,
		Subject:      ticket.Subject,
		ThreadID:     ticket.ThreadID,
		AccountEmail: ticket.AccountEmail,
		CreatedAt:    ticket.CreatedAt,
	})
	if err != nil {
		w.logger.Warn("failed to publish ticket event",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
	}
}
