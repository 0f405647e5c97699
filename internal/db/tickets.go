package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/models"
)

// ErrTicketNotFound is returned when a requested ticket cannot be found.
var ErrTicketNotFound = errors.New("ticket not found")

// ConflictCause says which uniqueness constraint an ignored ticket insert ran into.
type ConflictCause int

const (
	// ConflictNone means no ticket holds the thread or source message id, so the
	// conflict was on the ticket id itself.
	ConflictNone ConflictCause = iota
	ConflictThread
	ConflictSourceMessage
)

const ticketColumns = `
	ticket_id, created_at, updated_at, subject, status, priority, queue, owner_email,
	sender_email, thread_id, source_message_id, last_message_at, tags, account_email`

// InsertTicket inserts a ticket unless it collides with an existing ticket id, thread id
// or source message id. A collision is reported as Conflict, not as an error.
func InsertTicket(ctx context.Context, pool *pgxpool.Pool, ticket *models.Ticket) (InsertOutcome, error) {
	tag, err := pool.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
	`,
		ticket.ID,
		ticket.CreatedAt,
		ticket.UpdatedAt,
		ticket.Subject,
		ticket.Status,
		ticket.Priority,
		ticket.Queue,
		ticket.OwnerEmail,
		ticket.SenderEmail,
		ticket.ThreadID,
		ticket.SourceMessageID,
		ticket.LastMessageAt,
		ticket.Tags,
		ticket.AccountEmail,
	)
	if err != nil {
		return Conflict, fmt.Errorf("failed to insert ticket: %w", err)
	}

	return outcomeFromTag(tag), nil
}

// FindConflictCause reports which existing ticket, if any, blocks a ticket with the given
// thread id and source message id. A source message match wins over a thread match.
func FindConflictCause(ctx context.Context, pool *pgxpool.Pool, threadID string, sourceMessageID *string) (ConflictCause, error) {
	var bySource, byThread bool
	err := pool.QueryRow(ctx, `
		SELECT
			COALESCE(bool_or(source_message_id = $2), false),
			COALESCE(bool_or(thread_id = $1), false)
		FROM tickets
		WHERE thread_id = $1 OR ($2::text IS NOT NULL AND source_message_id = $2)
	`, threadID, sourceMessageID).Scan(&bySource, &byThread)
	if err != nil {
		return ConflictNone, fmt.Errorf("failed to check ticket conflict: %w", err)
	}

	switch {
	case bySource:
		return ConflictSourceMessage, nil
	case byThread:
		return ConflictThread, nil
	default:
		return ConflictNone, nil
	}
}

// ListThreadIDs returns the thread id of every ticket that has at least one message.
// A ticket whose message history was never written is left out so a later run can
// backfill it.
func ListThreadIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT t.thread_id
		FROM tickets t
		WHERE EXISTS (SELECT 1 FROM messages m WHERE m.ticket_id = t.ticket_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread ids: %w", err)
	}

	return ids, nil
}

// GetTicket returns the ticket with the given id.
func GetTicket(ctx context.Context, pool *pgxpool.Pool, ticketID string) (*models.Ticket, error) {
	ticket, err := scanTicket(pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return ticket, nil
}

// GetTicketByThreadID returns the ticket created from the given conversation.
func GetTicketByThreadID(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Ticket, error) {
	ticket, err := scanTicket(pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE thread_id = $1`, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket by thread: %w", err)
	}
	return ticket, nil
}

// CountTickets returns the number of tickets in the store.
func CountTickets(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return n, nil
}

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.Subject,
		&t.Status,
		&t.Priority,
		&t.Queue,
		&t.OwnerEmail,
		&t.SenderEmail,
		&t.ThreadID,
		&t.SourceMessageID,
		&t.LastMessageAt,
		&t.Tags,
		&t.AccountEmail,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
