package db

import (
	"context"
	"fmt"
	"time"
)

// DuplicateCandidate is a ticket as seen by duplicate reconciliation.
type DuplicateCandidate struct {
	TicketID        string
	CreatedAt       time.Time
	SenderEmail     string
	Queue           string
	Subject         string
	SourceMessageID *string
	FirstBody       string
}

// EnsureSourceMessageColumn adds the source_message_id column when a database predates it.
func EnsureSourceMessageColumn(ctx context.Context, q DBTX) error {
	if _, err := q.Exec(ctx, `ALTER TABLE tickets ADD COLUMN IF NOT EXISTS source_message_id TEXT`); err != nil {
		return fmt.Errorf("failed to add source_message_id column: %w", err)
	}
	return nil
}

// EnsureSourceMessageIndex creates the partial unique index on source_message_id when it is
// missing. It fails while duplicate source ids exist.
func EnsureSourceMessageIndex(ctx context.Context, q DBTX) error {
	_, err := q.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_source_message_id
		ON tickets (source_message_id)
		WHERE source_message_id IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("failed to create source_message_id index: %w", err)
	}

	return nil
}

// ListDuplicateCandidates returns every ticket with the body of its earliest message,
// ordered by creation time then ticket id.
func ListDuplicateCandidates(ctx context.Context, q DBTX) ([]DuplicateCandidate, error) {
	rows, err := q.Query(ctx, `
		SELECT
			t.ticket_id,
			t.created_at,
			t.sender_email,
			t.queue,
			t.subject,
			t.source_message_id,
			COALESCE((
				SELECT m.body
				FROM messages m
				WHERE m.ticket_id = t.ticket_id
				ORDER BY m.sent_at, m.message_id
				LIMIT 1
			), '')
		FROM tickets t
		ORDER BY t.created_at, t.ticket_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate candidates: %w", err)
	}
	defer rows.Close()

	var candidates []DuplicateCandidate
	for rows.Next() {
		var c DuplicateCandidate
		if err := rows.Scan(
			&c.TicketID,
			&c.CreatedAt,
			&c.SenderEmail,
			&c.Queue,
			&c.Subject,
			&c.SourceMessageID,
			&c.FirstBody,
		); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate candidates: %w", err)
	}

	return candidates, nil
}

// DeleteTickets deletes the given tickets and, by cascade, their messages.
func DeleteTickets(ctx context.Context, q DBTX, ticketIDs []string) (int64, error) {
	if len(ticketIDs) == 0 {
		return 0, nil
	}

	tag, err := q.Exec(ctx, `DELETE FROM tickets WHERE ticket_id = ANY($1)`, ticketIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tickets: %w", err)
	}

	return tag.RowsAffected(), nil
}
