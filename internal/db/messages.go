package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/models"
)

// InsertMessage stores a ticket message. A message whose id or provider message id is
// already stored is ignored and reported as Conflict.
func InsertMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) (InsertOutcome, error) {
	tag, err := pool.Exec(ctx, `
		INSERT INTO messages (
			message_id,
			ticket_id,
			sent_at,
			from_address,
			to_address,
			subject,
			body,
			provider_message_id,
			thread_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`,
		message.ID,
		message.TicketID,
		message.SentAt,
		message.FromAddress,
		message.ToAddress,
		message.Subject,
		message.Body,
		message.ProviderMessageID,
		message.ThreadID,
	)
	if err != nil {
		return Conflict, fmt.Errorf("failed to insert message: %w", err)
	}

	return outcomeFromTag(tag), nil
}

// HasMessages reports whether any message is stored for the ticket.
func HasMessages(ctx context.Context, pool *pgxpool.Pool, ticketID string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE ticket_id = $1)`, ticketID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check messages for ticket: %w", err)
	}
	return exists, nil
}

// GetMessagesForTicket returns a ticket's messages, oldest first.
func GetMessagesForTicket(ctx context.Context, pool *pgxpool.Pool, ticketID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT
			message_id,
			ticket_id,
			sent_at,
			from_address,
			to_address,
			subject,
			body,
			provider_message_id,
			thread_id
		FROM messages
		WHERE ticket_id = $1
		ORDER BY sent_at, message_id
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.SentAt,
			&msg.FromAddress,
			&msg.ToAddress,
			&msg.Subject,
			&msg.Body,
			&msg.ProviderMessageID,
			&msg.ThreadID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of stored messages.
func CountMessages(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
