package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BlockSender adds a sender address to the blocklist. Blocking twice is a no-op.
func BlockSender(ctx context.Context, pool *pgxpool.Pool, email string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO blocklist (email) VALUES ($1)
		ON CONFLICT (email) DO NOTHING
	`, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("failed to block sender: %w", err)
	}
	return nil
}

// ListBlockedSenders returns every blocked address, lower-cased.
func ListBlockedSenders(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT lower(email) FROM blocklist`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan blocked sender: %w", err)
		}
		senders = append(senders, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked senders: %w", err)
	}

	return senders, nil
}
