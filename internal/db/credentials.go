package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketdesk/internal/crypto"
	"github.com/vdavid/ticketdesk/internal/models"
)

// SaveAccountCredential stores an account's refresh credential, sealed with encryptor.
// Re-saving an account keeps its original issue time so the scan window does not move.
func SaveAccountCredential(ctx context.Context, pool *pgxpool.Pool, encryptor *crypto.Encryptor, cred *models.AccountCredential) error {
	var sealed []byte
	if cred.RefreshToken != "" {
		var err error
		sealed, err = encryptor.Encrypt(cred.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	issued := cred.IssuedAt
	if issued.IsZero() {
		err := pool.QueryRow(ctx, `SELECT NOW()`).Scan(&issued)
		if err != nil {
			return fmt.Errorf("failed to read clock: %w", err)
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO account_credentials (email, encrypted_refresh_token, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (email) DO UPDATE SET
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			scope = EXCLUDED.scope,
			updated_at = NOW()
	`, strings.ToLower(cred.Email), sealed, cred.Scope, issued)
	if err != nil {
		return fmt.Errorf("failed to save account credential: %w", err)
	}

	return nil
}

// ListAccountCredentials returns every connected account with its refresh credential opened.
func ListAccountCredentials(ctx context.Context, pool *pgxpool.Pool, encryptor *crypto.Encryptor) ([]models.AccountCredential, error) {
	rows, err := pool.Query(ctx, `
		SELECT email, encrypted_refresh_token, scope, created_at
		FROM account_credentials
		ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.AccountCredential
	for rows.Next() {
		var (
			cred   models.AccountCredential
			sealed []byte
		)
		if err := rows.Scan(&cred.Email, &sealed, &cred.Scope, &cred.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account credential: %w", err)
		}

		cred.RefreshToken, err = encryptor.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token for %s: %w", cred.Email, err)
		}

		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account credentials: %w", err)
	}

	return creds, nil
}
