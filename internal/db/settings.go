package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeywordSettingPrefix prefixes the settings keys holding per-queue keyword lists.
const KeywordSettingPrefix = "KEYWORDS_"

// GetSetting returns the value stored under key, or "" when it is not set.
func GetSetting(ctx context.Context, pool *pgxpool.Pool, key string) (string, error) {
	var value string
	err := pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting.
func SetSetting(ctx context.Context, pool *pgxpool.Pool, key, value string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// LoadKeywordSettings returns the raw keyword list of every queue, keyed by upper-cased queue label.
func LoadKeywordSettings(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx, `SELECT key, value FROM settings WHERE starts_with(key, $1)`, KeywordSettingPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load keyword settings: %w", err)
	}
	defer rows.Close()

	lists := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan keyword setting: %w", err)
		}
		lists[strings.ToUpper(strings.TrimPrefix(key, KeywordSettingPrefix))] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keyword settings: %w", err)
	}

	return lists, nil
}
