package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StickyGet resolves a sticky key to its pinned account id.
func (s *Store) StickyGet(ctx context.Context, key string) (string, bool, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id FROM sticky_sessions WHERE key = ?", key).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky get: %w", err)
	}
	return accountID, true, nil
}

// StickyUpsert writes the mapping, replacing any previous target.
func (s *Store) StickyUpsert(ctx context.Context, key, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sticky_sessions (key, account_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET account_id = excluded.account_id, updated_at = excluded.updated_at`,
		key, accountID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sticky upsert: %w", err)
	}
	return nil
}

func (s *Store) StickyDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sticky_sessions WHERE key = ?", key); err != nil {
		return fmt.Errorf("sticky delete: %w", err)
	}
	return nil
}

// StickyDeleteAccount drops every mapping that targets the account.
func (s *Store) StickyDeleteAccount(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sticky_sessions WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("sticky delete account: %w", err)
	}
	return nil
}

// StickyCounts returns how many sessions pin each account.
func (s *Store) StickyCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT account_id, COUNT(*) FROM sticky_sessions GROUP BY account_id")
	if err != nil {
		return nil, fmt.Errorf("sticky counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var accountID string
		var n int
		if err := rows.Scan(&accountID, &n); err != nil {
			return nil, fmt.Errorf("scan sticky count: %w", err)
		}
		counts[accountID] = n
	}
	return counts, rows.Err()
}
