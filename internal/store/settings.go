package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Settings is the single-row process-wide configuration the selector reads.
type Settings struct {
	StickyThreadsEnabled       bool     `json:"stickyThreadsEnabled"`
	PreferEarlierResetAccounts bool     `json:"preferEarlierResetAccounts"`
	PinnedAccountIDs           []string `json:"pinnedAccountIds"`
}

func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	var (
		sticky int
		prefer int
		pinned string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sticky_threads_enabled, prefer_earlier_reset_accounts, pinned_account_ids
		FROM settings WHERE id = 1`).Scan(&sticky, &prefer, &pinned)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	out := &Settings{
		StickyThreadsEnabled:       sticky != 0,
		PreferEarlierResetAccounts: prefer != 0,
	}
	if pinned != "" {
		if err := json.Unmarshal([]byte(pinned), &out.PinnedAccountIDs); err != nil {
			return nil, fmt.Errorf("decode pinned ids: %w", err)
		}
	}
	return out, nil
}

// UpdateSettings persists the settings row. Pinned ids are deduplicated
// preserving order.
func (s *Store) UpdateSettings(ctx context.Context, settings *Settings) error {
	seen := make(map[string]struct{}, len(settings.PinnedAccountIDs))
	pinned := make([]string, 0, len(settings.PinnedAccountIDs))
	for _, id := range settings.PinnedAccountIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		pinned = append(pinned, id)
	}
	encoded, err := json.Marshal(pinned)
	if err != nil {
		return fmt.Errorf("encode pinned ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE settings SET sticky_threads_enabled = ?, prefer_earlier_reset_accounts = ?, pinned_account_ids = ?
		WHERE id = 1`,
		boolInt(settings.StickyThreadsEnabled), boolInt(settings.PreferEarlierResetAccounts), string(encoded))
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
