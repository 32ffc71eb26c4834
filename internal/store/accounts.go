package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
)

const accountCols = `id, chatgpt_account_id, email, plan_type,
	access_token_enc, refresh_token_enc, id_token_enc, last_refresh,
	status, status_reset_at, deactivation_reason, proxy_json,
	created_at, updated_at`

func scanAccountRow(scanner interface{ Scan(...any) error }) (*account.Account, error) {
	var (
		a           account.Account
		lastRefresh int64
		createdAt   int64
		updatedAt   int64
		proxyJSON   string
	)
	err := scanner.Scan(
		&a.ID, &a.ChatGPTAccountID, &a.Email, &a.PlanType,
		&a.AccessToken, &a.RefreshToken, &a.IDToken, &lastRefresh,
		&a.Status, &a.StatusResetAt, &a.DeactivationReason, &proxyJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRefresh > 0 {
		a.LastRefresh = time.Unix(lastRefresh, 0).UTC()
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if proxyJSON != "" {
		var p account.ProxyConfig
		if err := json.Unmarshal([]byte(proxyJSON), &p); err == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by email.
func (s *Store) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	rows, err := s.accountsDB.QueryContext(ctx,
		"SELECT "+accountCols+" FROM accounts ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*account.Account, 0)
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account, nil when absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	row := s.accountsDB.QueryRowContext(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccountRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// UpsertAccount inserts or updates by id. When the id is new but the email
// already exists, the existing row is merged instead (tokens, status,
// last_refresh) to keep emails unique.
func (s *Store) UpsertAccount(ctx context.Context, a *account.Account) error {
	now := time.Now().Unix()

	var existingID string
	err := s.accountsDB.QueryRowContext(ctx,
		"SELECT id FROM accounts WHERE id = ? OR email = ?", a.ID, a.Email).Scan(&existingID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.accountsDB.ExecContext(ctx, `
			INSERT INTO accounts (`+accountCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ChatGPTAccountID, a.Email, a.PlanType,
			a.AccessToken, a.RefreshToken, a.IDToken, unixOrZero(a.LastRefresh),
			string(a.Status), a.StatusResetAt, a.DeactivationReason, proxyJSON(a.Proxy),
			now, now)
		if err != nil {
			return fmt.Errorf("insert account %s: %w", a.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup account %s: %w", a.ID, err)
	}

	_, err = s.accountsDB.ExecContext(ctx, `
		UPDATE accounts SET
			chatgpt_account_id = ?, plan_type = ?,
			access_token_enc = ?, refresh_token_enc = ?, id_token_enc = ?,
			last_refresh = ?, status = ?, status_reset_at = ?,
			deactivation_reason = ?, proxy_json = ?, updated_at = ?
		WHERE id = ?`,
		a.ChatGPTAccountID, a.PlanType,
		a.AccessToken, a.RefreshToken, a.IDToken,
		unixOrZero(a.LastRefresh), string(a.Status), a.StatusResetAt,
		a.DeactivationReason, proxyJSON(a.Proxy), now,
		existingID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", existingID, err)
	}
	return nil
}

// UpdateAccountStatus sets the lifecycle status atomically. Reactivating
// clears the deactivation reason.
func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status account.Status, resetAt int64, reason string) error {
	if status != account.StatusDeactivated {
		reason = ""
	}
	_, err := s.accountsDB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, status_reset_at = ?, deactivation_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(status), resetAt, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return nil
}

// TokenUpdate carries the fields refreshed by the auth manager. Optional
// pointers leave the stored value untouched when nil.
type TokenUpdate struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	LastRefresh      time.Time
	PlanType         *string
	Email            *string
	ChatGPTAccountID *string
}

func (s *Store) UpdateAccountTokens(ctx context.Context, id string, u TokenUpdate) error {
	query := `UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, id_token_enc = ?, last_refresh = ?, updated_at = ?`
	args := []any{u.AccessToken, u.RefreshToken, u.IDToken, unixOrZero(u.LastRefresh), time.Now().Unix()}

	if u.PlanType != nil {
		query += ", plan_type = ?"
		args = append(args, *u.PlanType)
	}
	if u.Email != nil {
		query += ", email = ?"
		args = append(args, *u.Email)
	}
	if u.ChatGPTAccountID != nil {
		query += ", chatgpt_account_id = ?"
		args = append(args, *u.ChatGPTAccountID)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.accountsDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update tokens %s: %w", id, err)
	}
	return nil
}

// DeleteAccount removes the account and everything recorded against it.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.accountsDB.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	for _, q := range []string{
		"DELETE FROM usage_history WHERE account_id = ?",
		"DELETE FROM request_logs WHERE account_id = ?",
		"DELETE FROM sticky_sessions WHERE account_id = ?",
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("cascade delete %s: %w", id, err)
		}
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func proxyJSON(p *account.ProxyConfig) string {
	if p == nil {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}
