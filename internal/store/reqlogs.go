package store

import (
	"context"
	"fmt"
	"time"
)

// RequestLog is one row per proxy attempt, success or error.
type RequestLog struct {
	AccountID         string
	RequestID         string
	Model             string
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
	ReasoningTokens   int64
	ReasoningEffort   string
	CostUSD           float64
	LatencyMS         int64
	Status            string // success | error
	ErrorCode         string
	ErrorMessage      string
	RequestedAt       time.Time
}

// InsertRequestLogs bulk-inserts a batch inside one transaction.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []*RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs (account_id, request_id, model,
			input_tokens, output_tokens, cached_input_tokens, reasoning_tokens,
			reasoning_effort, cost_usd, latency_ms, status, error_code,
			error_message, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare request log insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		requestedAt := l.RequestedAt
		if requestedAt.IsZero() {
			requestedAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			l.AccountID, l.RequestID, l.Model,
			l.InputTokens, l.OutputTokens, l.CachedInputTokens, l.ReasoningTokens,
			l.ReasoningEffort, l.CostUSD, l.LatencyMS, l.Status, l.ErrorCode,
			l.ErrorMessage, requestedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert request log: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeRequestLogs deletes logs older than before, returning the row count.
func (s *Store) PurgeRequestLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM request_logs WHERE requested_at < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListRequestLogs returns the newest rows for one account.
func (s *Store) ListRequestLogs(ctx context.Context, accountID string, limit int) ([]*RequestLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, request_id, model,
			input_tokens, output_tokens, cached_input_tokens, reasoning_tokens,
			reasoning_effort, cost_usd, latency_ms, status, error_code,
			error_message, requested_at
		FROM request_logs WHERE account_id = ?
		ORDER BY requested_at DESC, id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var requestedAt int64
		err := rows.Scan(&l.AccountID, &l.RequestID, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.CachedInputTokens, &l.ReasoningTokens,
			&l.ReasoningEffort, &l.CostUSD, &l.LatencyMS, &l.Status, &l.ErrorCode,
			&l.ErrorMessage, &requestedAt)
		if err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		l.RequestedAt = time.Unix(requestedAt, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountRequestLogs reports rows for one account, empty id counts all.
func (s *Store) CountRequestLogs(ctx context.Context, accountID string) (int64, error) {
	var n int64
	var err error
	if accountID == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM request_logs WHERE account_id = ?", accountID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count request logs: %w", err)
	}
	return n, nil
}
