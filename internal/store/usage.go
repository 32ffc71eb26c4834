package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codexlb/codex-lb/internal/usage"
)

// effectiveWindowExpr reclassifies legacy primary rows spanning a day or
// more as secondary, mirroring usage.EffectiveWindow in SQL.
const effectiveWindowExpr = `CASE
	WHEN (usage_window = '' OR usage_window = 'primary') AND window_minutes >= 1440 THEN 'secondary'
	WHEN usage_window = '' THEN 'primary'
	ELSE usage_window
END`

const usageCols = `id, account_id, recorded_at, usage_window, used_percent,
	reset_at, window_minutes, input_tokens, output_tokens,
	has_credits, unlimited_credits, credit_balance`

// AddUsage appends one snapshot. RecordedAt defaults to now.
func (s *Store) AddUsage(ctx context.Context, snap *usage.Snapshot) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	window := snap.Window
	if window == "" {
		window = usage.WindowPrimary
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history (account_id, recorded_at, usage_window, used_percent,
			reset_at, window_minutes, input_tokens, output_tokens,
			has_credits, unlimited_credits, credit_balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AccountID, recordedAt.Unix(), string(window), snap.UsedPercent,
		snap.ResetAt, snap.WindowMinutes, snap.InputTokens, snap.OutputTokens,
		boolInt(snap.HasCredits), boolInt(snap.UnlimitedCredits), snap.CreditBalance)
	if err != nil {
		return fmt.Errorf("add usage %s: %w", snap.AccountID, err)
	}
	return nil
}

func scanUsageRow(scanner interface{ Scan(...any) error }) (*usage.Snapshot, error) {
	var (
		snap       usage.Snapshot
		recordedAt int64
		window     string
		hasCredits int
		unlimited  int
	)
	err := scanner.Scan(
		&snap.ID, &snap.AccountID, &recordedAt, &window, &snap.UsedPercent,
		&snap.ResetAt, &snap.WindowMinutes, &snap.InputTokens, &snap.OutputTokens,
		&hasCredits, &unlimited, &snap.CreditBalance,
	)
	if err != nil {
		return nil, err
	}
	snap.RecordedAt = time.Unix(recordedAt, 0).UTC()
	snap.Window = usage.Window(window)
	snap.HasCredits = hasCredits != 0
	snap.UnlimitedCredits = unlimited != 0
	return &snap, nil
}

// LatestByAccount returns the most recent snapshot per account for one
// effective window. Latest means max recorded_at, then max id.
func (s *Store) LatestByAccount(ctx context.Context, window usage.Window) (map[string]*usage.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageCols+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY account_id ORDER BY recorded_at DESC, id DESC
			) AS rn
			FROM usage_history
			WHERE `+effectiveWindowExpr+` = ?
		) WHERE rn = 1`, string(window))
	if err != nil {
		return nil, fmt.Errorf("latest usage %s: %w", window, err)
	}
	defer rows.Close()

	out := make(map[string]*usage.Snapshot)
	for rows.Next() {
		snap, err := scanUsageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out[snap.AccountID] = snap
	}
	return out, rows.Err()
}

// LatestPrimarySecondary returns both windows' latest snapshots per account
// in one round-trip.
func (s *Store) LatestPrimarySecondary(ctx context.Context) (primary, secondary map[string]*usage.Snapshot, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageCols+`, eff FROM (
			SELECT *, `+effectiveWindowExpr+` AS eff, ROW_NUMBER() OVER (
				PARTITION BY account_id, `+effectiveWindowExpr+`
				ORDER BY recorded_at DESC, id DESC
			) AS rn
			FROM usage_history
		) WHERE rn = 1`)
	if err != nil {
		return nil, nil, fmt.Errorf("latest usage both windows: %w", err)
	}
	defer rows.Close()

	primary = make(map[string]*usage.Snapshot)
	secondary = make(map[string]*usage.Snapshot)
	for rows.Next() {
		var (
			snap       usage.Snapshot
			recordedAt int64
			window     string
			hasCredits int
			unlimited  int
			eff        string
		)
		err := rows.Scan(
			&snap.ID, &snap.AccountID, &recordedAt, &window, &snap.UsedPercent,
			&snap.ResetAt, &snap.WindowMinutes, &snap.InputTokens, &snap.OutputTokens,
			&hasCredits, &unlimited, &snap.CreditBalance, &eff,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan usage: %w", err)
		}
		snap.RecordedAt = time.Unix(recordedAt, 0).UTC()
		snap.Window = usage.Window(window)
		snap.HasCredits = hasCredits != 0
		snap.UnlimitedCredits = unlimited != 0

		if eff == string(usage.WindowSecondary) {
			secondary[snap.AccountID] = &snap
		} else {
			primary[snap.AccountID] = &snap
		}
	}
	return primary, secondary, rows.Err()
}

// LatestWindowMinutes returns the largest window span seen for a window.
func (s *Store) LatestWindowMinutes(ctx context.Context, window usage.Window) (int, error) {
	var minutes int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(window_minutes), 0) FROM usage_history
		WHERE `+effectiveWindowExpr+` = ?`, string(window)).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("latest window minutes: %w", err)
	}
	return minutes, nil
}

// UsageAggregate is one account's activity since a point in time.
type UsageAggregate struct {
	AccountID        string
	UsedPercentAvg   float64
	InputTokensSum   int64
	OutputTokensSum  int64
	Samples          int
	LastRecordedAt   time.Time
	ResetAtMax       int64
	WindowMinutesMax int
}

// AggregateSince summarizes per-account usage rows recorded at or after
// since, for one effective window.
func (s *Store) AggregateSince(ctx context.Context, since time.Time, window usage.Window) ([]UsageAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, AVG(used_percent), COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0), COUNT(*), MAX(recorded_at),
			MAX(reset_at), MAX(window_minutes)
		FROM usage_history
		WHERE recorded_at >= ? AND `+effectiveWindowExpr+` = ?
		GROUP BY account_id
		ORDER BY account_id`, since.Unix(), string(window))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []UsageAggregate
	for rows.Next() {
		var agg UsageAggregate
		var lastRecorded int64
		err := rows.Scan(&agg.AccountID, &agg.UsedPercentAvg, &agg.InputTokensSum,
			&agg.OutputTokensSum, &agg.Samples, &lastRecorded,
			&agg.ResetAtMax, &agg.WindowMinutesMax)
		if err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.LastRecordedAt = time.Unix(lastRecorded, 0).UTC()
		out = append(out, agg)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
