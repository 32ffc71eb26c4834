package balancer

import (
	"context"
	"sync/atomic"

	"github.com/codexlb/codex-lb/internal/account"
)

// Hint carries the upstream's own view of when a block lifts.
type Hint struct {
	ResetsAt int64 // epoch seconds, 0 = unknown
}

// MarkRateLimit persists RATE_LIMITED with a reset no earlier than the
// cooldown floor; a later upstream hint wins.
func (s *Selector) MarkRateLimit(ctx context.Context, accountID string, hint *Hint) error {
	resetAt := s.now().Add(s.cooldownFloor).Unix()
	if hint != nil && hint.ResetsAt > resetAt {
		resetAt = hint.ResetsAt
	}
	if err := s.store.UpdateAccountStatus(ctx, accountID, account.StatusRateLimited, resetAt, ""); err != nil {
		return err
	}
	s.builder.Invalidate()
	s.metrics.MarkEvent("rate_limit")
	s.log.Info("account rate limited", "accountId", accountID, "resetAt", resetAt)
	return nil
}

// MarkQuotaExceeded persists QUOTA_EXCEEDED. Without a hint the reset comes
// from the account's secondary usage window.
func (s *Selector) MarkQuotaExceeded(ctx context.Context, accountID string, hint *Hint) error {
	var resetAt int64
	if hint != nil && hint.ResetsAt > 0 {
		resetAt = hint.ResetsAt
	} else if snap := s.builder.cell.Load(); snap != nil {
		if sec := snap.Secondary[accountID]; sec != nil {
			resetAt = sec.ResetAt
		}
	}
	if floor := s.now().Add(s.cooldownFloor).Unix(); resetAt < floor {
		resetAt = floor
	}
	if err := s.store.UpdateAccountStatus(ctx, accountID, account.StatusQuotaExceeded, resetAt, ""); err != nil {
		return err
	}
	s.builder.Invalidate()
	s.metrics.MarkEvent("quota_exceeded")
	s.log.Info("account quota exceeded", "accountId", accountID, "resetAt", resetAt)
	return nil
}

// MarkPermanentFailure deactivates the account. Only an explicit operator
// action brings it back.
func (s *Selector) MarkPermanentFailure(ctx context.Context, accountID, code string) error {
	if err := s.store.UpdateAccountStatus(ctx, accountID, account.StatusDeactivated, 0, code); err != nil {
		return err
	}
	s.builder.Invalidate()
	s.metrics.PermanentFailure(code)
	s.log.Warn("account deactivated", "accountId", accountID, "code", code)
	return nil
}

// RecordError bumps the process-local error counter. No persisted status
// change and no snapshot invalidation; the TTL refresh picks up any
// persistent effects.
func (s *Selector) RecordError(accountID string) {
	c, ok := s.errorCounts.Load(accountID)
	if !ok {
		c, _ = s.errorCounts.LoadOrStore(accountID, &atomic.Int64{})
	}
	c.Add(1)
}
