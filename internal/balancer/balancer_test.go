package balancer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/usage"
)

type env struct {
	store    *store.Store
	sticky   sticky.Store
	builder  *Builder
	selector *Selector
}

func newTestEnv(t *testing.T, strategy string, ttl time.Duration) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	st, err := sticky.NewMemory(1000, time.Hour)
	if err != nil {
		t.Fatalf("sticky: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	builder := NewBuilder(s, st, ttl)
	cfg := &config.Config{
		SelectionStrategy: strategy,
		CooldownFloor:     time.Minute,
	}
	sel := NewSelector(s, builder, st, metrics.NewRegistry(), cfg)
	return &env{store: s, sticky: st, builder: builder, selector: sel}
}

func (e *env) seedAccount(t *testing.T, id, email, plan string, status account.Status, resetAt int64) {
	t.Helper()
	err := e.store.UpsertAccount(context.Background(), &account.Account{
		ID:            id,
		Email:         email,
		PlanType:      plan,
		Status:        status,
		StatusResetAt: resetAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (e *env) seedUsage(t *testing.T, id string, window usage.Window, percent float64, resetAt int64, minutes int) {
	t.Helper()
	err := e.store.AddUsage(context.Background(), &usage.Snapshot{
		AccountID:     id,
		Window:        window,
		UsedPercent:   percent,
		ResetAt:       resetAt,
		WindowMinutes: minutes,
	})
	if err != nil {
		t.Fatalf("seed usage %s: %v", id, err)
	}
}

func TestSelectNoAccounts(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account != nil || res.Reason != ReasonNoAccounts {
		t.Errorf("got %+v, want nil account with no_accounts", res)
	}
}

func TestSelectAllDeactivated(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusPaused, 0)
	e.seedAccount(t, "b", "b@x.com", "plus", account.StatusDeactivated, 0)

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Reason != ReasonAllDeactivated {
		t.Errorf("reason = %q, want all_deactivated", res.Reason)
	}
}

func TestSelectAllBlocked(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	future := time.Now().Add(time.Hour).Unix()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusRateLimited, future)

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Reason != ReasonAllBlocked {
		t.Errorf("reason = %q, want all_blocked", res.Reason)
	}
}

func TestStaleBlockReconciliation(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	past := time.Now().Add(-time.Hour).Unix()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusRateLimited, past)

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account == nil || res.Account.ID != "a" {
		t.Fatalf("stale block not cleared: %+v", res)
	}

	a, err := e.store.GetAccount(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != account.StatusActive || a.StatusResetAt != 0 {
		t.Errorf("persisted status = %s/%d, want ACTIVE/0", a.Status, a.StatusResetAt)
	}
}

func TestSelectLeavesCachedSnapshotUntouched(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, time.Minute)
	past := time.Now().Add(-time.Hour).Unix()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusRateLimited, past)

	cached, err := e.builder.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account == nil || res.Account.ID != "a" {
		t.Fatalf("stale block not cleared for this selection: %+v", res)
	}

	// Reconciliation persists the transition and invalidates the cache, but
	// the view other in-flight selections share must never be written.
	a, _ := e.store.GetAccount(context.Background(), "a")
	if a.Status != account.StatusActive {
		t.Fatalf("persisted status = %s, want ACTIVE", a.Status)
	}
	if cached.Accounts[0].Status != account.StatusRateLimited || cached.Accounts[0].StatusResetAt != past {
		t.Errorf("shared snapshot mutated: %+v", cached.Accounts[0])
	}
}

func TestSecondaryExhaustionMarksQuotaExceeded(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	future := time.Now().Add(time.Hour).Unix()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "b", "b@x.com", "plus", account.StatusActive, 0)
	e.seedUsage(t, "a", usage.WindowSecondary, 100, future, 10080)

	res, err := e.selector.Select(context.Background(), "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account == nil || res.Account.ID != "b" {
		t.Fatalf("selection = %+v, want b", res)
	}

	a, _ := e.store.GetAccount(context.Background(), "a")
	if a.Status != account.StatusQuotaExceeded {
		t.Errorf("a status = %s, want QUOTA_EXCEEDED", a.Status)
	}

	// A fresh usage refresh showing 0% reactivates the account once its
	// status reset has passed.
	later := time.Unix(future+60, 0)
	e.selector.now = func() time.Time { return later }
	e.builder.now = e.selector.now
	e.seedUsage(t, "a", usage.WindowSecondary, 0, future+7*86400, 10080)

	if _, err := e.selector.Select(context.Background(), "", false, "req-2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	a, _ = e.store.GetAccount(context.Background(), "a")
	if a.Status != account.StatusActive {
		t.Errorf("a status = %s, want reactivated ACTIVE", a.Status)
	}
}

func TestStickyFollowsPinAndReallocates(t *testing.T) {
	e := newTestEnv(t, config.StrategyUsage, 0)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "b", "b@x.com", "plus", account.StatusActive, 0)

	err := e.store.UpdateSettings(ctx, &store.Settings{
		StickyThreadsEnabled: true,
		PinnedAccountIDs:     []string{"a"},
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	res, err := e.selector.Select(ctx, "key-1", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account == nil || res.Account.ID != "a" {
		t.Fatalf("first selection = %+v, want pinned a", res)
	}

	// Operator pins b too; a runs hot on both windows.
	err = e.store.UpdateSettings(ctx, &store.Settings{
		StickyThreadsEnabled: true,
		PinnedAccountIDs:     []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	now := time.Now().Unix()
	e.seedUsage(t, "a", usage.WindowPrimary, 95, now+3600, 300)
	e.seedUsage(t, "a", usage.WindowSecondary, 95, now+86400, 10080)
	e.seedUsage(t, "b", usage.WindowPrimary, 5, now+3600, 300)
	e.seedUsage(t, "b", usage.WindowSecondary, 5, now+86400, 10080)

	// Sticky pin survives the settings change while a stays in the pool.
	res, err = e.selector.Select(ctx, "key-1", false, "req-2")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account.ID != "a" || !res.Sticky {
		t.Errorf("sticky selection = %+v, want pinned a", res)
	}

	// Explicit reallocation rescores and rewrites the mapping.
	res, err = e.selector.Select(ctx, "key-1", true, "req-3")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account.ID != "b" {
		t.Fatalf("reallocated selection = %+v, want b", res)
	}
	if target, ok, _ := e.sticky.Get(ctx, "key-1"); !ok || target != "b" {
		t.Errorf("mapping = %q, %v; want rewritten to b", target, ok)
	}
}

func TestStickyTargetOutOfPoolRewrites(t *testing.T) {
	e := newTestEnv(t, config.StrategyUsage, 0)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "b", "b@x.com", "plus", account.StatusActive, 0)
	if err := e.store.UpdateSettings(ctx, &store.Settings{StickyThreadsEnabled: true}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if err := e.sticky.Upsert(ctx, "key-1", "a"); err != nil {
		t.Fatalf("sticky: %v", err)
	}

	// The pinned target leaves the pool; the mapping must be rewritten.
	if err := e.store.UpdateAccountStatus(ctx, "a", account.StatusPaused, 0, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res, err := e.selector.Select(ctx, "key-1", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account == nil || res.Account.ID != "b" {
		t.Fatalf("selection = %+v, want b", res)
	}
	if target, ok, _ := e.sticky.Get(ctx, "key-1"); !ok || target != "b" {
		t.Errorf("mapping = %q, %v; want b", target, ok)
	}
}

func TestPreferEarlierResetTiers(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	ctx := context.Background()
	e.seedAccount(t, "early", "a@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "late", "b@x.com", "pro", account.StatusActive, 0)
	if err := e.store.UpdateSettings(ctx, &store.Settings{PreferEarlierResetAccounts: true}); err != nil {
		t.Fatalf("settings: %v", err)
	}

	now := time.Now().Unix()
	// early resets tomorrow with little left; late resets in five days with
	// plenty. The earlier bucket still wins.
	e.seedUsage(t, "early", usage.WindowSecondary, 90, now+86400, 10080)
	e.seedUsage(t, "late", usage.WindowSecondary, 10, now+5*86400, 10080)

	for _, req := range []string{"r1", "r2", "r3"} {
		res, err := e.selector.Select(ctx, "", false, req)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if res.Account.ID != "early" {
			t.Fatalf("selection for %s = %s, want early", req, res.Account.ID)
		}
	}
}

func TestWeightedDrawIsDeterministicPerRequest(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, time.Minute)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "b", "b@x.com", "plus", account.StatusActive, 0)
	e.seedAccount(t, "c", "c@x.com", "plus", account.StatusActive, 0)

	first, err := e.selector.Select(ctx, "", false, "stable-request-id")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 10; i++ {
		res, err := e.selector.Select(ctx, "", false, "stable-request-id")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if res.Account.ID != first.Account.ID {
			t.Fatalf("same snapshot and request id diverged: %s vs %s", res.Account.ID, first.Account.ID)
		}
	}
}

func TestMarkRateLimitRespectsCooldownFloorAndHint(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)
	now := time.Now()

	// Hint in the past: floor wins.
	if err := e.selector.MarkRateLimit(ctx, "a", &Hint{ResetsAt: now.Add(-time.Hour).Unix()}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	a, _ := e.store.GetAccount(ctx, "a")
	if a.Status != account.StatusRateLimited {
		t.Fatalf("status = %s", a.Status)
	}
	if floor := now.Add(30 * time.Second).Unix(); a.StatusResetAt < floor {
		t.Errorf("resetAt %d below cooldown floor", a.StatusResetAt)
	}

	// Later hint wins over the floor, and repeated marks stay at the hint.
	hint := now.Add(2 * time.Hour).Unix()
	for i := 0; i < 3; i++ {
		if err := e.selector.MarkRateLimit(ctx, "a", &Hint{ResetsAt: hint}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	a, _ = e.store.GetAccount(ctx, "a")
	if a.StatusResetAt != hint {
		t.Errorf("resetAt = %d, want hint %d", a.StatusResetAt, hint)
	}
}

func TestMarkPermanentFailure(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)

	if err := e.selector.MarkPermanentFailure(ctx, "a", "refresh_token_invalid"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	a, _ := e.store.GetAccount(ctx, "a")
	if a.Status != account.StatusDeactivated || a.DeactivationReason != "refresh_token_invalid" {
		t.Errorf("account = %+v", a)
	}

	res, err := e.selector.Select(ctx, "", false, "req-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Reason != ReasonAllDeactivated {
		t.Errorf("reason = %q, want all_deactivated", res.Reason)
	}
}

func TestRecordErrorCountsWithoutStatusChange(t *testing.T) {
	e := newTestEnv(t, config.StrategyWastePressure, 0)
	ctx := context.Background()
	e.seedAccount(t, "a", "a@x.com", "plus", account.StatusActive, 0)

	e.selector.RecordError("a")
	e.selector.RecordError("a")
	if got := e.selector.ErrorCount("a"); got != 2 {
		t.Errorf("error count = %d, want 2", got)
	}

	a, _ := e.store.GetAccount(ctx, "a")
	if a.Status != account.StatusActive {
		t.Errorf("record_error must not change status, got %s", a.Status)
	}
}
