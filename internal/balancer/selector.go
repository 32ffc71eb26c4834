package balancer

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/usage"
)

// Empty-pool reason codes.
const (
	ReasonNoAccounts     = "no_accounts"
	ReasonAllBlocked     = "all_blocked"
	ReasonAllDeactivated = "all_deactivated"
)

const weightEpsilon = 0.001

// Result is one selection outcome. Account is nil when the pool is empty,
// with Reason set.
type Result struct {
	Account    *account.Account
	Reason     string
	Sticky     bool // served from an existing sticky mapping
	Tier       int64
	TierScores []TierScore
}

// TierScore describes one reset bucket considered during scoring.
type TierScore struct {
	Bucket   int64
	Urgency  float64
	Accounts int
}

// Selector picks the account for each request and owns the marking API.
type Selector struct {
	store         *store.Store
	builder       *Builder
	sticky        sticky.Store
	metrics       *metrics.Registry
	strategy      string
	cooldownFloor time.Duration
	now           func() time.Time
	log           *slog.Logger

	// record_error counters; process-local, never persisted
	errorCounts *xsync.Map[string, *atomic.Int64]
}

func NewSelector(s *store.Store, builder *Builder, st sticky.Store, reg *metrics.Registry, cfg *config.Config) *Selector {
	return &Selector{
		store:         s,
		builder:       builder,
		sticky:        st,
		metrics:       reg,
		strategy:      cfg.SelectionStrategy,
		cooldownFloor: cfg.CooldownFloor,
		now:           time.Now,
		log:           slog.Default(),
		errorCounts:   xsync.NewMap[string, *atomic.Int64](),
	}
}

// Select resolves one request to an account. stickyKey is the keyed hash of
// the caller's prompt_cache_key, empty to disable stickiness for this call.
func (s *Selector) Select(ctx context.Context, stickyKey string, reallocate bool, requestID string) (*Result, error) {
	snap, err := s.builder.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	// The cached snapshot is shared across in-flight selections; work on
	// copies so reconciliation never writes it.
	accounts := cloneAccounts(snap.Accounts)
	s.reconcile(ctx, snap, accounts, now)

	eligible, reasons := s.eligible(snap, accounts, now)
	s.metrics.SetPoolSizes(len(accounts), len(eligible), countBlocked(snap, accounts, now))

	pinned := intersectPinned(eligible, snap.Settings.PinnedAccountIDs)
	pool := eligible
	if len(pinned) > 0 {
		pool = pinned
	}

	if len(pool) == 0 {
		reason := emptyReason(len(accounts), reasons)
		s.metrics.EmptyPool(reason)
		s.log.Warn("selection found no account", "reason", reason, "accounts", len(accounts))
		return &Result{Reason: reason}, nil
	}

	// Sticky fast path: honor the existing mapping while its target is
	// still in the effective pool.
	useSticky := snap.Settings.StickyThreadsEnabled && stickyKey != ""
	if useSticky && !reallocate {
		if targetID, ok, err := s.sticky.Get(ctx, stickyKey); err == nil && ok {
			if target := poolAccount(pool, targetID); target != nil {
				s.metrics.Selection()
				return &Result{Account: target, Sticky: true}, nil
			}
		}
	}

	result := s.score(snap, pool, now, requestID)
	if result.Account == nil {
		s.metrics.EmptyPool(ReasonNoAccounts)
		return result, nil
	}

	if useSticky {
		if err := s.sticky.Upsert(ctx, stickyKey, result.Account.ID); err != nil {
			s.log.Warn("sticky upsert failed", "error", err)
		}
	}
	s.metrics.Selection()
	return result, nil
}

// reconcile aligns persisted statuses with the latest usage before each
// selection. Blocked accounts whose effective block has expired return to
// ACTIVE; active accounts with an exhausted secondary window move to
// QUOTA_EXCEEDED. Idempotent; failures only log, selection proceeds on the
// stale view.
func (s *Selector) reconcile(ctx context.Context, snap *Snapshot, accounts []*account.Account, now time.Time) {
	for _, a := range accounts {
		switch {
		case a.Status.Blocked() && blockedUntil(a, snap, now) <= now.Unix():
			if err := s.store.UpdateAccountStatus(ctx, a.ID, account.StatusActive, 0, ""); err != nil {
				s.log.Warn("stale block reset failed", "accountId", a.ID, "error", err)
				continue
			}
			s.log.Info("stale block cleared", "accountId", a.ID, "was", string(a.Status))
			a.Status = account.StatusActive
			a.StatusResetAt = 0
			s.builder.Invalidate()

		case a.Status == account.StatusActive:
			sec := snap.Secondary[a.ID]
			if sec == nil || sec.UsedPercent < 100 {
				continue
			}
			if err := s.MarkQuotaExceeded(ctx, a.ID, &Hint{ResetsAt: sec.ResetAt}); err != nil {
				s.log.Warn("quota mark failed", "accountId", a.ID, "error", err)
				continue
			}
			a.Status = account.StatusQuotaExceeded
			a.StatusResetAt = sec.ResetAt
		}
	}
}

// blockedUntil is the effective block expiry: the later of the persisted
// status_reset_at and the matching usage window's reset. The usage reset
// only counts while the snapshot still shows the window exhausted, so a
// fresh 0% snapshot reactivates the account immediately.
func blockedUntil(a *account.Account, snap *Snapshot, now time.Time) int64 {
	until := a.StatusResetAt
	var u *usage.Snapshot
	switch a.Status {
	case account.StatusRateLimited:
		u = snap.Primary[a.ID]
	case account.StatusQuotaExceeded:
		u = snap.Secondary[a.ID]
	}
	if u != nil && u.UsedPercent >= 100 && u.ResetAt > until {
		until = u.ResetAt
	}
	return until
}

func (s *Selector) eligible(snap *Snapshot, accounts []*account.Account, now time.Time) ([]*account.Account, map[string]string) {
	var pool []*account.Account
	reasons := make(map[string]string)
	for _, a := range accounts {
		switch {
		case !a.Status.Schedulable():
			reasons[a.ID] = "unschedulable_status"
		case a.Status.Blocked() && blockedUntil(a, snap, now) > now.Unix():
			reasons[a.ID] = "blocked"
		default:
			pool = append(pool, a)
		}
	}
	return pool, reasons
}

func countBlocked(snap *Snapshot, accounts []*account.Account, now time.Time) int {
	n := 0
	for _, a := range accounts {
		if a.Status.Blocked() && blockedUntil(a, snap, now) > now.Unix() {
			n++
		}
	}
	return n
}

func emptyReason(total int, reasons map[string]string) string {
	if total == 0 {
		return ReasonNoAccounts
	}
	allDeactivated := true
	for _, r := range reasons {
		if r != "unschedulable_status" {
			allDeactivated = false
			break
		}
	}
	if allDeactivated {
		return ReasonAllDeactivated
	}
	return ReasonAllBlocked
}

func intersectPinned(pool []*account.Account, pinned []string) []*account.Account {
	if len(pinned) == 0 {
		return nil
	}
	var out []*account.Account
	for _, id := range pinned {
		if a := poolAccount(pool, id); a != nil {
			out = append(out, a)
		}
	}
	return out
}

func cloneAccounts(accounts []*account.Account) []*account.Account {
	out := make([]*account.Account, len(accounts))
	for i, a := range accounts {
		c := *a
		out[i] = &c
	}
	return out
}

func poolAccount(pool []*account.Account, id string) *account.Account {
	for _, a := range pool {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// candidate carries the per-account scoring inputs for one selection.
type candidate struct {
	account   *account.Account
	remaining float64 // secondary remaining credits (or percent for unknown plans)
	urgency   float64 // remaining per second until secondary reset
	primary   float64 // primary used_percent
	bucket    int64   // secondary reset day bucket
}

func (s *Selector) score(snap *Snapshot, pool []*account.Account, now time.Time, requestID string) *Result {
	cands := make([]candidate, 0, len(pool))
	for _, a := range pool {
		cands = append(cands, buildCandidate(a, snap, now))
	}

	// Deterministic base order so the weighted draw is reproducible for a
	// given snapshot and request id.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.account.StatusResetAt != b.account.StatusResetAt {
			return a.account.StatusResetAt < b.account.StatusResetAt
		}
		if !a.account.LastRefresh.Equal(b.account.LastRefresh) {
			return a.account.LastRefresh.After(b.account.LastRefresh)
		}
		return a.account.ID < b.account.ID
	})

	// Partition into reset buckets when the operator prefers draining
	// accounts that reset sooner.
	tiered := snap.Settings.PreferEarlierResetAccounts
	tiers := make(map[int64][]candidate)
	for _, c := range cands {
		key := int64(0)
		if tiered {
			key = c.bucket
		}
		tiers[key] = append(tiers[key], c)
	}

	var scores []TierScore
	for bucket, members := range tiers {
		urgencySum := 0.0
		for _, c := range members {
			urgencySum += c.urgency
		}
		scores = append(scores, TierScore{Bucket: bucket, Urgency: urgencySum, Accounts: len(members)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Bucket != scores[j].Bucket {
			return scores[i].Bucket < scores[j].Bucket
		}
		return scores[i].Urgency > scores[j].Urgency
	})

	chosen := tiers[scores[0].Bucket]

	var picked *account.Account
	if s.strategy == config.StrategyUsage {
		picked = pickLowestUsage(chosen)
	} else {
		picked = pickWeighted(chosen, requestID)
	}

	return &Result{Account: picked, Tier: scores[0].Bucket, TierScores: scores}
}

func buildCandidate(a *account.Account, snap *Snapshot, now time.Time) candidate {
	c := candidate{account: a, bucket: math.MaxInt64}

	sec := snap.Secondary[a.ID]
	if capacity, known := usage.Capacity(a.PlanType, usage.WindowSecondary); known {
		c.remaining = capacity
		if sec != nil {
			c.remaining = sec.RemainingCredits(a.PlanType)
		}
	} else {
		// Unknown plan: percentages stand in for credits.
		c.remaining = 100
		if sec != nil {
			c.remaining = sec.RemainingPercent()
		}
	}

	if sec != nil && sec.ResetAt > 0 {
		c.bucket = sec.ResetAt / 86400
		ttr := sec.ResetAt - now.Unix()
		if ttr < 1 {
			ttr = 1
		}
		c.urgency = c.remaining / float64(ttr)
	}

	if p := snap.Primary[a.ID]; p != nil {
		c.primary = p.UsedPercent
	}
	return c
}

// pickWeighted draws one candidate with probability proportional to its
// remaining secondary credits. The seed is derived from the request id so a
// replayed request reproduces the draw against the same snapshot.
func pickWeighted(cands []candidate, requestID string) *account.Account {
	if len(cands) == 0 {
		return nil
	}
	total := 0.0
	for _, c := range cands {
		total += c.remaining + weightEpsilon
	}

	h := fnv.New64a()
	h.Write([]byte(requestID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	x := r.Float64() * total
	for _, c := range cands {
		x -= c.remaining + weightEpsilon
		if x < 0 {
			return c.account
		}
	}
	return cands[len(cands)-1].account
}

// pickLowestUsage prefers the coldest primary window; remaining secondary
// credits break ties.
func pickLowestUsage(cands []candidate) *account.Account {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.primary < best.primary ||
			(c.primary == best.primary && c.remaining > best.remaining) {
			best = c
		}
	}
	return best.account
}

// ErrorCount reports the process-local record_error counter for an account.
func (s *Selector) ErrorCount(accountID string) int64 {
	if v, ok := s.errorCounts.Load(accountID); ok {
		return v.Load()
	}
	return 0
}
