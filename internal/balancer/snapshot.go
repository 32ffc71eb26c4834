package balancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/usage"
)

// Snapshot is the immutable view the selector scores against.
type Snapshot struct {
	UpdatedAt    time.Time
	Accounts     []*account.Account
	Primary      map[string]*usage.Snapshot
	Secondary    map[string]*usage.Snapshot
	StickyCounts map[string]int
	Settings     store.Settings
}

// Builder caches snapshots in a single value cell. Reads are lock-free; the
// rebuild path is mutex-guarded so concurrent expiry collapses to one query
// round-trip.
type Builder struct {
	store  *store.Store
	sticky sticky.Store
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	cell atomic.Pointer[Snapshot]
}

func NewBuilder(s *store.Store, st sticky.Store, ttl time.Duration) *Builder {
	return &Builder{store: s, sticky: st, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached view, rebuilding it when older than the TTL.
func (b *Builder) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := b.cell.Load(); snap != nil && b.now().Sub(snap.UpdatedAt) < b.ttl {
		return snap, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Another caller may have rebuilt while we waited on the lock.
	if snap := b.cell.Load(); snap != nil && b.now().Sub(snap.UpdatedAt) < b.ttl {
		return snap, nil
	}

	snap, err := b.build(ctx)
	if err != nil {
		return nil, err
	}
	b.cell.Store(snap)
	return snap, nil
}

// Invalidate drops the cached view so the next read rebuilds.
func (b *Builder) Invalidate() {
	b.cell.Store(nil)
}

func (b *Builder) build(ctx context.Context) (*Snapshot, error) {
	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	primary, secondary, err := b.store.LatestPrimarySecondary(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot usage: %w", err)
	}
	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot settings: %w", err)
	}
	counts, err := b.sticky.CountByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot sticky counts: %w", err)
	}

	return &Snapshot{
		UpdatedAt:    b.now(),
		Accounts:     accounts,
		Primary:      primary,
		Secondary:    secondary,
		StickyCounts: counts,
		Settings:     *settings,
	}, nil
}
