package sticky

import (
	"context"

	"github.com/codexlb/codex-lb/internal/store"
)

// DB is the durable backend: sticky_sessions rows shared across processes.
type DB struct {
	store *store.Store
}

func NewDB(s *store.Store) *DB {
	return &DB{store: s}
}

func (d *DB) Get(ctx context.Context, key string) (string, bool, error) {
	return d.store.StickyGet(ctx, key)
}

func (d *DB) Upsert(ctx context.Context, key, accountID string) error {
	return d.store.StickyUpsert(ctx, key, accountID)
}

func (d *DB) Delete(ctx context.Context, key string) error {
	return d.store.StickyDelete(ctx, key)
}

func (d *DB) CountByAccount(ctx context.Context) (map[string]int, error) {
	return d.store.StickyCounts(ctx)
}

func (d *DB) DeleteAccount(ctx context.Context, accountID string) error {
	return d.store.StickyDeleteAccount(ctx, accountID)
}

func (d *DB) Close() error { return nil }
