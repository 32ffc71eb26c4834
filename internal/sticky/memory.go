package sticky

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// Memory is the per-process backend: bounded LRU with TTL, lost on restart.
type Memory struct {
	cache otter.Cache[string, string]
}

func NewMemory(maxEntries int, ttl time.Duration) (*Memory, error) {
	cache, err := otter.MustBuilder[string, string](maxEntries).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build sticky cache: %w", err)
	}
	return &Memory{cache: cache}, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	accountID, ok := m.cache.Get(key)
	return accountID, ok, nil
}

func (m *Memory) Upsert(_ context.Context, key, accountID string) error {
	m.cache.Set(key, accountID)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) CountByAccount(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	m.cache.Range(func(_ string, accountID string) bool {
		counts[accountID]++
		return true
	})
	return counts, nil
}

func (m *Memory) DeleteAccount(_ context.Context, accountID string) error {
	var keys []string
	m.cache.Range(func(key string, target string) bool {
		if target == accountID {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}

func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}
