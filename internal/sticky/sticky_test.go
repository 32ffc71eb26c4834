package sticky

import (
	"context"
	"testing"
	"time"
)

func TestHasherKey(t *testing.T) {
	h := NewHasher("secret-a")
	k1 := h.Key("conversation-1")
	k2 := h.Key("conversation-1")
	k3 := h.Key("conversation-2")

	if k1 == "" || len(k1) != 64 {
		t.Fatalf("key = %q, want 64 hex chars", k1)
	}
	if k1 != k2 {
		t.Errorf("same input produced different keys")
	}
	if k1 == k3 {
		t.Errorf("different inputs collided")
	}
	if NewHasher("secret-b").Key("conversation-1") == k1 {
		t.Errorf("different secrets produced the same key")
	}
	if h.Key("") != "" {
		t.Errorf("empty input should produce empty key")
	}
}

func TestMemoryBackend(t *testing.T) {
	m, err := NewMemory(100, time.Hour)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Fatalf("unexpected hit on empty store")
	}

	if err := m.Upsert(ctx, "k1", "acc-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.Upsert(ctx, "k2", "acc-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.Upsert(ctx, "k3", "acc-2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := m.Get(ctx, "k1")
	if err != nil || !ok || got != "acc-1" {
		t.Errorf("Get = %q, %v, %v; want acc-1", got, ok, err)
	}

	// Rewriting the mapping replaces the target.
	if err := m.Upsert(ctx, "k1", "acc-2"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got, _, _ := m.Get(ctx, "k1"); got != "acc-2" {
		t.Errorf("rewrite not applied, got %q", got)
	}

	counts, err := m.CountByAccount(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["acc-1"] != 1 || counts["acc-2"] != 2 {
		t.Errorf("counts = %v", counts)
	}

	if err := m.DeleteAccount(ctx, "acc-2"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	counts, _ = m.CountByAccount(ctx)
	if counts["acc-2"] != 0 || counts["acc-1"] != 1 {
		t.Errorf("counts after account delete = %v", counts)
	}

	if err := m.Delete(ctx, "k2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k2"); ok {
		t.Errorf("k2 survived delete")
	}
}
