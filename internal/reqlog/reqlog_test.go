package reqlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/store"
)

func newTestWriter(t *testing.T, bufSize int) (*Writer, *store.Store, *metrics.Registry) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertAccount(context.Background(), &account.Account{
		ID: "acct-1", Email: "a@example.com", PlanType: "plus",
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	reg := metrics.NewRegistry()
	w := NewWriter(s, reg, &config.Config{
		LogBufferEnabled: true,
		LogBufferMaxSize: bufSize,
		LogFlushInterval: 10 * time.Millisecond,
		LogFlushBatch:    50,
	})
	return w, s, reg
}

func entry(requestID string) *store.RequestLog {
	return &store.RequestLog{
		AccountID:   "acct-1",
		RequestID:   requestID,
		Model:       "gpt-5",
		Status:      "success",
		RequestedAt: time.Now().UTC(),
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	w, s, _ := newTestWriter(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		w.Add(ctx, entry("req"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.CountRequestLogs(context.Background(), "acct-1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush did not land, count=%d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	w.Wait()
}

func TestWriterDropsWhenFullWithoutBlocking(t *testing.T) {
	w, _, reg := newTestWriter(t, 2)

	// No Run goroutine: the queue fills and extra entries must be dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Add(context.Background(), entry("req"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked on a full buffer")
	}

	if got := reg.Snapshot().RequestLogsDropped; got != 8 {
		t.Fatalf("dropped count = %d, want 8", got)
	}
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	w, s, _ := newTestWriter(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 7; i++ {
		w.Add(ctx, entry("req"))
	}
	cancel()
	w.Wait()

	n, err := s.CountRequestLogs(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 7 {
		t.Fatalf("drain wrote %d of 7", n)
	}
}
