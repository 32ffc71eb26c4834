// Package reqlog buffers per-attempt request logs and flushes them to the
// store in batches, so the proxy hot path never waits on SQLite.
package reqlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/store"
)

// Writer accepts request logs without blocking. When the buffer is full,
// entries are dropped and counted rather than backpressuring the proxy.
type Writer struct {
	store   *store.Store
	metrics *metrics.Registry
	log     *slog.Logger

	buffered bool
	queue    chan *store.RequestLog
	interval time.Duration
	batch    int
	done     chan struct{}
}

func NewWriter(s *store.Store, reg *metrics.Registry, cfg *config.Config) *Writer {
	return &Writer{
		store:    s,
		metrics:  reg,
		log:      slog.Default().With("component", "reqlog"),
		buffered: cfg.LogBufferEnabled,
		queue:    make(chan *store.RequestLog, cfg.LogBufferMaxSize),
		interval: cfg.LogFlushInterval,
		batch:    cfg.LogFlushBatch,
		done:     make(chan struct{}),
	}
}

// Add enqueues one log entry. Never blocks; a full buffer drops the entry.
func (w *Writer) Add(ctx context.Context, entry *store.RequestLog) {
	if !w.buffered {
		if err := w.store.InsertRequestLogs(ctx, []*store.RequestLog{entry}); err != nil {
			w.log.Error("request log insert failed", "error", err)
		}
		return
	}

	select {
	case w.queue <- entry:
	default:
		w.metrics.RequestLogDropped()
		w.log.Warn("request log buffer full, dropping entry", "request_id", entry.RequestID)
	}
}

// Run flushes on an interval until ctx ends, then drains what is left.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	if !w.buffered {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.flushOnce(ctx)
		}
	}
}

// Wait blocks until Run has drained and returned.
func (w *Writer) Wait() { <-w.done }

func (w *Writer) flushOnce(ctx context.Context) {
	batch := w.collect(w.batch)
	if len(batch) == 0 {
		return
	}
	if err := w.store.InsertRequestLogs(ctx, batch); err != nil {
		w.log.Error("request log flush failed", "count", len(batch), "error", err)
	}
}

// drain writes everything still queued, using a fresh context because the
// run context is already canceled during shutdown.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		batch := w.collect(w.batch)
		if len(batch) == 0 {
			return
		}
		if err := w.store.InsertRequestLogs(ctx, batch); err != nil {
			w.log.Error("request log drain failed", "count", len(batch), "error", err)
			return
		}
	}
}

func (w *Writer) collect(max int) []*store.RequestLog {
	var batch []*store.RequestLog
	for len(batch) < max {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}
