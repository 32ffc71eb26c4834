// Package metrics holds hot-path atomic counters observed from the balancer,
// the proxy loop and the usage refresher.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Registry aggregates labeled counters and gauges. All updates are lock-free;
// Snapshot materializes a consistent-enough view for the metrics endpoint.
type Registry struct {
	marks             sync.Map // event → *atomic.Int64
	permanentFailures sync.Map // code → *atomic.Int64
	emptyPools        sync.Map // reason → *atomic.Int64
	refreshErrors     sync.Map // status → *atomic.Int64

	requestLogsDropped atomic.Int64
	selections         atomic.Int64
	retries            atomic.Int64

	poolEligible atomic.Int64
	poolBlocked  atomic.Int64
	poolTotal    atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func bump(m *sync.Map, key string) {
	if v, ok := m.Load(key); ok {
		v.(*atomic.Int64).Add(1)
		return
	}
	c := &atomic.Int64{}
	actual, _ := m.LoadOrStore(key, c)
	actual.(*atomic.Int64).Add(1)
}

// MarkEvent counts a persisted status transition (rate_limit, quota_exceeded).
func (r *Registry) MarkEvent(event string) { bump(&r.marks, event) }

// PermanentFailure counts deactivations by reason code.
func (r *Registry) PermanentFailure(code string) { bump(&r.permanentFailures, code) }

// EmptyPool counts selections that found no account, by reason.
func (r *Registry) EmptyPool(reason string) { bump(&r.emptyPools, reason) }

// RefreshError counts usage refresh failures by upstream status.
func (r *Registry) RefreshError(status string) { bump(&r.refreshErrors, status) }

func (r *Registry) RequestLogDropped() { r.requestLogsDropped.Add(1) }
func (r *Registry) Selection()         { r.selections.Add(1) }
func (r *Registry) Retry()             { r.retries.Add(1) }

// SetPoolSizes records the gauge values observed at the last snapshot build.
func (r *Registry) SetPoolSizes(total, eligible, blocked int) {
	r.poolTotal.Store(int64(total))
	r.poolEligible.Store(int64(eligible))
	r.poolBlocked.Store(int64(blocked))
}

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	Marks              map[string]int64 `json:"lb_mark_total"`
	PermanentFailures  map[string]int64 `json:"lb_mark_permanent_failure_total"`
	EmptyPools         map[string]int64 `json:"selector_empty_pool_total"`
	RefreshErrors      map[string]int64 `json:"usage_refresh_errors_total"`
	RequestLogsDropped int64            `json:"request_logs_dropped_total"`
	Selections         int64            `json:"selections_total"`
	Retries            int64            `json:"proxy_retries_total"`
	PoolTotal          int64            `json:"pool_accounts"`
	PoolEligible       int64            `json:"pool_eligible"`
	PoolBlocked        int64            `json:"pool_blocked"`
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Marks:              collect(&r.marks),
		PermanentFailures:  collect(&r.permanentFailures),
		EmptyPools:         collect(&r.emptyPools),
		RefreshErrors:      collect(&r.refreshErrors),
		RequestLogsDropped: r.requestLogsDropped.Load(),
		Selections:         r.selections.Load(),
		Retries:            r.retries.Load(),
		PoolTotal:          r.poolTotal.Load(),
		PoolEligible:       r.poolEligible.Load(),
		PoolBlocked:        r.poolBlocked.Load(),
	}
}
