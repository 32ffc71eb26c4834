// Package refresher polls upstream usage for every account on a schedule and
// appends the snapshots the balancer selects on. It also owns request-log
// retention.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/auth"
	"github.com/codexlb/codex-lb/internal/balancer"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/upstream"
)

type Refresher struct {
	store       *store.Store
	auth        *auth.Manager
	upstream    *upstream.Client
	builder     *balancer.Builder
	metrics     *metrics.Registry
	concurrency int
	interval    time.Duration
	retention   time.Duration
	log         *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(s *store.Store, am *auth.Manager, uc *upstream.Client, builder *balancer.Builder,
	reg *metrics.Registry, cfg *config.Config) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		store:       s,
		auth:        am,
		upstream:    uc,
		builder:     builder,
		metrics:     reg,
		concurrency: cfg.UsageFetchConcurrency,
		interval:    cfg.UsageRefreshInterval,
		retention:   cfg.LogRetention,
		log:         slog.Default().With("component", "refresher"),
		cron:        cron.New(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start schedules the refresh tick and the daily log purge.
func (r *Refresher) Start() error {
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, func() { r.Tick(r.ctx) }); err != nil {
		return fmt.Errorf("schedule usage refresh: %w", err)
	}
	if _, err := r.cron.AddFunc("@every 24h", func() { r.purgeLogs(r.ctx) }); err != nil {
		return fmt.Errorf("schedule log purge: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop cancels in-flight fetches and waits for scheduled jobs to finish.
func (r *Refresher) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}

// Tick fetches usage for every account once. Accounts sharing a
// chatgpt_account_id share one upstream quota, so each workspace is fetched
// once and the snapshots fan out to all of its members.
func (r *Refresher) Tick(ctx context.Context) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		r.log.Error("account list failed", "error", err)
		return
	}

	groups := groupByWorkspace(accounts)

	pool := pond.NewPool(r.concurrency)
	var changed atomic.Bool
	for _, group := range groups {
		group := group
		pool.Submit(func() {
			if r.refreshGroup(ctx, group) {
				changed.Store(true)
			}
		})
	}
	pool.StopAndWait()

	if changed.Load() {
		r.builder.Invalidate()
	}
}

// groupByWorkspace buckets accounts by chatgpt_account_id; accounts without
// one form their own group.
func groupByWorkspace(accounts []*account.Account) [][]*account.Account {
	byWorkspace := make(map[string][]*account.Account)
	var groups [][]*account.Account
	for _, a := range accounts {
		if a.ChatGPTAccountID == "" {
			groups = append(groups, []*account.Account{a})
			continue
		}
		byWorkspace[a.ChatGPTAccountID] = append(byWorkspace[a.ChatGPTAccountID], a)
	}
	for _, g := range byWorkspace {
		groups = append(groups, g)
	}
	return groups
}

// refreshGroup fetches usage through the group's first member and writes the
// snapshots for every member. Reports whether anything was written.
func (r *Refresher) refreshGroup(ctx context.Context, group []*account.Account) bool {
	var lead *account.Account
	for _, a := range group {
		if a.Status.Schedulable() {
			lead = a
			break
		}
	}
	if lead == nil {
		return false
	}

	token, err := r.auth.EnsureFresh(ctx, lead, false)
	if err != nil {
		r.countError("auth", err)
		r.log.Warn("usage refresh auth failed", "account_id", lead.ID, "error", err)
		return false
	}

	snaps, err := r.upstream.FetchUsage(ctx, lead, token)
	if err != nil {
		r.countError("fetch", err)
		r.log.Warn("usage fetch failed", "account_id", lead.ID, "error", err)
		return false
	}

	wrote := false
	for _, member := range group {
		for _, snap := range snaps {
			row := *snap
			row.AccountID = member.ID
			if err := r.store.AddUsage(ctx, &row); err != nil {
				r.log.Error("usage write failed", "account_id", member.ID, "error", err)
				continue
			}
			wrote = true
		}
	}
	return wrote
}

// countError labels refresh failures by phase and upstream status.
func (r *Refresher) countError(phase string, err error) {
	label := phase
	var respErr *upstream.ResponseError
	if errors.As(err, &respErr) {
		label = fmt.Sprintf("%s_%d", phase, respErr.Status)
	}
	r.metrics.RefreshError(label)
}

func (r *Refresher) purgeLogs(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.PurgeRequestLogs(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.log.Error("request log purge failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("purged request logs", "rows", n)
	}
}
