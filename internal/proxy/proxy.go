// Package proxy orchestrates one client request: payload checks, account
// selection, token freshness, the upstream stream, retries and per-attempt
// logging.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/auth"
	"github.com/codexlb/codex-lb/internal/balancer"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/metrics"
	"github.com/codexlb/codex-lb/internal/pricing"
	"github.com/codexlb/codex-lb/internal/reqlog"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/upstream"
)

// Service runs the per-request retry loop across accounts.
type Service struct {
	store       *store.Store
	selector    *balancer.Selector
	auth        *auth.Manager
	upstream    *upstream.Client
	inliner     *upstream.Inliner
	logs        *reqlog.Writer
	hasher      *sticky.Hasher
	metrics     *metrics.Registry
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

func NewService(s *store.Store, sel *balancer.Selector, am *auth.Manager, uc *upstream.Client,
	in *upstream.Inliner, logs *reqlog.Writer, hasher *sticky.Hasher, reg *metrics.Registry,
	cfg *config.Config) *Service {
	return &Service{
		store:       s,
		selector:    sel,
		auth:        am,
		upstream:    uc,
		inliner:     in,
		logs:        logs,
		hasher:      hasher,
		metrics:     reg,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		log:         slog.Default().With("component", "proxy"),
	}
}

// Inbound is one client call after HTTP decoding.
type Inbound struct {
	Body           []byte
	Header         http.Header
	RequestID      string
	ForceAccountID string // testing escape hatch, bypasses the selector
}

// EventSink receives events in upstream-arrival order. A sink error aborts
// forwarding (client went away).
type EventSink func(upstream.Event) error

// DeriveRequestID returns the inbound request id, minting a UUID when the
// caller sent none.
func DeriveRequestID(h http.Header) string {
	if v := h.Get("X-Request-Id"); v != "" {
		return v
	}
	if v := h.Get("Request-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

// Stream serves one streaming request. Terminal failures are delivered as
// synthesized response.failed events through the sink; the returned error is
// non-nil only for payload rejections and sink failures.
func (p *Service) Stream(ctx context.Context, in *Inbound, sink EventSink) error {
	if perr := ValidatePayload(in.Body); perr != nil {
		return perr
	}
	body := p.inliner.Rewrite(ctx, in.Body)
	stickyKey := p.hasher.Key(gjson.GetBytes(body, "prompt_cache_key").String())
	model := gjson.GetBytes(body, "model").String()
	effort := gjson.GetBytes(body, "reasoning.effort").String()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		acct, err := p.pick(ctx, in, stickyKey, attempt > 1)
		if err != nil {
			return err
		}
		if acct == nil {
			return sink(upstream.FailedEvent("no_accounts", "No available accounts"))
		}
		if attempt > 1 {
			p.metrics.Retry()
		}

		token, ok := p.freshToken(ctx, acct, in.RequestID)
		if !ok {
			p.logAttempt(ctx, acct, in.RequestID, model, effort, p.now(), nil,
				"auth_refresh_failed", "token refresh failed")
			continue
		}

		start := p.now()
		stream, err := p.upstream.Stream(ctx, &upstream.Request{
			Account:     acct,
			AccessToken: token,
			Header:      in.Header,
			Body:        body,
			RequestID:   in.RequestID,
		})
		if err != nil {
			retry, code, msg := p.handleCallError(ctx, acct, err, in.RequestID)
			p.logAttempt(ctx, acct, in.RequestID, model, effort, start, nil, code, msg)
			if retry && attempt < p.maxAttempts {
				continue
			}
			return sink(upstream.FailedEvent(code, msg))
		}

		first, open := <-stream.Events()
		if open && isFailure(first) {
			code := first.ErrorCode()
			if retryable(code, 0) && attempt < p.maxAttempts {
				stream.Drain()
				p.markForCode(ctx, acct, code, first.Data, in.RequestID)
				p.logAttempt(ctx, acct, in.RequestID, model, effort, start, nil, code, first.ErrorMessage())
				continue
			}
		}

		usageSeen, code, msg, sinkErr := p.forward(first, open, stream, sink)
		if code != "" {
			p.markForCode(ctx, acct, code, "", in.RequestID)
		}
		p.logAttempt(ctx, acct, in.RequestID, model, effort, start, usageSeen, code, msg)
		if sinkErr != nil {
			stream.Drain()
			return sinkErr
		}
		return nil
	}

	return sink(upstream.FailedEvent("no_accounts", "No available accounts after retries"))
}

// pick resolves the account for this attempt, honoring the forced-account
// header when present.
func (p *Service) pick(ctx context.Context, in *Inbound, stickyKey string, reallocate bool) (*account.Account, error) {
	if in.ForceAccountID != "" {
		acct, err := p.store.GetAccount(ctx, in.ForceAccountID)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, fmt.Errorf("forced account %s not found", in.ForceAccountID)
		}
		return acct, nil
	}

	sel, err := p.selector.Select(ctx, stickyKey, reallocate, in.RequestID)
	if err != nil {
		return nil, err
	}
	return sel.Account, nil
}

// freshToken returns a usable access token, marking the account on permanent
// refresh failures. ok=false means move to the next attempt.
func (p *Service) freshToken(ctx context.Context, acct *account.Account, requestID string) (string, bool) {
	token, err := p.auth.EnsureFresh(ctx, acct, false)
	if err == nil {
		return token, true
	}

	var rerr *auth.RefreshError
	if errors.As(err, &rerr) && rerr.Permanent {
		if merr := p.selector.MarkPermanentFailure(ctx, acct.ID, rerr.Code); merr != nil {
			p.log.Error("permanent failure mark failed", "account_id", acct.ID, "error", merr)
		}
	} else {
		p.selector.RecordError(acct.ID)
	}
	p.log.Warn("token refresh failed", "account_id", acct.ID, "request_id", requestID, "error", err)
	return "", false
}

// handleCallError classifies a pre-stream failure and marks the account.
func (p *Service) handleCallError(ctx context.Context, acct *account.Account, err error, requestID string) (retry bool, code, msg string) {
	var respErr *upstream.ResponseError
	if errors.As(err, &respErr) {
		code = respErr.Code()
		msg = respErr.Message()
		p.markForCode(ctx, acct, code, string(respErr.Envelope), requestID)
		return retryable(code, respErr.Status), code, msg
	}

	// Transport-level failure: count it and try the next account.
	p.selector.RecordError(acct.ID)
	p.log.Warn("upstream call failed", "account_id", acct.ID, "request_id", requestID, "error", err)
	return true, "upstream_error", err.Error()
}

// markForCode applies the status transition matching an error code.
func (p *Service) markForCode(ctx context.Context, acct *account.Account, code, envelope, requestID string) {
	hint := resetHint(envelope)

	var err error
	switch Classify(code, 0) {
	case CategoryRateLimit:
		err = p.selector.MarkRateLimit(ctx, acct.ID, hint)
	case CategoryQuota:
		err = p.selector.MarkQuotaExceeded(ctx, acct.ID, hint)
	case CategoryPermanent:
		err = p.selector.MarkPermanentFailure(ctx, acct.ID, code)
	default:
		p.selector.RecordError(acct.ID)
	}
	if err != nil {
		p.log.Error("account mark failed", "account_id", acct.ID, "code", code,
			"request_id", requestID, "error", err)
	}
}

// resetHint pulls an upstream resets_at timestamp out of an error payload.
func resetHint(envelope string) *balancer.Hint {
	if envelope == "" {
		return nil
	}
	for _, path := range []string{"error.resets_at", "resets_at", "response.error.resets_at"} {
		if v := gjson.Get(envelope, path); v.Exists() && v.Int() > 0 {
			return &balancer.Hint{ResetsAt: v.Int()}
		}
	}
	if v := gjson.Get(envelope, "error.resets_in_seconds"); v.Exists() && v.Int() > 0 {
		return &balancer.Hint{ResetsAt: time.Now().Unix() + v.Int()}
	}
	return nil
}

// forward relays events to the sink until the stream closes, capturing usage
// and the terminal error code when the stream did not complete cleanly.
func (p *Service) forward(first upstream.Event, open bool, stream *upstream.Stream, sink EventSink) (u *upstream.Usage, code, msg string, sinkErr error) {
	deliver := func(ev upstream.Event) bool {
		if ev.Type == "response.completed" {
			if got := ev.Usage(); got != nil {
				u = got
			}
		}
		if isFailure(ev) {
			code = ev.ErrorCode()
			msg = ev.ErrorMessage()
		}
		if sinkErr == nil {
			sinkErr = sink(ev)
		}
		return sinkErr == nil
	}

	if open {
		if !deliver(first) {
			return u, code, msg, sinkErr
		}
	}
	for ev := range stream.Events() {
		if !deliver(ev) {
			break
		}
	}
	return u, code, msg, sinkErr
}

func isFailure(ev upstream.Event) bool {
	return ev.Type == "response.failed" || ev.Type == "error"
}

// logAttempt enqueues the per-attempt request log with cost accounting.
func (p *Service) logAttempt(ctx context.Context, acct *account.Account, requestID, model, effort string,
	start time.Time, u *upstream.Usage, code, msg string) {
	entry := &store.RequestLog{
		AccountID:       acct.ID,
		RequestID:       requestID,
		Model:           model,
		ReasoningEffort: effort,
		LatencyMS:       p.now().Sub(start).Milliseconds(),
		Status:          "success",
		RequestedAt:     start.UTC(),
	}
	if code != "" {
		entry.Status = "error"
		entry.ErrorCode = code
		entry.ErrorMessage = msg
	}
	if u != nil {
		entry.InputTokens = u.InputTokens
		if u.OutputTokens != nil {
			entry.OutputTokens = *u.OutputTokens
		}
		entry.CachedInputTokens = u.CachedInputTokens
		entry.ReasoningTokens = u.ReasoningTokens
		reasoning := u.ReasoningTokens
		entry.CostUSD = pricing.Cost(model, u.InputTokens, u.CachedInputTokens, u.OutputTokens, &reasoning)
	}
	p.logs.Add(ctx, entry)
}

// Compact serves the non-streaming call with the same selection, auth and
// retry rules, returning the upstream JSON body.
func (p *Service) Compact(ctx context.Context, in *Inbound) ([]byte, error) {
	if perr := ValidatePayload(in.Body); perr != nil {
		return nil, perr
	}
	stickyKey := p.hasher.Key(gjson.GetBytes(in.Body, "prompt_cache_key").String())
	model := gjson.GetBytes(in.Body, "model").String()

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		acct, err := p.pick(ctx, in, stickyKey, attempt > 1)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, &upstream.ResponseError{
				Status:   http.StatusServiceUnavailable,
				Envelope: []byte(`{"error":{"message":"No available accounts","type":"server_error","code":"no_accounts"}}`),
			}
		}

		token, ok := p.freshToken(ctx, acct, in.RequestID)
		if !ok {
			p.logAttempt(ctx, acct, in.RequestID, model, "", p.now(), nil,
				"auth_refresh_failed", "token refresh failed")
			lastErr = fmt.Errorf("token refresh failed for %s", acct.ID)
			continue
		}

		start := p.now()
		body, err := p.upstream.Compact(ctx, &upstream.Request{
			Account:     acct,
			AccessToken: token,
			Header:      in.Header,
			Body:        in.Body,
			RequestID:   in.RequestID,
		})
		if err != nil {
			retry, code, msg := p.handleCallError(ctx, acct, err, in.RequestID)
			p.logAttempt(ctx, acct, in.RequestID, model, "", start, nil, code, msg)
			lastErr = err
			if retry && attempt < p.maxAttempts {
				continue
			}
			return nil, err
		}

		p.logAttempt(ctx, acct, in.RequestID, model, "", start, nil, "", "")
		return body, nil
	}
	return nil, lastErr
}
