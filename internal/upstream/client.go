// Package upstream talks to the Codex backend: SSE streaming, the compact
// JSON call and the usage endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
)

// ClientProvider hands out per-account HTTP clients. Satisfied by the
// transport manager.
type ClientProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Headers never forwarded upstream; auth and routing are rewritten per
// attempt.
var strippedHeaders = map[string]bool{
	"authorization":      true,
	"chatgpt-account-id": true,
	"content-length":     true,
	"host":               true,
}

type Client struct {
	provider      ClientProvider
	baseURL       string
	idleTimeout   time.Duration
	maxEventBytes int64
	log           *slog.Logger
}

func NewClient(provider ClientProvider, cfg *config.Config) *Client {
	return &Client{
		provider:      provider,
		baseURL:       cfg.UpstreamBaseURL,
		idleTimeout:   cfg.StreamIdleTimeout,
		maxEventBytes: cfg.MaxSSEEventBytes,
		log:           slog.Default(),
	}
}

// Request is one upstream call on behalf of a selected account.
type Request struct {
	Account     *account.Account
	AccessToken string
	Header      http.Header // inbound headers, sanitized before forwarding
	Body        []byte
	RequestID   string
}

func (c *Client) newRequest(ctx context.Context, path string, r *Request, sse bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for name, values := range r.Header {
		if strippedHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.AccessToken)
	if r.Account.ChatGPTAccountID != "" {
		req.Header.Set("Chatgpt-Account-Id", r.Account.ChatGPTAccountID)
	}
	if sse {
		req.Header.Set("Accept", "text/event-stream")
	}
	if r.RequestID != "" {
		req.Header.Set("X-Request-Id", r.RequestID)
	}
	return req, nil
}

// Stream opens the SSE call. A non-2xx reply surfaces as *ResponseError
// before any event is produced.
func (c *Client) Stream(ctx context.Context, r *Request) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := c.newRequest(streamCtx, "/codex/responses", r, true)
	if err != nil {
		cancel()
		return nil, err
	}

	// Client.Timeout covers the body read, which would cut long streams
	// short; the idle timer below guards the stream instead.
	client := c.provider.GetClient(r.Account)
	client.Timeout = 0

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream call: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		return nil, &ResponseError{Status: resp.StatusCode, Envelope: normalizeEnvelope(body)}
	}

	s := &Stream{
		events: make(chan Event, 8),
		cancel: cancel,
	}
	go s.run(resp.Body, newParser(c.maxEventBytes), c.idleTimeout)
	return s, nil
}

// Stream is a cancelable sequence of SSE events. Consume Events() until it
// closes, then check Err().
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	err    error

	idleFired atomic.Bool
	closed    atomic.Bool
}

func (s *Stream) Events() <-chan Event { return s.events }

// Err reports the guard failure that ended the stream, nil on clean end.
// Valid only after Events() is closed.
func (s *Stream) Err() error { return s.err }

// Close abandons the stream; safe to call at any time.
func (s *Stream) Close() {
	s.closed.Store(true)
	s.cancel()
}

// Drain closes the stream and discards buffered events so the reader
// goroutine can exit.
func (s *Stream) Drain() {
	s.Close()
	for range s.events {
	}
}

func (s *Stream) run(body io.ReadCloser, p *parser, idleTimeout time.Duration) {
	defer close(s.events)
	defer body.Close()
	defer s.cancel()

	idle := time.AfterFunc(idleTimeout, func() {
		s.idleFired.Store(true)
		s.cancel()
	})
	defer idle.Stop()

	sawTerminal := false
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			idle.Reset(idleTimeout)
			events, parseErr := p.feed(buf[:n])
			for _, ev := range events {
				if ev.IsTerminal() {
					sawTerminal = true
				}
				s.events <- ev
			}
			if parseErr != nil {
				s.err = parseErr
				s.events <- FailedEvent("event_too_large", "upstream event exceeded the size limit")
				return
			}
		}
		if readErr != nil {
			switch {
			case s.closed.Load():
				// Consumer abandoned the stream; nothing to synthesize.
			case s.idleFired.Load():
				s.err = ErrStreamIdleTimeout
				s.events <- FailedEvent("stream_idle_timeout", "upstream sent no data before the idle timeout")
			case !sawTerminal:
				s.events <- FailedEvent("stream_incomplete", "upstream stream ended without a terminal event")
			}
			return
		}
	}
}

// Compact runs the non-streaming call and returns the raw JSON reply.
func (c *Client) Compact(ctx context.Context, r *Request) ([]byte, error) {
	req, err := c.newRequest(ctx, "/codex/responses/compact", r, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.provider.GetClient(r.Account).Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{Status: resp.StatusCode, Envelope: normalizeEnvelope(body)}
	}
	return body, nil
}

// normalizeEnvelope keeps JSON bodies as-is and wraps anything else so the
// caller always gets the OpenAI-compatible shape.
func normalizeEnvelope(body []byte) json.RawMessage {
	if json.Valid(body) && len(bytes.TrimSpace(body)) > 0 {
		return body
	}
	wrapped, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": string(bytes.TrimSpace(body)),
			"type":    "server_error",
			"code":    "upstream_error",
		},
	})
	return wrapped
}
