package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
)

type plainProvider struct{}

func (plainProvider) GetClient(*account.Account) *http.Client { return &http.Client{} }

func newTestClient(t *testing.T, baseURL string, idle time.Duration) *Client {
	t.Helper()
	return NewClient(plainProvider{}, &config.Config{
		UpstreamBaseURL:   baseURL,
		StreamIdleTimeout: idle,
		MaxSSEEventBytes:  1 << 20,
	})
}

func testRequest(body string) *Request {
	return &Request{
		Account:     &account.Account{ID: "acct-1", ChatGPTAccountID: "ws-1"},
		AccessToken: "tok",
		Header:      http.Header{"Authorization": {"Bearer inbound"}, "X-Custom": {"kept"}},
		Body:        []byte(body),
		RequestID:   "req-1",
	}
}

func collectEvents(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestParserChunkBoundariesDoNotChangeEvents(t *testing.T) {
	wire := "event: response.created\ndata: {\"type\":\"response.created\"}\n\n" +
		": keep-alive\n\n" +
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":3,\"output_tokens\":5}}}\r\n\r\n"

	parse := func(chunkSize int) []Event {
		p := newParser(1 << 20)
		var events []Event
		for i := 0; i < len(wire); i += chunkSize {
			end := i + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			got, err := p.feed([]byte(wire[i:end]))
			if err != nil {
				t.Fatalf("feed: %v", err)
			}
			events = append(events, got...)
		}
		return events
	}

	want := parse(len(wire))
	if len(want) != 3 {
		t.Fatalf("expected 3 events, got %d", len(want))
	}
	for _, size := range []int{1, 2, 3, 7, 16, 64} {
		if got := parse(size); !reflect.DeepEqual(got, want) {
			t.Errorf("chunk size %d changed events: %+v vs %+v", size, got, want)
		}
	}
}

func TestParserRewritesLegacyEventNames(t *testing.T) {
	p := newParser(1 << 20)
	events, err := p.feed([]byte("event: response.text.delta\ndata: {\"type\":\"response.text.delta\",\"delta\":\"x\"}\n\n"))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != "response.output_text.delta" {
		t.Errorf("type not rewritten: %s", ev.Type)
	}
	if !strings.Contains(ev.Data, `"type":"response.output_text.delta"`) {
		t.Errorf("payload type not rewritten: %s", ev.Data)
	}
	if !strings.Contains(ev.Frame(), "event: response.output_text.delta\n") {
		t.Errorf("frame keeps old name: %q", ev.Frame())
	}
}

func TestParserEventTooLarge(t *testing.T) {
	p := newParser(64)
	_, err := p.feed([]byte("data: " + strings.Repeat("x", 200)))
	if !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("expected ErrEventTooLarge, got %v", err)
	}
}

func TestParserRejectsCompleteOversizedFrame(t *testing.T) {
	// The terminator arrives in the same chunk that crosses the limit; the
	// frame must still be fatal, never delivered.
	p := newParser(64)
	events, err := p.feed([]byte("data: " + strings.Repeat("x", 200) + "\n\n"))
	if !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("expected ErrEventTooLarge, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("oversized frame delivered: %+v", events)
	}
}

func TestStreamForwardsEventsAndHeaders(t *testing.T) {
	var gotAuth, gotAccount, gotInbound, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccount = r.Header.Get("Chatgpt-Account-Id")
		gotInbound = r.Header.Get("X-Request-Id")
		gotCustom = r.Header.Get("X-Custom")

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":2,\"output_tokens\":4,\"input_tokens_details\":{\"cached_tokens\":1}}}}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	s, err := c.Stream(context.Background(), testRequest(`{"model":"gpt-5"}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collectEvents(t, s)

	if gotAuth != "Bearer tok" {
		t.Errorf("authorization not rewritten: %q", gotAuth)
	}
	if gotAccount != "ws-1" {
		t.Errorf("account header: %q", gotAccount)
	}
	if gotInbound != "req-1" {
		t.Errorf("request id: %q", gotInbound)
	}
	if gotCustom != "kept" {
		t.Errorf("custom header dropped: %q", gotCustom)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if s.Err() != nil {
		t.Errorf("unexpected stream error: %v", s.Err())
	}
	u := events[1].Usage()
	if u == nil || u.InputTokens != 2 || u.CachedInputTokens != 1 {
		t.Errorf("usage: %+v", u)
	}
	if u.OutputTokens == nil || *u.OutputTokens != 4 {
		t.Errorf("output tokens: %+v", u.OutputTokens)
	}
}

func TestUsageReasoningStandsInForMissingOutput(t *testing.T) {
	ev := Event{Data: `{"type":"response.completed","response":{"usage":{"input_tokens":3,"output_tokens_details":{"reasoning_tokens":7}}}}`}
	u := ev.Usage()
	if u == nil || u.OutputTokens != nil {
		t.Fatalf("usage: %+v", u)
	}
	if got := u.OutputOrReasoning(); got != 7 {
		t.Errorf("fallback = %d, want 7", got)
	}

	ev = Event{Data: `{"type":"response.completed","response":{"usage":{"input_tokens":3,"output_tokens":0,"output_tokens_details":{"reasoning_tokens":7}}}}`}
	u = ev.Usage()
	if u == nil || u.OutputTokens == nil || *u.OutputTokens != 0 {
		t.Fatalf("explicit zero lost: %+v", u)
	}
	if got := u.OutputOrReasoning(); got != 0 {
		t.Errorf("explicit zero overridden: %d", got)
	}
}

func TestStreamIdleTimeoutSynthesizesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.created\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100*time.Millisecond)
	s, err := c.Stream(context.Background(), testRequest(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collectEvents(t, s)

	if !errors.Is(s.Err(), ErrStreamIdleTimeout) {
		t.Fatalf("expected idle timeout, got %v", s.Err())
	}
	last := events[len(events)-1]
	if last.Type != "response.failed" || last.ErrorCode() != "stream_idle_timeout" {
		t.Errorf("synthesized event: %+v", last)
	}
}

func TestStreamSynthesizesIncompleteOnEarlyEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.created\"}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	s, err := c.Stream(context.Background(), testRequest(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collectEvents(t, s)

	last := events[len(events)-1]
	if last.Type != "response.failed" || last.ErrorCode() != "stream_incomplete" {
		t.Errorf("expected synthesized stream_incomplete, got %+v", last)
	}
}

func TestStreamNon2xxReturnsResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	_, err := c.Stream(context.Background(), testRequest(`{}`))

	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected *ResponseError, got %v", err)
	}
	if respErr.Status != http.StatusTooManyRequests {
		t.Errorf("status: %d", respErr.Status)
	}
	if respErr.Code() != "rate_limit_exceeded" {
		t.Errorf("code: %s", respErr.Code())
	}
	if respErr.Message() != "slow down" {
		t.Errorf("message: %s", respErr.Message())
	}
}

func TestResponseErrorCodeFallbacks(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"error":{"code":"insufficient_quota"}}`, "insufficient_quota"},
		{`{"error":{"type":"server_error"}}`, "server_error"},
		{`{"detail":{"code":"usage_not_included"}}`, "usage_not_included"},
		{`{"something":"else"}`, "upstream_error"},
		{`not json at all`, "upstream_error"},
	}
	for _, tc := range cases {
		e := &ResponseError{Status: 500, Envelope: normalizeEnvelope([]byte(tc.body))}
		if got := e.Code(); got != tc.want {
			t.Errorf("body %q: code %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestCompact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/codex/responses/compact" {
			t.Errorf("path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"resp_1","status":"completed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	body, err := c.Compact(context.Background(), testRequest(`{"model":"gpt-5"}`))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !strings.Contains(string(body), `"resp_1"`) {
		t.Errorf("body: %s", body)
	}
}

func TestParseUsage(t *testing.T) {
	body := `{
		"rate_limit": {
			"primary_window": {"used_percent": 42.5, "reset_at": 1700000000, "limit_window_seconds": 18000},
			"secondary_window": {"used_percent": 10, "reset_at": 1700600000, "limit_window_seconds": 604800}
		},
		"credits": {"has": true, "unlimited": false, "balance": 12.5}
	}`
	now := time.Unix(1699999000, 0).UTC()
	snaps := parseUsage("acct-1", []byte(body), now)

	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	p := snaps[0]
	if p.Window != "primary" || p.UsedPercent != 42.5 || p.ResetAt != 1700000000 || p.WindowMinutes != 300 {
		t.Errorf("primary: %+v", p)
	}
	if !p.HasCredits || p.UnlimitedCredits || p.CreditBalance != 12.5 {
		t.Errorf("credits: %+v", p)
	}
	s := snaps[1]
	if s.Window != "secondary" || s.WindowMinutes != 10080 {
		t.Errorf("secondary: %+v", s)
	}
}

func TestParseUsageDefaultsWindowMinutes(t *testing.T) {
	body := `{"rate_limit":{"primary_window":{"used_percent":1,"reset_at":5}}}`
	snaps := parseUsage("a", []byte(body), time.Now())
	if len(snaps) != 1 || snaps[0].WindowMinutes != 300 {
		t.Fatalf("snaps: %+v", snaps)
	}
}

func TestInlinerRejectsLoopbackResolution(t *testing.T) {
	in := NewInliner(&config.Config{
		ImageInlineEnabled:  true,
		ImageInlineMaxBytes: 1 << 20,
		ImageInlineTimeout:  2 * time.Second,
	})

	body := []byte(`{"model":"gpt-5","input":[{"type":"input_image","image_url":"http://localhost/a.png"}]}`)
	got := in.Rewrite(context.Background(), body)
	if string(got) != string(body) {
		t.Fatalf("payload changed despite loopback target: %s", got)
	}
}

func TestInlinerDisabledLeavesPayloadAlone(t *testing.T) {
	in := NewInliner(&config.Config{ImageInlineEnabled: false})
	body := []byte(`{"input":[{"type":"input_image","image_url":"https://example.com/a.png"}]}`)
	if got := in.Rewrite(context.Background(), body); string(got) != string(body) {
		t.Fatalf("disabled inliner touched payload")
	}
}

func TestInlinerAllowlistBlocksOtherHosts(t *testing.T) {
	in := NewInliner(&config.Config{
		ImageInlineEnabled:      true,
		ImageInlineAllowedHosts: []string{"cdn.example.com"},
		ImageInlineMaxBytes:     1 << 20,
		ImageInlineTimeout:      time.Second,
	})
	body := []byte(`{"input":[{"type":"input_image","image_url":"https://other.example.com/a.png"}]}`)
	if got := in.Rewrite(context.Background(), body); string(got) != string(body) {
		t.Fatalf("allowlist did not block fetch")
	}
}

func TestIsDisallowedIP(t *testing.T) {
	disallowed := []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "172.16.0.1", "169.254.1.1", "224.0.0.1", "0.0.0.0", "::1", "fe80::1"}
	for _, s := range disallowed {
		if !isDisallowedIP(net.ParseIP(s)) {
			t.Errorf("%s should be disallowed", s)
		}
	}
	allowed := []string{"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"}
	for _, s := range allowed {
		if isDisallowedIP(net.ParseIP(s)) {
			t.Errorf("%s should be allowed", s)
		}
	}
}
