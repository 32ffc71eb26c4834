package compat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/upstream"
)

func TestToResponsesMapsMessages(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"stream": true,
		"max_tokens": 256,
		"reasoning_effort": "high",
		"user": "session-42",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi!"},
			{"role": "user", "content": [
				{"type": "text", "text": "What is this?"},
				{"type": "image_url", "image_url": {"url": "https://example.com/a.png"}}
			]}
		]
	}`)

	out, model, stream, err := ToResponses(body)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if model != "gpt-5" || !stream {
		t.Errorf("model=%q stream=%v", model, stream)
	}

	parsed := gjson.ParseBytes(out)
	if got := parsed.Get("instructions").String(); got != "Be brief." {
		t.Errorf("instructions: %q", got)
	}
	if got := parsed.Get("max_output_tokens").Int(); got != 256 {
		t.Errorf("max_output_tokens: %d", got)
	}
	if got := parsed.Get("reasoning.effort").String(); got != "high" {
		t.Errorf("reasoning effort: %q", got)
	}
	if got := parsed.Get("prompt_cache_key").String(); got != "session-42" {
		t.Errorf("prompt_cache_key: %q", got)
	}
	if parsed.Get("store").Bool() {
		t.Error("store must be false")
	}

	input := parsed.Get("input").Array()
	if len(input) != 3 {
		t.Fatalf("input items: %d", len(input))
	}
	if got := input[0].Get("content.0.type").String(); got != "input_text" {
		t.Errorf("first item part type: %q", got)
	}
	if got := input[1].Get("content.0.type").String(); got != "output_text" {
		t.Errorf("assistant part type: %q", got)
	}
	if got := input[2].Get("content.1.image_url").String(); got != "https://example.com/a.png" {
		t.Errorf("image url: %q", got)
	}
}

func TestToResponsesPrefersExplicitPromptCacheKey(t *testing.T) {
	body := []byte(`{"model":"gpt-5","prompt_cache_key":"key-1","user":"u-1","messages":[{"role":"user","content":"hi"}]}`)
	out, _, _, err := ToResponses(body)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := gjson.GetBytes(out, "prompt_cache_key").String(); got != "key-1" {
		t.Errorf("prompt_cache_key: %q", got)
	}
}

func event(typ, data string) upstream.Event {
	return upstream.Event{Type: typ, Data: data}
}

func TestTranslatorStreamsDeltasAndFinish(t *testing.T) {
	tr := NewTranslator("req-1", "gpt-5")

	frame, ok := tr.Chunk(event("response.created", `{"type":"response.created"}`))
	if ok || frame != nil {
		t.Errorf("lifecycle event produced a chunk")
	}

	frame, ok = tr.Chunk(event("response.output_text.delta", `{"type":"response.output_text.delta","delta":"Hel"}`))
	if !ok {
		t.Fatal("delta dropped")
	}
	if got := gjson.GetBytes(frame, "choices.0.delta.content").String(); got != "Hel" {
		t.Errorf("delta content: %q", got)
	}
	if got := gjson.GetBytes(frame, "object").String(); got != "chat.completion.chunk" {
		t.Errorf("object: %q", got)
	}

	frame, ok = tr.Chunk(event("response.completed", `{"type":"response.completed","response":{"usage":{"input_tokens":7,"output_tokens":3}}}`))
	if !ok {
		t.Fatal("terminal dropped")
	}
	if got := gjson.GetBytes(frame, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason: %q", got)
	}
	if got := gjson.GetBytes(frame, "usage.total_tokens").Int(); got != 10 {
		t.Errorf("total_tokens: %d", got)
	}
	if !tr.Done() {
		t.Error("translator not done after terminal")
	}

	if _, ok := tr.Chunk(event("response.output_text.delta", `{"delta":"x"}`)); ok {
		t.Error("chunk emitted after terminal")
	}
}

func TestTranslatorFailureBecomesErrorBody(t *testing.T) {
	tr := NewTranslator("req-1", "gpt-5")
	frame, ok := tr.Chunk(event("response.failed", `{"type":"response.failed","error":{"code":"no_accounts","message":"none left"}}`))
	if !ok {
		t.Fatal("failure dropped")
	}
	if got := gjson.GetBytes(frame, "error.code").String(); got != "no_accounts" {
		t.Errorf("error code: %q", got)
	}
}

func TestAggregate(t *testing.T) {
	events := []upstream.Event{
		event("response.created", `{}`),
		event("response.output_text.delta", `{"delta":"Hello, "}`),
		event("response.output_text.delta", `{"delta":"world"}`),
		event("response.completed", `{"response":{"usage":{"input_tokens":5,"output_tokens":2}}}`),
	}
	body := Aggregate("req-1", "gpt-5", events)

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("aggregate produced invalid JSON: %v", err)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "Hello, world" {
		t.Errorf("content: %q", got)
	}
	if got := gjson.GetBytes(body, "usage.prompt_tokens").Int(); got != 5 {
		t.Errorf("prompt_tokens: %d", got)
	}
}

func TestAggregateFailure(t *testing.T) {
	events := []upstream.Event{
		event("response.failed", `{"error":{"code":"rate_limit_exceeded","message":"slow"}}`),
	}
	body := Aggregate("req-1", "gpt-5", events)
	if !strings.Contains(string(body), "rate_limit_exceeded") {
		t.Errorf("error not surfaced: %s", body)
	}
}
