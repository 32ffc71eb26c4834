// Package compat maps OpenAI chat/completions traffic onto the responses
// API: requests are rewritten before selection, streamed events are
// translated back into chat completion chunks.
package compat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/upstream"
)

type chatRequest struct {
	Model           string          `json:"model"`
	Messages        []chatMessage   `json:"messages"`
	Stream          bool            `json:"stream"`
	Temperature     *float64        `json:"temperature"`
	TopP            *float64        `json:"top_p"`
	MaxTokens       *int64          `json:"max_tokens"`
	ReasoningEffort string          `json:"reasoning_effort"`
	PromptCacheKey  string          `json:"prompt_cache_key"`
	User            string          `json:"user"`
	Tools           json.RawMessage `json:"tools"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type inputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputItem struct {
	Type    string      `json:"type"`
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

// ToResponses converts a chat/completions body into the responses shape.
// Returns the rewritten body, the model, and whether streaming was asked for.
func ToResponses(body []byte) ([]byte, string, bool, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", false, fmt.Errorf("decode chat request: %w", err)
	}

	var instructions []string
	var input []inputItem
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			instructions = append(instructions, flattenContent(msg.Content))
		case "assistant":
			input = append(input, inputItem{
				Type: "message",
				Role: "assistant",
				Content: []inputPart{
					{Type: "output_text", Text: flattenContent(msg.Content)},
				},
			})
		default:
			input = append(input, inputItem{
				Type:    "message",
				Role:    msg.Role,
				Content: userParts(msg.Content),
			})
		}
	}

	out := map[string]any{
		"model":  req.Model,
		"input":  input,
		"stream": true, // upstream is always SSE; JSON replies are aggregated here
		"store":  false,
	}
	if len(instructions) > 0 {
		out["instructions"] = strings.Join(instructions, "\n\n")
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		out["max_output_tokens"] = *req.MaxTokens
	}
	if req.ReasoningEffort != "" {
		out["reasoning"] = map[string]any{"effort": req.ReasoningEffort}
	}
	if key := req.PromptCacheKey; key != "" {
		out["prompt_cache_key"] = key
	} else if req.User != "" {
		out["prompt_cache_key"] = req.User
	}
	if len(req.Tools) > 0 {
		out["tools"] = req.Tools
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, "", false, fmt.Errorf("encode responses request: %w", err)
	}
	return encoded, req.Model, req.Stream, nil
}

// flattenContent joins a string-or-parts content field into plain text.
func flattenContent(raw json.RawMessage) string {
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	var parts []string
	parsed.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			parts = append(parts, t.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// userParts converts chat content into responses input parts, keeping image
// URLs as input_image items.
func userParts(raw json.RawMessage) []inputPart {
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return []inputPart{{Type: "input_text", Text: parsed.String()}}
	}

	var parts []inputPart
	parsed.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "image_url":
			url := part.Get("image_url.url").String()
			if url == "" {
				url = part.Get("image_url").String()
			}
			parts = append(parts, inputPart{Type: "input_image", ImageURL: url})
		default:
			if t := part.Get("text"); t.Exists() {
				parts = append(parts, inputPart{Type: "input_text", Text: t.String()})
			}
		}
		return true
	})
	return parts
}

// Translator turns responses SSE events into chat completion chunks for one
// request. Chunks share an id and creation time, as clients expect.
type Translator struct {
	id      string
	model   string
	created int64
	done    bool
}

func NewTranslator(requestID, model string) *Translator {
	return &Translator{
		id:      "chatcmpl-" + requestID,
		model:   model,
		created: time.Now().Unix(),
	}
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chatUsage    `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Chunk translates one event. ok=false means the event produces no chat
// output (deltas for reasoning, lifecycle notices).
func (tr *Translator) Chunk(ev upstream.Event) (frame []byte, ok bool) {
	if tr.done {
		return nil, false
	}

	switch ev.Type {
	case "response.output_text.delta":
		delta := gjson.Get(ev.Data, "delta").String()
		if delta == "" {
			return nil, false
		}
		return tr.encode(chunkChoice{Delta: chunkDelta{Content: delta}}, nil), true

	case "response.completed", "response.incomplete":
		tr.done = true
		reason := "stop"
		if ev.Type == "response.incomplete" {
			reason = "length"
		}
		var u *chatUsage
		if got := ev.Usage(); got != nil {
			out := got.OutputOrReasoning()
			u = &chatUsage{
				PromptTokens:     got.InputTokens,
				CompletionTokens: out,
				TotalTokens:      got.InputTokens + out,
			}
		}
		return tr.encode(chunkChoice{FinishReason: &reason}, u), true

	case "response.failed", "error":
		tr.done = true
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": ev.ErrorMessage(),
				"type":    "server_error",
				"code":    ev.ErrorCode(),
			},
		})
		return body, true
	}
	return nil, false
}

// Done reports whether a terminal chunk was produced.
func (tr *Translator) Done() bool { return tr.done }

func (tr *Translator) encode(choice chunkChoice, u *chatUsage) []byte {
	body, _ := json.Marshal(chatChunk{
		ID:      tr.id,
		Object:  "chat.completion.chunk",
		Created: tr.created,
		Model:   tr.model,
		Choices: []chunkChoice{choice},
		Usage:   u,
	})
	return body
}

// Aggregate folds a full event stream into one non-streaming chat completion
// body. A failed stream returns the error envelope instead.
func Aggregate(requestID, model string, events []upstream.Event) []byte {
	var text strings.Builder
	var u *chatUsage
	finish := "stop"

	for _, ev := range events {
		switch ev.Type {
		case "response.output_text.delta":
			text.WriteString(gjson.Get(ev.Data, "delta").String())
		case "response.incomplete":
			finish = "length"
		case "response.completed":
			if got := ev.Usage(); got != nil {
				out := got.OutputOrReasoning()
				u = &chatUsage{
					PromptTokens:     got.InputTokens,
					CompletionTokens: out,
					TotalTokens:      got.InputTokens + out,
				}
			}
		case "response.failed", "error":
			body, _ := json.Marshal(map[string]any{
				"error": map[string]any{
					"message": ev.ErrorMessage(),
					"type":    "server_error",
					"code":    ev.ErrorCode(),
				},
			})
			return body
		}
	}

	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text.String()},
			"finish_reason": finish,
		}},
		"usage": u,
	})
	return body
}
