package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event is one parsed SSE frame. Type comes from the event: line when
// present, otherwise from the payload's "type" field.
type Event struct {
	Type string
	Data string
	// hasEventLine preserves whether the upstream frame carried an
	// explicit event: line so Frame() reproduces the original shape.
	hasEventLine bool
}

// Legacy event names rewritten on the wire before delivery.
var eventAliases = map[string]string{
	"response.text.delta":    "response.output_text.delta",
	"response.text.done":     "response.output_text.done",
	"response.refusal.delta": "response.output_refusal.delta",
	"response.refusal.done":  "response.output_refusal.done",
}

// Frame renders the event back to its on-wire form.
func (e Event) Frame() string {
	var b strings.Builder
	if e.hasEventLine && e.Type != "" {
		b.WriteString("event: ")
		b.WriteString(e.Type)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// IsTerminal reports whether this event ends a response.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case "response.completed", "response.failed", "response.incomplete":
		return true
	}
	return false
}

// ErrorCode extracts the error code carried by a failed/error event.
func (e Event) ErrorCode() string {
	for _, path := range []string{"error.code", "response.error.code", "error.type"} {
		if v := gjson.Get(e.Data, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ErrorMessage extracts the human-readable error text, if any.
func (e Event) ErrorMessage() string {
	for _, path := range []string{"error.message", "response.error.message"} {
		if v := gjson.Get(e.Data, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// Usage pulls token accounting out of a response.completed payload.
// OutputTokens is nil when upstream omitted the field, so callers can tell
// "no output reported" apart from "zero output".
type Usage struct {
	InputTokens       int64
	OutputTokens      *int64
	CachedInputTokens int64
	ReasoningTokens   int64
}

// OutputOrReasoning returns the output count, with reasoning tokens standing
// in when upstream omitted output_tokens.
func (u *Usage) OutputOrReasoning() int64 {
	if u.OutputTokens != nil {
		return *u.OutputTokens
	}
	return u.ReasoningTokens
}

func (e Event) Usage() *Usage {
	u := gjson.Get(e.Data, "response.usage")
	if !u.Exists() {
		return nil
	}
	out := &Usage{
		InputTokens:       u.Get("input_tokens").Int(),
		CachedInputTokens: u.Get("input_tokens_details.cached_tokens").Int(),
		ReasoningTokens:   u.Get("output_tokens_details.reasoning_tokens").Int(),
	}
	if v := u.Get("output_tokens"); v.Exists() {
		n := v.Int()
		out.OutputTokens = &n
	}
	return out
}

// FailedEvent synthesizes a terminal response.failed frame.
func FailedEvent(code, message string) Event {
	msg, _ := json.Marshal(message)
	return Event{
		Type:         "response.failed",
		Data:         fmt.Sprintf(`{"type":"response.failed","error":{"code":%q,"message":%s}}`, code, msg),
		hasEventLine: true,
	}
}

// parser accumulates bytes and emits complete SSE events. Framing tolerates
// both \n\n and \r\n\r\n terminators; comment lines starting with ':' are
// dropped.
type parser struct {
	buf      bytes.Buffer
	maxBytes int64
}

func newParser(maxBytes int64) *parser {
	return &parser{maxBytes: maxBytes}
}

// feed appends a chunk and returns every event completed by it. It returns
// ErrEventTooLarge when a single frame exceeds the limit.
func (p *parser) feed(chunk []byte) ([]Event, error) {
	p.buf.Write(chunk)

	var events []Event
	for {
		frame, rest, found := cutFrame(p.buf.Bytes())
		if !found {
			break
		}
		// A complete frame over the limit is just as fatal as an unbounded
		// partial one; check before it can be delivered.
		if p.maxBytes > 0 && int64(len(frame)) >= p.maxBytes {
			return events, ErrEventTooLarge
		}
		if ev, ok := parseFrame(frame); ok {
			events = append(events, ev)
		}
		remaining := make([]byte, len(rest))
		copy(remaining, rest)
		p.buf.Reset()
		p.buf.Write(remaining)
	}

	if p.maxBytes > 0 && int64(p.buf.Len()) >= p.maxBytes {
		return events, ErrEventTooLarge
	}
	return events, nil
}

// cutFrame splits off the first complete frame, honoring whichever
// terminator appears first.
func cutFrame(data []byte) (frame, rest []byte, found bool) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))

	switch {
	case lf < 0 && crlf < 0:
		return nil, nil, false
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return data[:lf], data[lf+2:], true
	default:
		return data[:crlf], data[crlf+4:], true
	}
}

// parseFrame decodes one frame. Frames without a data: line (comments,
// keep-alives) are skipped.
func parseFrame(frame []byte) (Event, bool) {
	var (
		eventType    string
		hasEventLine bool
		dataLines    []string
	)

	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
			hasEventLine = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(dataLines) == 0 {
		return Event{}, false
	}

	ev := Event{
		Type:         eventType,
		Data:         strings.Join(dataLines, "\n"),
		hasEventLine: hasEventLine,
	}
	if ev.Type == "" {
		ev.Type = gjson.Get(ev.Data, "type").String()
	}
	return normalizeAlias(ev), true
}

// normalizeAlias rewrites legacy event names in both the event type and the
// payload's type field.
func normalizeAlias(ev Event) Event {
	canonical, ok := eventAliases[ev.Type]
	if !ok {
		return ev
	}
	ev.Type = canonical
	if gjson.Get(ev.Data, "type").Exists() {
		if rewritten, err := sjson.Set(ev.Data, "type", canonical); err == nil {
			ev.Data = rewritten
		}
	}
	return ev
}
