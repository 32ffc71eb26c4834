package upstream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Stream guard failures. Both are fatal for the attempt; neither implies the
// account is blocked.
var (
	ErrStreamIdleTimeout = errors.New("stream idle timeout")
	ErrEventTooLarge     = errors.New("sse event exceeds size limit")
)

// ResponseError is an upstream non-2xx reply before any stream opened.
// Envelope holds the raw error body when it parsed as JSON.
type ResponseError struct {
	Status   int
	Envelope json.RawMessage
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, truncate(string(e.Envelope), 200))
}

// Code extracts the normalized error code from the envelope, falling back to
// the error type, then to upstream_error.
func (e *ResponseError) Code() string {
	for _, path := range []string{"error.code", "error.type", "detail.code"} {
		if v := gjson.GetBytes(e.Envelope, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return "upstream_error"
}

func (e *ResponseError) Message() string {
	for _, path := range []string{"error.message", "detail", "message"} {
		if v := gjson.GetBytes(e.Envelope, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
