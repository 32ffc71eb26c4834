package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// PayloadError rejects a request before any account is touched. Param names
// the offending field in the OpenAI error envelope.
type PayloadError struct {
	Code    string
	Message string
	Param   string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope renders the OpenAI-compatible error body for this rejection.
func (e *PayloadError) Envelope() []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    "invalid_request_error",
			"code":    e.Code,
			"param":   e.Param,
		},
	})
	return body
}

// ValidatePayload rejects features that need server-side conversation state:
// store=true, previous_response_id, and file_id references in input items.
func ValidatePayload(body []byte) *PayloadError {
	if !gjson.ValidBytes(body) {
		return &PayloadError{Code: "invalid_request", Message: "request body is not valid JSON"}
	}

	if v := gjson.GetBytes(body, "store"); v.Exists() && v.Bool() {
		return &PayloadError{
			Code:    "invalid_request",
			Message: "store=true is not supported; responses are not persisted",
			Param:   "store",
		}
	}
	if v := gjson.GetBytes(body, "previous_response_id"); v.Exists() && v.String() != "" {
		return &PayloadError{
			Code:    "invalid_request",
			Message: "previous_response_id is not supported; resend the full conversation",
			Param:   "previous_response_id",
		}
	}

	var bad *PayloadError
	gjson.GetBytes(body, "input").ForEach(func(_, item gjson.Result) bool {
		found := false
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("file_id").Exists() {
				found = true
			}
			return !found
		})
		if item.Get("file_id").Exists() {
			found = true
		}
		if found {
			bad = &PayloadError{
				Code:    "invalid_request",
				Message: "file_id references are not supported; inline file content instead",
				Param:   "input",
			}
		}
		return bad == nil
	})
	return bad
}
