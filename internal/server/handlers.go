package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/compat"
	"github.com/codexlb/codex-lb/internal/proxy"
	"github.com/codexlb/codex-lb/internal/upstream"
	"github.com/codexlb/codex-lb/internal/usage"
)

const maxBodyBytes = 32 << 20

func (s *Server) inbound(w http.ResponseWriter, r *http.Request) (*proxy.Inbound, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return nil, false
	}

	requestID := proxy.DeriveRequestID(r.Header)
	w.Header().Set("X-Request-Id", requestID)

	return &proxy.Inbound{
		Body:           body,
		Header:         r.Header,
		RequestID:      requestID,
		ForceAccountID: r.Header.Get("X-Codex-Lb-Force-Account-Id"),
	}, true
}

func (s *Server) handleResponsesSSE(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbound(w, r)
	if !ok {
		return
	}
	s.streamResponses(w, r, in)
}

// handleResponses serves SSE when the payload asks for streaming, otherwise
// aggregates the stream into one JSON response object.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbound(w, r)
	if !ok {
		return
	}
	if gjson.GetBytes(in.Body, "stream").Bool() {
		s.streamResponses(w, r, in)
		return
	}

	events, perr := s.collectEvents(r, in)
	if perr != nil {
		writePayloadError(w, perr)
		return
	}

	for _, ev := range events {
		if ev.Type != "response.failed" && ev.Type != "error" {
			continue
		}
		code := ev.ErrorCode()
		writeErrorCode(w, statusForCode(code), code, ev.ErrorMessage())
		return
	}
	for _, ev := range events {
		if ev.Type == "response.completed" || ev.Type == "response.incomplete" {
			if resp := gjson.Get(ev.Data, "response"); resp.Exists() {
				writeEnvelope(w, http.StatusOK, []byte(resp.Raw))
				return
			}
		}
	}
	writeError(w, http.StatusBadGateway, "upstream_error", "stream produced no response object")
}

func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, in *proxy.Inbound) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	s.usageHeaders(r, w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	// The server-wide write timeout would cut an actively flowing stream
	// short; the upstream idle timer guards stalls instead.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	started := false
	err := s.proxy.Stream(r.Context(), in, func(ev upstream.Event) error {
		started = true
		if _, werr := io.WriteString(w, ev.Frame()); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})

	var perr *proxy.PayloadError
	if errors.As(err, &perr) && !started {
		writePayloadError(w, perr)
		return
	}
	if err != nil {
		slog.Debug("stream ended with error", "request_id", in.RequestID, "error", err)
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbound(w, r)
	if !ok {
		return
	}

	converted, model, stream, err := compat.ToResponses(in.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in.Body = converted

	if !stream {
		events, perr := s.collectEvents(r, in)
		if perr != nil {
			writePayloadError(w, perr)
			return
		}
		body := compat.Aggregate(in.RequestID, model, events)
		status := http.StatusOK
		if code := gjson.GetBytes(body, "error.code"); code.Exists() {
			status = statusForCode(code.String())
		}
		writeEnvelope(w, status, body)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}
	s.usageHeaders(r, w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	tr := compat.NewTranslator(in.RequestID, model)
	started := false
	err = s.proxy.Stream(r.Context(), in, func(ev upstream.Event) error {
		frame, ok := tr.Chunk(ev)
		if !ok {
			return nil
		}
		started = true
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", frame); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})

	var perr *proxy.PayloadError
	if errors.As(err, &perr) && !started {
		writePayloadError(w, perr)
		return
	}
	if tr.Done() || started {
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	in, ok := s.inbound(w, r)
	if !ok {
		return
	}

	body, err := s.proxy.Compact(r.Context(), in)
	if err != nil {
		var perr *proxy.PayloadError
		if errors.As(err, &perr) {
			writePayloadError(w, perr)
			return
		}
		var respErr *upstream.ResponseError
		if errors.As(err, &respErr) {
			writeEnvelope(w, respErr.Status, respErr.Envelope)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, body)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	plans := make(map[string]string, len(snap.Accounts))
	for _, a := range snap.Accounts {
		plans[a.ID] = a.PlanType
	}
	primary := usage.Summarize(snap.Primary, plans)
	secondary := usage.Summarize(snap.Secondary, plans)

	var balance float64
	unlimited := false
	hasCredits := false
	for _, row := range snap.Primary {
		if row.HasCredits {
			hasCredits = true
			balance += row.CreditBalance
		}
		if row.UnlimitedCredits {
			unlimited = true
		}
	}

	setSummaryHeaders(w, "primary", primary)
	setSummaryHeaders(w, "secondary", secondary)
	w.Header().Set("X-Codex-Credits-Balance", strconv.FormatFloat(balance, 'f', 2, 64))
	w.Header().Set("X-Codex-Credits-Unlimited", strconv.FormatBool(unlimited))

	writeJSON(w, http.StatusOK, map[string]any{
		"primary":   primary,
		"secondary": secondary,
		"credits": map[string]any{
			"has":       hasCredits,
			"unlimited": unlimited,
			"balance":   balance,
		},
		"accounts": len(snap.Accounts),
	})
}

// usageHeaders attaches the pool-wide usage view to proxied responses.
func (s *Server) usageHeaders(r *http.Request, w http.ResponseWriter) {
	snap, err := s.builder.Snapshot(r.Context())
	if err != nil {
		return
	}
	plans := make(map[string]string, len(snap.Accounts))
	for _, a := range snap.Accounts {
		plans[a.ID] = a.PlanType
	}
	setSummaryHeaders(w, "primary", usage.Summarize(snap.Primary, plans))
	setSummaryHeaders(w, "secondary", usage.Summarize(snap.Secondary, plans))
}

func setSummaryHeaders(w http.ResponseWriter, window string, sum usage.WindowSummary) {
	prefix := "X-Codex-" + window
	w.Header().Set(prefix+"-Used-Percent", strconv.FormatFloat(sum.UsedPercent, 'f', 2, 64))
	w.Header().Set(prefix+"-Window-Minutes", strconv.Itoa(sum.WindowMinutes))
	w.Header().Set(prefix+"-Reset-At", strconv.FormatInt(sum.ResetAt, 10))
}

// collectEvents runs the proxy stream to completion, buffering events for a
// JSON reply.
func (s *Server) collectEvents(r *http.Request, in *proxy.Inbound) ([]upstream.Event, *proxy.PayloadError) {
	var events []upstream.Event
	err := s.proxy.Stream(r.Context(), in, func(ev upstream.Event) error {
		events = append(events, ev)
		return nil
	})

	var perr *proxy.PayloadError
	if errors.As(err, &perr) {
		return nil, perr
	}
	return events, nil
}

func statusForCode(code string) int {
	// Routing failures mean this service had no account to serve with, not
	// that the upstream misbehaved.
	switch code {
	case "no_accounts", "all_blocked":
		return http.StatusServiceUnavailable
	}
	switch proxy.Classify(code, 0) {
	case proxy.CategoryRateLimit, proxy.CategoryQuota:
		return http.StatusTooManyRequests
	case proxy.CategoryAuth:
		return http.StatusUnauthorized
	case proxy.CategoryValidation:
		return http.StatusBadRequest
	case proxy.CategoryPermanent:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func writePayloadError(w http.ResponseWriter, perr *proxy.PayloadError) {
	writeEnvelope(w, http.StatusBadRequest, perr.Envelope())
}

func writeEnvelope(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"invalid_request_error","code":%q}}`, message, code)
}

// writeErrorCode renders an upstream-style error with a type matching the
// code's category.
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	errType := "server_error"
	switch proxy.Classify(code, 0) {
	case proxy.CategoryRateLimit, proxy.CategoryQuota:
		errType = "rate_limit_error"
	case proxy.CategoryAuth, proxy.CategoryPermanent:
		errType = "authentication_error"
	case proxy.CategoryValidation:
		errType = "invalid_request_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%q}}`, message, errType, code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
