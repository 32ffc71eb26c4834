package proxy

import "strings"

// Category buckets upstream error codes for retry and marking decisions.
type Category int

const (
	CategoryRateLimit Category = iota
	CategoryQuota
	CategoryAuth
	CategoryValidation
	CategoryUpstream
	CategoryPermanent
)

var rateLimitCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"usage_limit_reached": true,
}

var quotaCodes = map[string]bool{
	"insufficient_quota": true,
	"usage_not_included": true,
	"quota_exceeded":     true,
}

var authCodes = map[string]bool{
	"invalid_api_key":     true,
	"invalid_auth":        true,
	"auth_refresh_failed": true,
}

var validationCodes = map[string]bool{
	"invalid_request":          true,
	"missing_prompt_cache_key": true,
}

// Codes that deactivate the account rather than cooling it down.
var permanentCodes = map[string]bool{
	"invalid_grant":         true,
	"refresh_token_expired": true,
	"token_revoked":         true,
	"account_deactivated":   true,
	"account_deleted":       true,
}

// Classify maps an upstream error code (plus HTTP status when known) to a
// category. Unknown codes fall through to upstream.
func Classify(code string, status int) Category {
	switch {
	case permanentCodes[code]:
		return CategoryPermanent
	case rateLimitCodes[code]:
		return CategoryRateLimit
	case quotaCodes[code]:
		return CategoryQuota
	case authCodes[code] || strings.HasPrefix(code, "auth_"):
		return CategoryAuth
	case validationCodes[code] || strings.HasPrefix(code, "invalid_"):
		return CategoryValidation
	case strings.HasPrefix(code, "server_") || strings.HasSuffix(code, "_server_error"):
		return CategoryUpstream
	case status >= 500:
		return CategoryUpstream
	default:
		return CategoryUpstream
	}
}

// retryable reports whether the attempt may move to another account:
// rate-limit and quota codes always; upstream errors for 5xx replies or for
// event codes that name a server-side failure.
func retryable(code string, status int) bool {
	switch Classify(code, status) {
	case CategoryRateLimit, CategoryQuota, CategoryPermanent:
		return true
	case CategoryUpstream:
		return status >= 500 ||
			strings.HasPrefix(code, "server_") || strings.HasSuffix(code, "_server_error")
	}
	return false
}
