package account

import (
	"time"
)

// Status is the lifecycle state of a pooled account.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusRateLimited   Status = "RATE_LIMITED"
	StatusQuotaExceeded Status = "QUOTA_EXCEEDED"
	StatusPaused        Status = "PAUSED"
	StatusDeactivated   Status = "DEACTIVATED"
)

// Blocked reports whether the status is an informational block state. The
// effective gate is always max(status_reset_at, usage reset) vs now; the
// status alone never disqualifies an account permanently.
func (s Status) Blocked() bool {
	return s == StatusRateLimited || s == StatusQuotaExceeded
}

// Schedulable reports whether the status allows selection at all.
func (s Status) Schedulable() bool {
	return s != StatusPaused && s != StatusDeactivated
}

// Account is a pooled upstream credential. Token fields hold ciphertext
// ("{iv_hex}:{ct_hex}"); decryption goes through Crypto.
type Account struct {
	ID                 string    `json:"id"`
	ChatGPTAccountID   string    `json:"chatgptAccountId,omitempty"`
	Email              string    `json:"email"`
	PlanType           string    `json:"planType"`
	AccessToken        string    `json:"-"`
	RefreshToken       string    `json:"-"`
	IDToken            string    `json:"-"`
	LastRefresh        time.Time `json:"lastRefresh"`
	Status             Status    `json:"status"`
	StatusResetAt      int64     `json:"statusResetAt,omitempty"` // epoch seconds, 0 = none
	DeactivationReason string    `json:"deactivationReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Optional per-account egress proxy.
	Proxy *ProxyConfig `json:"proxy,omitempty"`
}

// ProxyConfig is an optional per-account egress proxy.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

