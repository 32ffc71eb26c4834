// Package sticky pins session fingerprints to account ids so follow-up
// requests reuse the upstream prompt cache.
package sticky

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Store is the backend contract. The selector treats all backends the same.
type Store interface {
	Get(ctx context.Context, key string) (accountID string, ok bool, err error)
	Upsert(ctx context.Context, key, accountID string) error
	Delete(ctx context.Context, key string) error
	CountByAccount(ctx context.Context) (map[string]int, error)
	// DeleteAccount drops every mapping targeting the account.
	DeleteAccount(ctx context.Context, accountID string) error
	Close() error
}

// Hasher derives sticky keys from caller-supplied prompt_cache_key values.
// Keyed hashing keeps raw cache keys out of storage and logs.
type Hasher struct {
	secret []byte
}

func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Key returns the hex fingerprint for a prompt cache key, empty in empty out.
func (h *Hasher) Key(promptCacheKey string) string {
	if promptCacheKey == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(promptCacheKey))
	return hex.EncodeToString(mac.Sum(nil))
}
