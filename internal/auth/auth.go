// Package auth keeps account access tokens fresh, refreshing lazily just
// before expiry.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/store"
)

// RefreshError classifies a failed token refresh. Permanent errors mean the
// refresh token itself is dead and the account must be deactivated.
type RefreshError struct {
	Code      string
	Status    int
	Permanent bool
	Err       error
}

func (e *RefreshError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("token refresh failed (%s, %s): %v", e.Code, kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Manager refreshes OAuth tokens via the auth server's refresh_token grant.
type Manager struct {
	store    *store.Store
	crypto   *account.Crypto
	client   *http.Client
	tokenURL string
	clientID string
	skew     time.Duration
	log      *slog.Logger
}

func NewManager(s *store.Store, crypto *account.Crypto, cfg *config.Config) *Manager {
	return &Manager{
		store:    s,
		crypto:   crypto,
		client:   &http.Client{Timeout: cfg.AuthRefreshTimeout},
		tokenURL: cfg.AuthBaseURL + "/oauth/token",
		clientID: cfg.OAuthClientID,
		skew:     cfg.TokenRefreshSkew,
		log:      slog.Default(),
	}
}

// EnsureFresh returns a decrypted access token for the account, refreshing
// first when the token expires within the skew or force is set.
func (m *Manager) EnsureFresh(ctx context.Context, a *account.Account, force bool) (string, error) {
	access, err := m.crypto.DecryptToken(a.AccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}

	if !force && access != "" {
		if exp, ok := tokenExpiry(access); ok && time.Until(exp) > m.skew {
			return access, nil
		}
	}
	return m.refresh(ctx, a)
}

func (m *Manager) refresh(ctx context.Context, a *account.Account) (string, error) {
	refreshToken, err := m.crypto.DecryptToken(a.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", &RefreshError{Code: "missing_refresh_token", Permanent: true, Err: errors.New("account has no refresh token")}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {m.clientID},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &RefreshError{Code: "request_build_failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &RefreshError{Code: "auth_unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &RefreshError{Code: "read_failed", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyRefreshFailure(resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &RefreshError{Code: "bad_token_response", Status: resp.StatusCode, Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", &RefreshError{Code: "bad_token_response", Status: resp.StatusCode, Err: errors.New("empty access_token")}
	}

	if err := m.persist(ctx, a, tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.IDToken); err != nil {
		return "", err
	}
	m.log.Info("token refreshed", "accountId", a.ID)
	return tokenResp.AccessToken, nil
}

// classifyRefreshFailure maps the auth server's response to a RefreshError.
// invalid_grant means the refresh token is revoked or expired; that account
// cannot recover without re-onboarding.
func classifyRefreshFailure(status int, body []byte) *RefreshError {
	var envelope struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &envelope)

	code := envelope.Error
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	err := errors.New(envelope.ErrorDescription)
	if envelope.ErrorDescription == "" {
		err = fmt.Errorf("auth server returned %d", status)
	}

	permanent := false
	switch {
	case envelope.Error == "invalid_grant":
		permanent = true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		permanent = true
	}
	return &RefreshError{Code: code, Status: status, Permanent: permanent, Err: err}
}

func (m *Manager) persist(ctx context.Context, a *account.Account, access, refresh, idToken string) error {
	accessEnc, err := m.crypto.EncryptToken(access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	refreshEnc := a.RefreshToken
	if refresh != "" {
		if refreshEnc, err = m.crypto.EncryptToken(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	idEnc := a.IDToken
	update := store.TokenUpdate{LastRefresh: time.Now().UTC()}
	if idToken != "" {
		if idEnc, err = m.crypto.EncryptToken(idToken); err != nil {
			return fmt.Errorf("encrypt id token: %w", err)
		}
		if info := account.ParseIDToken(idToken); info != nil {
			if info.Email != "" {
				update.Email = &info.Email
			}
			if info.ChatGPTAccountID != "" {
				update.ChatGPTAccountID = &info.ChatGPTAccountID
			}
			if info.PlanType != "" {
				update.PlanType = &info.PlanType
			}
		}
	}

	update.AccessToken = accessEnc
	update.RefreshToken = refreshEnc
	update.IDToken = idEnc
	if err := m.store.UpdateAccountTokens(ctx, a.ID, update); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	a.AccessToken = accessEnc
	a.RefreshToken = refreshEnc
	a.IDToken = idEnc
	a.LastRefresh = update.LastRefresh
	return nil
}

// tokenExpiry parses the exp claim out of a JWT without verifying it.
func tokenExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return time.Time{}, false
	}
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(data, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
