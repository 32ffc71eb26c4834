package account

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// IDTokenInfo holds the identity claims carried in an id_token.
type IDTokenInfo struct {
	ChatGPTAccountID string
	Email            string
	PlanType         string
	OrgTitle         string
}

// ParseIDToken extracts account info from a JWT id_token payload. The
// signature is not verified; the token came from the auth server over TLS.
func ParseIDToken(idToken string) *IDTokenInfo {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
			PlanType         string `json:"chatgpt_plan_type"`
			Organizations    []struct {
				Title string `json:"title"`
			} `json:"organizations"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}

	info := &IDTokenInfo{
		ChatGPTAccountID: claims.Auth.ChatGPTAccountID,
		Email:            claims.Email,
		PlanType:         claims.Auth.PlanType,
	}
	if len(claims.Auth.Organizations) > 0 {
		info.OrgTitle = claims.Auth.Organizations[0].Title
	}
	return info
}
