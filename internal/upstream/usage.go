package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/usage"
)

// FetchUsage polls the usage endpoint and returns one snapshot per window,
// plus credit state folded into each. Windows upstream omits are skipped.
func (c *Client) FetchUsage(ctx context.Context, acct *account.Account, accessToken string) ([]*usage.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if acct.ChatGPTAccountID != "" {
		req.Header.Set("Chatgpt-Account-Id", acct.ChatGPTAccountID)
	}

	resp, err := c.provider.GetClient(acct).Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{Status: resp.StatusCode, Envelope: normalizeEnvelope(body)}
	}

	return parseUsage(acct.ID, body, time.Now().UTC()), nil
}

func parseUsage(accountID string, body []byte, now time.Time) []*usage.Snapshot {
	root := gjson.ParseBytes(body)
	credits := root.Get("credits")

	var snaps []*usage.Snapshot
	for _, w := range []struct {
		path           string
		window         usage.Window
		defaultMinutes int
	}{
		{"rate_limit.primary_window", usage.WindowPrimary, usage.DefaultPrimaryMinutes},
		{"rate_limit.secondary_window", usage.WindowSecondary, usage.DefaultSecondaryMinutes},
	} {
		win := root.Get(w.path)
		if !win.Exists() {
			continue
		}

		minutes := int(win.Get("limit_window_seconds").Int() / 60)
		if minutes <= 0 {
			minutes = w.defaultMinutes
		}

		snaps = append(snaps, &usage.Snapshot{
			AccountID:        accountID,
			RecordedAt:       now,
			Window:           w.window,
			UsedPercent:      win.Get("used_percent").Float(),
			ResetAt:          win.Get("reset_at").Int(),
			WindowMinutes:    minutes,
			HasCredits:       credits.Get("has").Bool(),
			UnlimitedCredits: credits.Get("unlimited").Bool(),
			CreditBalance:    credits.Get("balance").Float(),
		})
	}
	return snaps
}
